package netscan

import (
	"context"
	"log/slog"

	psnet "github.com/shirou/gopsutil/v4/net"

	"github.com/yanmarques/youtube-extractor/internal/log"
)

// SocketLookup reads the system socket table. Without privileges the owner
// of a foreign socket is reported as pid 0, which counts as not found so a
// privileged lookup can take over.
type SocketLookup struct {
	logger      *slog.Logger
	connections func(ctx context.Context, kind string) ([]psnet.ConnectionStat, error)
}

func NewSocketLookup(logger *slog.Logger) SocketLookup {
	return SocketLookup{
		logger:      log.OrDefault(logger),
		connections: psnet.ConnectionsWithContext,
	}
}

func (l SocketLookup) Occupant(ctx context.Context, port int) (int, bool) {
	conns, err := l.connections(ctx, "tcp")
	if err != nil {
		l.logger.DebugContext(ctx, "reading socket table failed", "error", err)
		return 0, false
	}
	return listenerPID(conns, port)
}

func listenerPID(conns []psnet.ConnectionStat, port int) (int, bool) {
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port {
			continue
		}
		if c.Pid > 0 {
			return int(c.Pid), true
		}
	}
	return 0, false
}
