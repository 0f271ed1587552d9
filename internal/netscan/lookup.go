package netscan

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/yanmarques/youtube-extractor/internal/executor"
	"github.com/yanmarques/youtube-extractor/internal/log"
)

// PortLookup finds the process listening on a local TCP port. Lookups never
// fail loudly: unreadable or unexpected data means "not found".
type PortLookup interface {
	Occupant(ctx context.Context, port int) (pid int, found bool)
}

// PortLookupFunc adapts a function to PortLookup.
type PortLookupFunc func(ctx context.Context, port int) (int, bool)

func (f PortLookupFunc) Occupant(ctx context.Context, port int) (int, bool) {
	return f(ctx, port)
}

// Chain asks every lookup in order, the first hit wins.
type Chain []PortLookup

func (c Chain) Occupant(ctx context.Context, port int) (int, bool) {
	for _, l := range c {
		if pid, ok := l.Occupant(ctx, port); ok {
			return pid, true
		}
	}
	return 0, false
}

// Default returns the best lookup for the running platform. On linux the
// kernel listener table is consulted first, so the expensive lookups run
// only when something is actually bound to the port.
func Default(ex executor.Executor, logger *slog.Logger) PortLookup {
	logger = log.OrDefault(logger)
	next := Chain{
		NewSocketLookup(logger),
		NewCommandLookup(ex, runtime.GOOS, logger),
	}
	return listenGate{next: next, logger: logger}
}

type listenGate struct {
	next   PortLookup
	logger *slog.Logger
}

func (g listenGate) Occupant(ctx context.Context, port int) (int, bool) {
	listening, err := Listening(port)
	if err != nil {
		g.logger.DebugContext(ctx, "netlink listener check not available", "error", err)
		return g.next.Occupant(ctx, port)
	}
	if !listening {
		return 0, false
	}
	return g.next.Occupant(ctx, port)
}

// Listening reports whether a TCP socket listens on port, using the
// netlink socket dump.
func Listening(port int) (bool, error) {
	seq, err := LocalPortsNetlink()
	if err != nil {
		return false, err
	}
	for ap := range seq {
		if int(ap.Port()) == port {
			return true, nil
		}
	}
	return false, nil
}
