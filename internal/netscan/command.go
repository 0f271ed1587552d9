package netscan

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/yanmarques/youtube-extractor/internal/executor"
	"github.com/yanmarques/youtube-extractor/internal/log"
)

// CommandLookup scrapes the output of platform tools:
//
//	windows: netstat -ano | findstr :PORT
//	darwin:  lsof -i tcp:PORT
//	linux:   netstat -nlp | grep PORT (elevated, to see foreign pids)
type CommandLookup struct {
	ex     executor.Executor
	goos   string
	logger *slog.Logger
}

func NewCommandLookup(ex executor.Executor, goos string, logger *slog.Logger) CommandLookup {
	return CommandLookup{
		ex:     ex,
		goos:   goos,
		logger: log.OrDefault(logger),
	}
}

func (l CommandLookup) Occupant(ctx context.Context, port int) (int, bool) {
	var cmd executor.Command
	var parse func(string, int) (int, bool)
	switch l.goos {
	case "windows":
		cmd = executor.Shell(fmt.Sprintf("netstat -ano | findstr :%d", port))
		parse = ParseNetstatWindows
	case "darwin":
		cmd = executor.Shell(fmt.Sprintf("lsof -i tcp:%d", port))
		parse = ParseLsof
	default:
		cmd = executor.Shell(fmt.Sprintf("netstat -nlp | grep %d", port)).Elevated()
		parse = ParseNetstatLinux
	}

	res, err := l.ex.Execute(ctx, cmd)
	if err != nil {
		l.logger.DebugContext(ctx, "port lookup command failed", "command", cmd.Line, "error", err)
		return 0, false
	}
	if res.Stdout == "" {
		return 0, false
	}
	return parse(res.Stdout, port)
}

var (
	rxWindowsListening = regexp.MustCompile(`LISTENING\s+(\d+)`)
	rxLsofListen       = regexp.MustCompile(`^\S+\s+(\d+)\s.*\(LISTEN\)`)
	rxNetstatProgram   = regexp.MustCompile(`(\d+)/\S+`)
)

// ParseNetstatWindows reads `netstat -ano` lines like
// "TCP 127.0.0.1:9050 0.0.0.0:0 LISTENING 4242".
func ParseNetstatWindows(out string, port int) (int, bool) {
	return scanLines(out, func(line string) (int, bool) {
		fields := strings.Fields(line)
		if len(fields) < 2 || !hasPort(fields[1], port) {
			return 0, false
		}
		return submatchPID(rxWindowsListening, line)
	})
}

// ParseLsof reads `lsof -i` lines like
// "tor 4242 user 6u IPv4 0x0 0t0 TCP localhost:9050 (LISTEN)".
func ParseLsof(out string, port int) (int, bool) {
	name := fmt.Sprintf(":%d (LISTEN)", port)
	return scanLines(out, func(line string) (int, bool) {
		if !strings.Contains(line, name) {
			return 0, false
		}
		return submatchPID(rxLsofListen, line)
	})
}

// ParseNetstatLinux reads `netstat -nlp` lines like
// "tcp 0 0 127.0.0.1:9050 0.0.0.0:* LISTEN 4242/tor".
func ParseNetstatLinux(out string, port int) (int, bool) {
	return scanLines(out, func(line string) (int, bool) {
		fields := strings.Fields(line)
		if len(fields) < 4 || !hasPort(fields[3], port) || !strings.Contains(line, "LISTEN") {
			return 0, false
		}
		return submatchPID(rxNetstatProgram, line)
	})
}

func scanLines(out string, match func(string) (int, bool)) (int, bool) {
	for line := range strings.Lines(out) {
		if pid, ok := match(strings.TrimSpace(line)); ok {
			return pid, true
		}
	}
	return 0, false
}

func hasPort(addr string, port int) bool {
	return strings.HasSuffix(addr, ":"+strconv.Itoa(port))
}

func submatchPID(rx *regexp.Regexp, line string) (int, bool) {
	m := rx.FindStringSubmatch(line)
	if len(m) < 2 {
		return 0, false
	}
	pid, err := strconv.Atoi(m[1])
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
