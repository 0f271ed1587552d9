package tor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yanmarques/youtube-extractor/internal/executor"
	"github.com/yanmarques/youtube-extractor/internal/log"
)

const bootstrapped = "Bootstrapped 100%"

// Launcher runs the daemon as a child process.
type Launcher interface {
	// Launch returns the pid once the daemon is ready. Failing to spawn
	// the binary is reported as ErrLaunch.
	Launch(ctx context.Context) (int, error)
	// Close kills the child, if any.
	Close()
}

// RunnerLauncher starts tor in the background and waits for its bootstrap
// log line.
type RunnerLauncher struct {
	runner  *executor.Runner
	path    string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
}

func NewRunnerLauncher(binary string, port int, timeout time.Duration, logger *slog.Logger) *RunnerLauncher {
	if binary == "" {
		binary = Name
	}
	return NewCommandLauncher(binary, []string{"--SocksPort", strconv.Itoa(port)}, timeout, logger)
}

// NewCommandLauncher launches an arbitrary command which prints the tor
// bootstrap line when ready.
func NewCommandLauncher(path string, args []string, timeout time.Duration, logger *slog.Logger) *RunnerLauncher {
	logger = log.OrDefault(logger)
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &RunnerLauncher{
		runner:  executor.NewRunner(logger),
		path:    path,
		args:    args,
		timeout: timeout,
		logger:  logger,
	}
}

func (l *RunnerLauncher) Launch(ctx context.Context) (int, error) {
	ready := make(chan struct{})
	var once sync.Once
	lineFunc := func(ctx context.Context, line string) {
		l.logger.DebugContext(ctx, "daemon output", "line", line)
		if strings.Contains(line, bootstrapped) {
			once.Do(func() { close(ready) })
		}
	}

	// the daemon outlives the request which started it, Close ends it
	err := l.runner.Start(context.WithoutCancel(ctx), l.path, l.args, lineFunc)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()
	select {
	case <-ready:
		return l.runner.Result().PID, nil
	case res := <-l.runner.WaitChan():
		return 0, fmt.Errorf("%w: exited before bootstrap: %v", ErrBootstrapFailed, res.Err)
	case <-timer.C:
		l.runner.Close()
		return 0, fmt.Errorf("%w: not bootstrapped in %s", ErrBootstrapFailed, l.timeout)
	case <-ctx.Done():
		l.runner.Close()
		return 0, ctx.Err()
	}
}

func (l *RunnerLauncher) Close() {
	l.runner.Close()
}
