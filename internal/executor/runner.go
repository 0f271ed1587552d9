package executor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/yanmarques/youtube-extractor/internal/log"
)

var (
	ErrNotStarted = errors.New("process not started")
	ErrInProgress = errors.New("process in progress")
)

// LineFunc receives every line the background process prints, stdout and
// stderr alike.
type LineFunc func(ctx context.Context, line string)

// Runner keeps a single long-running process in the background.
type Runner struct {
	mx         sync.RWMutex
	logger     *slog.Logger
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	result     RunResult
	waits      []chan RunResult
}

type RunResult struct {
	Path    string
	Args    []string
	PID     int
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Err     error
}

func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{
		logger: log.OrDefault(logger),
		result: RunResult{Err: ErrNotStarted},
	}
}

// Start runs the process and returns once it's spawned. It ensures only a
// single instance is active and returns ErrInProgress otherwise. Output is
// consumed by internal goroutines and handed to lineFunc, use WaitChan to
// learn about the exit.
func (r *Runner) Start(ctx context.Context, path string, args []string, lineFunc LineFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = RunResult{
		Path: path,
		Args: append([]string(nil), args...),
	}

	ctx, r.cancelFunc = context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, path, args...) // #nosec G204
	cmd.WaitDelay = time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.cancelFunc()
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.cancelFunc()
		return err
	}

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.cancelFunc()
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}
	r.cmd = cmd
	r.result.PID = cmd.Process.Pid
	r.logger.DebugContext(ctx, "background process started", "path", path, "pid", r.result.PID)

	var wg sync.WaitGroup
	wg.Go(func() { r.processLines(ctx, stdout, lineFunc) })
	wg.Go(func() { r.processLines(ctx, stderr, lineFunc) })
	go r.wait(cmd, &wg)
	return nil
}

func (r *Runner) processLines(ctx context.Context, rd io.Reader, lineFunc LineFunc) {
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		if lineFunc != nil {
			lineFunc(ctx, scanner.Text())
		}
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		r.logger.ErrorContext(ctx, "processing output", "error", err)
	}
}

func (r *Runner) wait(cmd *exec.Cmd, wg *sync.WaitGroup) {
	// pipes must be drained before Wait closes them
	wg.Wait()
	err := cmd.Wait()
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cancelFunc != nil {
		r.cancelFunc()
		r.cancelFunc = nil
	}
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
}

// WaitChan returns a channel receiving the result of the running process.
// The channel is closed once the process ends. When nothing runs the last
// result is delivered immediately.
func (r *Runner) WaitChan() <-chan RunResult {
	ch := make(chan RunResult, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}

// Running reports whether a process is active.
func (r *Runner) Running() bool {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.cmd != nil
}

// Result returns the last process result, ErrNotStarted if nothing has
// been executed yet.
func (r *Runner) Result() RunResult {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}

// Close kills the running process, if any, and waits for it to exit.
func (r *Runner) Close() {
	r.mx.Lock()
	cancel := r.cancelFunc
	running := r.cmd != nil
	r.mx.Unlock()
	if !running {
		return
	}
	ch := r.WaitChan()
	if cancel != nil {
		cancel()
	}
	<-ch
}
