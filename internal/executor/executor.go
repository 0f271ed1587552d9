package executor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/yanmarques/youtube-extractor/internal/log"
)

const (
	// DefaultTimeout applies to every command unless WithoutTimeout is used.
	DefaultTimeout = 5 * time.Second

	TimedOutMessage          = "Process timed out."
	IncorrectPasswordMessage = "Incorrect password."
)

// Executor runs a command synchronously and returns its decoded output.
// A non-zero exit or a timeout is a normal Result, the error is reserved
// for commands which could not be started at all.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (Result, error)
}

// Command describes a single invocation. Line is passed to the system
// shell when Shell is true, otherwise it's split on whitespace.
type Command struct {
	Line    string
	Shell   bool
	Elevate bool
	Timeout time.Duration
	Env     []string
}

// Shell returns a shell command with the default timeout.
func Shell(line string) Command {
	return Command{
		Line:    line,
		Shell:   true,
		Timeout: DefaultTimeout,
	}
}

func (c Command) WithoutTimeout() Command {
	c.Timeout = 0
	return c
}

func (c Command) Elevated() Command {
	c.Elevate = true
	return c
}

func (c Command) WithEnv(env ...string) Command {
	c.Env = append(append([]string(nil), c.Env...), env...)
	return c
}

func (c Command) String() string {
	return c.Line
}

type Result struct {
	Line     string
	Stdout   string
	Stderr   string
	PID      int
	ExitCode int
	TimedOut bool
	Started  time.Time
	Stopped  time.Time
}

// OK reports a command which printed nothing to stderr.
func (r Result) OK() bool {
	return r.Stderr == ""
}

// System executes commands on the local machine.
type System struct {
	logger     *slog.Logger
	privileged func() bool
	elevator   string
}

func NewSystem(logger *slog.Logger) *System {
	return &System{
		logger:     log.OrDefault(logger),
		privileged: Privileged,
		elevator:   "sudo -H",
	}
}

// WithPrivileged overrides the privilege detection.
func (s *System) WithPrivileged(f func() bool) *System {
	s.privileged = f
	return s
}

// Privileged reports whether the current process runs as root.
func Privileged() bool {
	if runtime.GOOS == "windows" {
		return false
	}
	return os.Geteuid() == 0
}

// Execute runs the command. Elevated commands are prefixed with sudo unless
// the process is already privileged, and are never subject to the timeout.
func (s *System) Execute(ctx context.Context, proto Command) (Result, error) {
	line := proto.Line
	timeout := proto.Timeout
	if proto.Elevate {
		timeout = 0
		if !s.privileged() && runtime.GOOS != "windows" {
			line = s.elevator + " " + line
		}
	}

	result := Result{Line: line}
	s.logger.DebugContext(ctx, "running", "command", line, "timeout", timeout)

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := command(runCtx, line, proto.Shell)
	// a killed shell may leave children holding the pipes open
	cmd.WaitDelay = time.Second
	if len(proto.Env) > 0 {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if proto.Elevate {
		cmd.Stdin = os.Stdin
	}

	result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		result.Stopped = time.Now().UTC()
		return result, err
	}
	result.PID = cmd.Process.Pid

	waitErr := cmd.Wait()
	result.Stopped = time.Now().UTC()
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if timeout > 0 && timedOut(ctx, runCtx, waitErr) {
		result.TimedOut = true
		result.Stdout, result.Stderr = "", TimedOutMessage
		return result, nil
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return result, waitErr
	}

	result.Stdout, result.Stderr = ParseOutput(stdout.Bytes(), stderr.Bytes())
	if proto.Elevate && strings.Contains(strings.ToLower(result.Stderr), "incorrect") {
		result.Stdout, result.Stderr = "", IncorrectPasswordMessage
	}
	return result, nil
}

// timedOut reports whether the command was killed by its own deadline. A
// command that exited on its own is never a timeout, even when the deadline
// passed before Wait returned.
func timedOut(ctx, runCtx context.Context, waitErr error) bool {
	return waitErr != nil && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
}

func command(ctx context.Context, line string, shell bool) *exec.Cmd {
	if !shell {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			fields = []string{""}
		}
		return exec.CommandContext(ctx, fields[0], fields[1:]...) // #nosec G204
	}
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", line) // #nosec G204
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", line) // #nosec G204
}

// ParseOutput decodes both buffers and strips surrounding whitespace.
func ParseOutput(stdout, stderr []byte) (string, string) {
	return strings.TrimSpace(string(stdout)), strings.TrimSpace(string(stderr))
}

// CheckAvailability runs cmd and treats a usage message or a timeout as a
// sign that the binary exists. It's a heuristic: programs which print
// their usage to stdout, or nothing at all, are reported as missing.
func CheckAvailability(ctx context.Context, ex Executor, cmd Command) bool {
	result, err := ex.Execute(ctx, cmd)
	if err != nil {
		return false
	}
	if result.Stderr == "" {
		return false
	}
	return strings.Contains(strings.ToLower(result.Stderr), "usage") ||
		strings.Contains(result.Stderr, TimedOutMessage)
}
