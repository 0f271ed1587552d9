// Package downloader manages the media download helper (youtube-dl or a
// compatible fork) as a service.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"github.com/alessio/shellescape"

	"github.com/yanmarques/youtube-extractor/internal/executor"
	"github.com/yanmarques/youtube-extractor/internal/log"
	"github.com/yanmarques/youtube-extractor/internal/service"
)

const (
	DefaultBinary = "youtube-dl"

	// probeAttempts bounds availability probes around the single install.
	probeAttempts = 2
)

var ErrDownloadFailed = errors.New("download failed")

// Installers returns the fallback chain for binary: pip first, then the
// platform package manager.
func Installers(binary string) service.Chain {
	pkg := shellescape.Quote(binary)
	return service.Chain{
		{
			Name:    "pip",
			Command: executor.Shell("python3 -m pip install " + pkg).Elevated(),
		},
		{
			Name:    "brew",
			Command: executor.Shell("brew install " + pkg).WithEnv("HOMEBREW_NO_AUTO_UPDATE=1").WithoutTimeout(),
			GOOS:    []string{"darwin"},
		},
		{
			Name:    "apt-get",
			Command: executor.Shell("apt-get install -y " + pkg).Elevated(),
			GOOS:    []string{"linux"},
		},
	}
}

// Service wraps the download helper. It's safe for concurrent use: the
// first Start probes and installs under a lock, later calls return at once.
type Service struct {
	ex     executor.Executor
	logger *slog.Logger
	binary string
	chain  service.Chain

	mx    sync.Mutex
	state service.ServiceState
}

var _ service.Service = (*Service)(nil)

func New(ex executor.Executor, binary string, logger *slog.Logger) *Service {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Service{
		ex:     ex,
		logger: log.OrDefault(logger),
		binary: binary,
		chain:  Installers(binary).For(runtime.GOOS),
	}
}

// WithChain replaces the install chain.
func (s *Service) WithChain(chain service.Chain) *Service {
	s.chain = chain
	return s
}

func (s *Service) Name() string {
	return s.binary
}

func (s *Service) State() service.ServiceState {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

// Start makes sure the helper is callable. An unavailable helper is
// installed once; if it's still unavailable afterwards ErrNotInstalled is
// returned.
func (s *Service) Start(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	ctx = log.ContextAttrs(ctx, slog.String("service", s.binary))

	if s.state.Started {
		s.logger.DebugContext(ctx, "service already started")
		return nil
	}
	s.state.Starting()

	var available bool
	for attempt := 1; attempt <= probeAttempts; attempt++ {
		if executor.CheckAvailability(ctx, s.ex, executor.Shell(shellescape.Quote(s.binary))) {
			available = true
			break
		}
		if err := ctx.Err(); err != nil {
			s.state.Stopped()
			return err
		}
		s.logger.WarnContext(ctx, "service is not available", "attempt", attempt)
		if err := s.install(ctx); err != nil {
			s.state.Stopped()
			return err
		}
	}

	if !available {
		s.state.Stopped()
		return fmt.Errorf("%s: %w", s.binary, service.ErrNotInstalled)
	}
	s.state.MarkInstalled()
	s.state.Running(0)
	s.logger.InfoContext(ctx, "service started")
	return nil
}

// Restart has no process to cycle, so it's Start.
func (s *Service) Restart(ctx context.Context) error {
	return s.Start(ctx)
}

func (s *Service) Stop(context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.state.Stopped()
	return nil
}

func (s *Service) Install(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.install(ctx)
}

// install runs the chain unless an install was already tried. A second
// call is a no-op so a failed install is never repeated within a process.
func (s *Service) install(ctx context.Context) error {
	if !s.state.BeginInstall() {
		return nil
	}
	_, err := s.chain.Install(ctx, s.ex, s.logger)
	s.state.InstallDone(err)
	if err != nil {
		return fmt.Errorf("installing %s: %w", s.binary, err)
	}
	return nil
}

// Run invokes the helper with args appended, without timeout. Stderr output
// other than help text fails the download.
func (s *Service) Run(ctx context.Context, args ...string) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	line := s.CommandLine(args...)
	res, err := s.ex.Execute(ctx, executor.Shell(line).WithoutTimeout())
	if err != nil {
		return fmt.Errorf("running %s: %w", s.binary, err)
	}
	if res.Stderr != "" && !strings.Contains(strings.ToLower(res.Stderr), "help") {
		s.logger.ErrorContext(ctx, "download error output", "command", line, "stderr", res.Stderr)
		return fmt.Errorf("%w: %s", ErrDownloadFailed, res.Stderr)
	}
	s.logger.DebugContext(ctx, "download done", "command", line)
	return nil
}

// CommandLine returns the shell line Run executes for args.
func (s *Service) CommandLine(args ...string) string {
	quoted := make([]string, 0, len(args)+1)
	quoted = append(quoted, shellescape.Quote(s.binary))
	for _, a := range args {
		quoted = append(quoted, shellescape.Quote(a))
	}
	return strings.Join(quoted, " ")
}
