// Package tor manages a local tor daemon used as a SOCKS proxy.
package tor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/yanmarques/youtube-extractor/internal/executor"
	"github.com/yanmarques/youtube-extractor/internal/log"
	"github.com/yanmarques/youtube-extractor/internal/model"
	"github.com/yanmarques/youtube-extractor/internal/netscan"
	"github.com/yanmarques/youtube-extractor/internal/service"
)

const (
	DefaultPort = 9050
	Name        = "tor"

	managerTimeout = 30 * time.Second
)

var (
	ErrLaunch          = errors.New("launching tor")
	ErrBootstrapFailed = errors.New("tor bootstrap failed")
	ErrProxyNotRouting = fmt.Errorf("%w: traffic is not routed through tor", service.ErrFatal)

	errNoOccupant = errors.New("no process listens on the port")
)

type Config struct {
	Port             int
	Binary           string
	Unit             string // service manager unit
	CheckURL         string
	FallbackURL      string
	BootstrapTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Port:             DefaultPort,
		Binary:           "tor",
		Unit:             "tor",
		CheckURL:         "https://check.torproject.org",
		FallbackURL:      "http://icanhazip.com",
		BootstrapTimeout: time.Minute,
	}
}

// ConfigFrom converts the tor section of the config file.
func ConfigFrom(m model.Tor) (Config, error) {
	bootstrap, err := m.Bootstrap()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Port:             m.Port,
		Binary:           m.Binary,
		Unit:             m.Service,
		CheckURL:         m.CheckURL,
		FallbackURL:      m.FallbackURL,
		BootstrapTimeout: bootstrap,
	}, nil
}

// Installers returns the tor install chain, there is none for windows.
func Installers() service.Chain {
	return service.Chain{
		{
			Name:    "brew",
			Command: executor.Shell("brew install tor").WithEnv("HOMEBREW_NO_AUTO_UPDATE=1").WithoutTimeout(),
			GOOS:    []string{"darwin"},
		},
		{
			Name:    "apt-get",
			Command: executor.Shell("apt-get install -y tor").Elevated(),
			GOOS:    []string{"linux"},
		},
	}
}

// Service is the tor daemon. Only one daemon may own the proxy port, so
// Start adopts a process already listening there and Stop kills whatever
// listens there.
type Service struct {
	cfg      Config
	ex       executor.Executor
	lookup   netscan.PortLookup
	launcher Launcher
	chain    service.Chain
	goos     string
	logger   *slog.Logger

	newClient func(proxyAddr string) (*http.Client, error)

	mx      sync.Mutex
	state   service.ServiceState
	ip      string
	client  *http.Client
	proxied bool

	// bumped by stop, discards identities probed before it
	generation uint64
}

var _ service.Service = (*Service)(nil)

// Status is a snapshot of the service.
type Status struct {
	service.ServiceState
	IP      string
	Proxied bool
}

func New(cfg Config, ex executor.Executor, lookup netscan.PortLookup, logger *slog.Logger) *Service {
	logger = log.OrDefault(logger)
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	return &Service{
		cfg:       cfg,
		ex:        ex,
		lookup:    lookup,
		launcher:  NewRunnerLauncher(cfg.Binary, cfg.Port, cfg.BootstrapTimeout, logger),
		chain:     Installers().For(runtime.GOOS),
		goos:      runtime.GOOS,
		logger:    logger,
		newClient: socksClient,
	}
}

func (s *Service) WithLauncher(l Launcher) *Service {
	s.launcher = l
	return s
}

// WithGOOS selects platform specific commands, the install chain included.
func (s *Service) WithGOOS(goos string) *Service {
	s.goos = goos
	s.chain = Installers().For(goos)
	return s
}

func (s *Service) WithChain(chain service.Chain) *Service {
	s.chain = chain
	return s
}

// WithHTTPClient makes identity probes use c instead of a SOCKS client.
func (s *Service) WithHTTPClient(c *http.Client) *Service {
	s.newClient = func(string) (*http.Client, error) { return c, nil }
	return s
}

func (s *Service) Name() string {
	return Name
}

func (s *Service) Port() int {
	return s.cfg.Port
}

// ProxyAddr returns host:port of the SOCKS listener.
func (s *Service) ProxyAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(s.cfg.Port))
}

// ProxyURL is the proxy in the form download helpers accept.
func (s *Service) ProxyURL() string {
	return "socks5://" + s.ProxyAddr()
}

func (s *Service) State() service.ServiceState {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

func (s *Service) Status() Status {
	s.mx.Lock()
	defer s.mx.Unlock()
	return Status{ServiceState: s.state, IP: s.ip, Proxied: s.proxied}
}

func (s *Service) ctx(ctx context.Context) context.Context {
	return log.ContextAttrs(ctx, slog.String("service", Name), slog.Int("port", s.cfg.Port))
}

// Start adopts a daemon already listening on the port, otherwise starts one
// through the service manager or in the background. When tor can't be
// launched at all it's installed and ErrRestartRequired is returned.
func (s *Service) Start(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.start(s.ctx(ctx))
}

func (s *Service) start(ctx context.Context) error {
	if s.state.Started {
		s.logger.InfoContext(ctx, "service already started", "pid", s.state.PID)
		return nil
	}
	if pid, ok := s.lookup.Occupant(ctx, s.cfg.Port); ok {
		s.state.MarkInstalled()
		s.state.Running(pid)
		s.logger.InfoContext(ctx, "service already started", "pid", pid)
		return nil
	}

	s.state.Starting()
	s.logger.InfoContext(ctx, "starting service")
	err := s.launch(ctx, "start")
	if err == nil {
		return nil
	}
	s.state.Stopped()
	if !errors.Is(err, ErrLaunch) {
		return err
	}

	s.logger.ErrorContext(ctx, "service is not available", "error", err)
	if !s.state.BeginInstall() {
		return fmt.Errorf("could not run or install %s: %w", Name, service.ErrNotInstalled)
	}
	if _, err := s.chain.Install(ctx, s.ex, s.logger); err != nil {
		s.state.InstallDone(err)
		return fmt.Errorf("installing %s: %w", Name, err)
	}
	s.state.InstallDone(nil)
	s.logger.InfoContext(ctx, "service installed, restart required")
	return fmt.Errorf("%s installed: %w", Name, service.ErrRestartRequired)
}

// launch tries the service manager, then the background launcher.
func (s *Service) launch(ctx context.Context, verb string) error {
	if cmd, ok := s.managerCommand(verb); ok {
		res, err := s.ex.Execute(ctx, cmd)
		if err == nil && !res.TimedOut && res.OK() {
			s.logger.InfoContext(ctx, "service manager "+verb+" succeeded", "command", cmd.Line)
			pid := s.discover(ctx)
			s.state.MarkInstalled()
			s.state.Running(pid)
			return nil
		}
		if err != nil && ctx.Err() != nil {
			return err
		}
		s.logger.DebugContext(ctx, "service manager "+verb+" failed", "command", cmd.Line, "stderr", res.Stderr, "error", err)
	}

	pid, err := s.launcher.Launch(ctx)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "service started in background", "pid", pid)
	s.state.MarkInstalled()
	s.state.Running(pid)
	return nil
}

func (s *Service) managerCommand(verb string) (executor.Command, bool) {
	unit := s.cfg.Unit
	if unit == "" {
		unit = Name
	}
	var cmd executor.Command
	switch s.goos {
	case "linux":
		cmd = executor.Shell("systemctl " + verb + " " + unit).Elevated()
	case "darwin":
		cmd = executor.Shell("brew services " + verb + " " + unit)
		cmd.Timeout = managerTimeout
	default:
		return cmd, false
	}
	return cmd, true
}

// discover polls the port until the daemon started by the service manager
// listens. Zero means the pid is unknown, Stop then falls back to the lookup.
func (s *Service) discover(ctx context.Context) int {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = s.cfg.BootstrapTimeout
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = time.Minute
	}

	pid, err := backoff.RetryWithData(func() (int, error) {
		pid, ok := s.lookup.Occupant(ctx, s.cfg.Port)
		if !ok {
			return 0, errNoOccupant
		}
		return pid, nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		s.logger.WarnContext(ctx, "pid of the started service not found", "error", err)
		return 0
	}
	return pid
}

// Restart stops and starts again, preferring the service manager. A never
// started service is just started.
func (s *Service) Restart(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	ctx = s.ctx(ctx)

	if !s.state.Started {
		return s.start(ctx)
	}
	if s.state.TriedToInstall && !s.state.Installed {
		return fmt.Errorf("restarting %s: %w", Name, service.ErrNotInstalled)
	}

	if err := s.stop(ctx); err != nil {
		s.logger.WarnContext(ctx, "stopping before restart", "error", err)
	}
	s.state.Starting()
	if err := s.launch(ctx, "restart"); err != nil {
		s.state.Stopped()
		return fmt.Errorf("restarting %s: %w", Name, err)
	}
	return nil
}

// Stop kills any process bound to the port, owned or not, and forgets the
// pid, the address and the proxied client.
func (s *Service) Stop(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.stop(s.ctx(ctx))
}

func (s *Service) stop(ctx context.Context) error {
	s.logger.InfoContext(ctx, "stopping service")
	s.state.Stopping()
	s.launcher.Close()
	err := s.kill(ctx)

	s.state.Stopped()
	s.ip = ""
	s.client = nil
	s.proxied = false
	s.generation++
	return err
}

// Close stops a daemon launched in the background by this process. A
// daemon run by the service manager is left alone.
func (s *Service) Close() {
	s.launcher.Close()
}

func (s *Service) Install(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	ctx = s.ctx(ctx)
	if !s.state.BeginInstall() {
		return nil
	}
	_, err := s.chain.Install(ctx, s.ex, s.logger)
	s.state.InstallDone(err)
	if err != nil {
		return fmt.Errorf("installing %s: %w", Name, err)
	}
	return nil
}

// kill terminates the tracked pid. When that fails or no pid is tracked,
// the port occupant is looked up and killed once more.
func (s *Service) kill(ctx context.Context) error {
	if s.state.Started && s.state.PID > 0 {
		if s.killPID(ctx, s.state.PID, false) == nil {
			return nil
		}
	}

	pid, ok := s.lookup.Occupant(ctx, s.cfg.Port)
	if !ok {
		return nil
	}
	if err := s.killPID(ctx, pid, s.goos == "linux"); err != nil {
		return fmt.Errorf("%w: pid %d: %w", service.ErrProcessNotKilled, pid, err)
	}
	return nil
}

func (s *Service) killPID(ctx context.Context, pid int, elevate bool) error {
	var cmd executor.Command
	if s.goos == "windows" {
		cmd = executor.Shell(fmt.Sprintf("taskkill /PID %d /F", pid))
	} else {
		cmd = executor.Shell(fmt.Sprintf("kill %d", pid))
		if elevate {
			cmd = cmd.Elevated()
		}
	}
	res, err := s.ex.Execute(ctx, cmd)
	switch {
	case err != nil:
		return err
	case !res.OK():
		s.logger.DebugContext(ctx, "kill failed", "pid", pid, "stderr", res.Stderr)
		return errors.New(res.Stderr)
	}
	s.logger.DebugContext(ctx, "killed", "pid", pid)
	return nil
}
