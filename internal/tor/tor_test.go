package tor_test

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yanmarques/youtube-extractor/internal/executor"
	"github.com/yanmarques/youtube-extractor/internal/executor/exectest"
	"github.com/yanmarques/youtube-extractor/internal/netscan"
	"github.com/yanmarques/youtube-extractor/internal/service"
	"github.com/yanmarques/youtube-extractor/internal/tor"

	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.DiscardHandler)

// occupants answers port lookups from a list, the last answer repeats.
// Zero means no occupant.
type occupants struct {
	mx    sync.Mutex
	pids  []int
	calls int
}

func (o *occupants) Occupant(context.Context, int) (int, bool) {
	o.mx.Lock()
	defer o.mx.Unlock()
	pid := 0
	if len(o.pids) > 0 {
		pid = o.pids[min(o.calls, len(o.pids)-1)]
	}
	o.calls++
	return pid, pid != 0
}

func (o *occupants) Calls() int {
	o.mx.Lock()
	defer o.mx.Unlock()
	return o.calls
}

type fakeLauncher struct {
	pid      int
	err      error
	launches atomic.Int32
	closes   atomic.Int32
}

func (l *fakeLauncher) Launch(context.Context) (int, error) {
	l.launches.Add(1)
	return l.pid, l.err
}

func (l *fakeLauncher) Close() {
	l.closes.Add(1)
}

func config() tor.Config {
	cfg := tor.DefaultConfig()
	cfg.BootstrapTimeout = 2 * time.Second
	return cfg
}

func newService(goos string, ex executor.Executor, lookup netscan.PortLookup, l tor.Launcher) *tor.Service {
	return tor.New(config(), ex, lookup, discard).WithGOOS(goos).WithLauncher(l)
}

func TestStart(t *testing.T) {
	t.Parallel()

	t.Run("adopts port occupant", func(t *testing.T) {
		t.Parallel()
		ex := exectest.New()
		launcher := &fakeLauncher{}
		svc := newService("linux", ex, &occupants{pids: []int{4242}}, launcher)

		require.NoError(t, svc.Start(t.Context()))
		state := svc.State()
		require.True(t, state.Started)
		require.Equal(t, 4242, state.PID)
		require.Empty(t, ex.Calls())
		require.Zero(t, launcher.launches.Load())
	})

	t.Run("idempotent", func(t *testing.T) {
		t.Parallel()
		ex := exectest.New()
		launcher := &fakeLauncher{pid: 999}
		svc := newService("windows", ex, &occupants{}, launcher)

		require.NoError(t, svc.Start(t.Context()))
		require.NoError(t, svc.Start(t.Context()))
		require.Equal(t, int32(1), launcher.launches.Load())
		require.Equal(t, 999, svc.State().PID)
		require.Empty(t, ex.Calls())
	})

	t.Run("service manager", func(t *testing.T) {
		t.Parallel()
		ex := exectest.New()
		launcher := &fakeLauncher{}
		lookup := &occupants{pids: []int{0, 0, 777}}
		svc := newService("linux", ex, lookup, launcher)

		require.NoError(t, svc.Start(t.Context()))
		require.Equal(t, []string{"systemctl start tor"}, ex.Lines())
		require.True(t, ex.Calls()[0].Elevate)
		require.Equal(t, 777, svc.State().PID)
		require.Zero(t, launcher.launches.Load())
		require.Equal(t, 3, lookup.Calls())
	})

	t.Run("darwin service manager", func(t *testing.T) {
		t.Parallel()
		ex := exectest.New()
		svc := newService("darwin", ex, &occupants{pids: []int{0, 321}}, &fakeLauncher{})
		require.NoError(t, svc.Start(t.Context()))
		require.Equal(t, []string{"brew services start tor"}, ex.Lines())
		require.Equal(t, 321, svc.State().PID)
	})

	t.Run("background fallback", func(t *testing.T) {
		t.Parallel()
		ex := exectest.New().On("systemctl", executor.Result{Stderr: "Failed to start tor.service: Unit tor.service not found."})
		launcher := &fakeLauncher{pid: 31}
		svc := newService("linux", ex, &occupants{}, launcher)

		require.NoError(t, svc.Start(t.Context()))
		require.Equal(t, int32(1), launcher.launches.Load())
		require.Equal(t, 31, svc.State().PID)
		require.True(t, svc.State().Installed)
	})

	t.Run("install then restart", func(t *testing.T) {
		t.Parallel()
		ex := exectest.New().
			On("systemctl", executor.Result{Stderr: "Unit tor.service not found."}).
			On("apt-get install -y tor", executor.Result{Stdout: "Setting up tor"})
		launcher := &fakeLauncher{err: fmt.Errorf("%w: %w", tor.ErrLaunch, exec.ErrNotFound)}
		svc := newService("linux", ex, &occupants{}, launcher)

		err := svc.Start(t.Context())
		require.ErrorIs(t, err, service.ErrRestartRequired)
		require.False(t, service.IsFatal(err))
		state := svc.State()
		require.False(t, state.Started)
		require.True(t, state.Installed)
		require.Equal(t, 1, ex.Count("apt-get"))

		err = svc.Start(t.Context())
		require.ErrorIs(t, err, service.ErrNotInstalled)
		require.True(t, service.IsFatal(err))
		require.Equal(t, 1, ex.Count("apt-get"), "install is attempted once per process")
	})

	t.Run("no installer on windows", func(t *testing.T) {
		t.Parallel()
		launcher := &fakeLauncher{err: fmt.Errorf("%w: %w", tor.ErrLaunch, exec.ErrNotFound)}
		svc := newService("windows", exectest.New(), &occupants{}, launcher)

		err := svc.Start(t.Context())
		require.ErrorIs(t, err, service.ErrInstallFailed)
		require.True(t, service.IsFatal(err))
		require.Equal(t, service.InstallFailed, svc.State().Install)
	})

	t.Run("bootstrap failure is not an install", func(t *testing.T) {
		t.Parallel()
		ex := exectest.New()
		launcher := &fakeLauncher{err: tor.ErrBootstrapFailed}
		svc := newService("windows", ex, &occupants{}, launcher)

		err := svc.Start(t.Context())
		require.ErrorIs(t, err, tor.ErrBootstrapFailed)
		require.False(t, svc.State().TriedToInstall)
		require.Empty(t, ex.Calls())
	})
}

func TestStop(t *testing.T) {
	t.Parallel()

	t.Run("kills the port occupant", func(t *testing.T) {
		t.Parallel()
		ex := exectest.New()
		launcher := &fakeLauncher{}
		svc := newService("linux", ex, &occupants{pids: []int{4242}}, launcher)

		require.NoError(t, svc.Stop(t.Context()))
		calls := ex.Calls()
		require.Len(t, calls, 1)
		require.Equal(t, "kill 4242", calls[0].Line)
		require.True(t, calls[0].Elevate)
		require.Equal(t, int32(1), launcher.closes.Load())

		status := svc.Status()
		require.False(t, status.Started)
		require.Zero(t, status.PID)
		require.Empty(t, status.IP)
		require.False(t, status.Proxied)
		require.NoError(t, svc.Stop(t.Context()), "stop is idempotent")
	})

	t.Run("resets identity", func(t *testing.T) {
		t.Parallel()
		ex := exectest.New()
		srv, _ := identityServer(t, checkPage("203.0.113.7"), "")
		cfg := config()
		cfg.CheckURL = srv.URL + "/check"
		svc := tor.New(cfg, ex, &occupants{pids: []int{4242}}, discard).
			WithGOOS("linux").
			WithLauncher(&fakeLauncher{}).
			WithHTTPClient(srv.Client())

		require.NoError(t, svc.Start(t.Context()))
		ip, err := svc.IP(t.Context())
		require.NoError(t, err)
		require.Equal(t, "203.0.113.7", ip)
		require.True(t, svc.Status().Proxied)

		require.NoError(t, svc.Stop(t.Context()))
		require.Equal(t, []string{"kill 4242"}, ex.Lines())
		require.False(t, ex.Calls()[0].Elevate, "tracked pid is ours")
		status := svc.Status()
		require.Zero(t, status.PID)
		require.Empty(t, status.IP)
		require.False(t, status.Proxied)
		require.False(t, status.Started)
	})

	t.Run("retries against the discovered pid", func(t *testing.T) {
		t.Parallel()
		ex := exectest.New().On("kill 4242", executor.Result{Stderr: "kill: (4242) - No such process"})
		svc := newService("linux", ex, &occupants{pids: []int{4242, 5151}}, &fakeLauncher{})

		require.NoError(t, svc.Start(t.Context()))
		require.NoError(t, svc.Stop(t.Context()))
		require.Equal(t, []string{"kill 4242", "kill 5151"}, ex.Lines())
	})

	t.Run("not killed", func(t *testing.T) {
		t.Parallel()
		ex := exectest.New().On("taskkill", executor.Result{Stderr: "ERROR: Access denied."})
		svc := newService("windows", ex, &occupants{pids: []int{4242}}, &fakeLauncher{})

		require.NoError(t, svc.Start(t.Context()))
		err := svc.Stop(t.Context())
		require.ErrorIs(t, err, service.ErrProcessNotKilled)
		require.False(t, service.IsFatal(err))
		require.Equal(t, []string{"taskkill /PID 4242 /F", "taskkill /PID 4242 /F"}, ex.Lines())
		require.False(t, svc.State().Started)
	})
}

func TestRestart(t *testing.T) {
	t.Parallel()

	t.Run("never started", func(t *testing.T) {
		t.Parallel()
		launcher := &fakeLauncher{pid: 12}
		svc := newService("windows", exectest.New(), &occupants{}, launcher)
		require.NoError(t, svc.Restart(t.Context()))
		require.True(t, svc.State().Started)
		require.Equal(t, int32(1), launcher.launches.Load())
	})

	t.Run("service manager", func(t *testing.T) {
		t.Parallel()
		ex := exectest.New()
		svc := newService("linux", ex, &occupants{pids: []int{4242}}, &fakeLauncher{})

		require.NoError(t, svc.Start(t.Context()))
		require.NoError(t, svc.Restart(t.Context()))
		require.Equal(t, []string{"kill 4242", "systemctl restart tor"}, ex.Lines())
		require.True(t, svc.State().Started)
		require.Equal(t, 4242, svc.State().PID)
	})

	t.Run("background relaunch", func(t *testing.T) {
		t.Parallel()
		launcher := &fakeLauncher{pid: 77}
		svc := newService("windows", exectest.New(), &occupants{}, launcher)

		require.NoError(t, svc.Start(t.Context()))
		require.NoError(t, svc.Restart(t.Context()))
		require.Equal(t, int32(2), launcher.launches.Load())
		require.Equal(t, int32(1), launcher.closes.Load())
		require.Equal(t, 77, svc.State().PID)
	})
}

func TestProxyURL(t *testing.T) {
	t.Parallel()
	svc := tor.New(tor.DefaultConfig(), exectest.New(), &occupants{}, discard)
	require.Equal(t, "socks5://127.0.0.1:9050", svc.ProxyURL())
	require.Equal(t, "tor", svc.Name())
	require.Equal(t, 9050, svc.Port())
}
