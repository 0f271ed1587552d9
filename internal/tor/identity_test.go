package tor_test

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/yanmarques/youtube-extractor/internal/executor/exectest"
	"github.com/yanmarques/youtube-extractor/internal/service"
	"github.com/yanmarques/youtube-extractor/internal/tor"

	"github.com/stretchr/testify/require"
)

func checkPage(ip string) string {
	return `<html><body><h1 class="not">Congratulations. This browser is configured to use Tor.</h1>
<p>Your IP address appears to be:  <strong>` + ip + `</strong></p></body></html>`
}

type hits struct {
	check    atomic.Int32
	fallback atomic.Int32
}

func identityServer(t *testing.T, check, fallback string) (*httptest.Server, *hits) {
	t.Helper()
	var h hits
	mux := http.NewServeMux()
	mux.HandleFunc("/check", func(w http.ResponseWriter, _ *http.Request) {
		h.check.Add(1)
		_, _ = w.Write([]byte(check))
	})
	mux.HandleFunc("/ip", func(w http.ResponseWriter, _ *http.Request) {
		h.fallback.Add(1)
		_, _ = w.Write([]byte(fallback))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &h
}

func identityService(t *testing.T, srv *httptest.Server) *tor.Service {
	t.Helper()
	cfg := config()
	cfg.CheckURL = srv.URL + "/check"
	cfg.FallbackURL = srv.URL + "/ip"
	svc := tor.New(cfg, exectest.New(), &occupants{pids: []int{4242}}, discard).
		WithGOOS("linux").
		WithLauncher(&fakeLauncher{}).
		WithHTTPClient(srv.Client())
	require.NoError(t, svc.Start(t.Context()))
	return svc
}

func TestIP(t *testing.T) {
	t.Parallel()

	t.Run("cached", func(t *testing.T) {
		t.Parallel()
		srv, h := identityServer(t, checkPage("203.0.113.7"), "")
		svc := identityService(t, srv)

		ip, err := svc.IP(t.Context())
		require.NoError(t, err)
		require.Equal(t, "203.0.113.7", ip)

		ip, err = svc.IP(t.Context())
		require.NoError(t, err)
		require.Equal(t, "203.0.113.7", ip)
		require.Equal(t, int32(1), h.check.Load())
		require.Zero(t, h.fallback.Load())
	})

	t.Run("fallback", func(t *testing.T) {
		t.Parallel()
		page := `<h1>Congratulations. This browser is configured to use Tor.</h1><p>Your address is hidden</p>`
		srv, h := identityServer(t, page, "198.51.100.4\n")
		svc := identityService(t, srv)

		ip, err := svc.IP(t.Context())
		require.NoError(t, err)
		require.Equal(t, "198.51.100.4", ip)
		require.Equal(t, int32(1), h.fallback.Load())
	})

	t.Run("fallback garbage", func(t *testing.T) {
		t.Parallel()
		page := `Congratulations. This browser is configured to use Tor.`
		srv, _ := identityServer(t, page, "<html>rate limited</html>")
		svc := identityService(t, srv)

		_, err := svc.IP(t.Context())
		require.Error(t, err)
		require.Empty(t, svc.Status().IP)
	})

	t.Run("not routing", func(t *testing.T) {
		t.Parallel()
		page := `<h1>Sorry. You are not using Tor.</h1><p>Your IP address appears to be:  <strong>192.0.2.1</strong></p>`
		srv, h := identityServer(t, page, "")
		svc := identityService(t, srv)

		_, err := svc.IP(t.Context())
		require.ErrorIs(t, err, tor.ErrProxyNotRouting)
		require.True(t, service.IsFatal(err))
		require.Zero(t, h.fallback.Load())
	})

	t.Run("not started", func(t *testing.T) {
		t.Parallel()
		srv, h := identityServer(t, checkPage("203.0.113.7"), "")
		svc := tor.New(tor.DefaultConfig(), exectest.New(), &occupants{}, discard).WithHTTPClient(srv.Client())

		_, err := svc.IP(t.Context())
		require.ErrorIs(t, err, service.ErrNotStarted)
		require.True(t, service.IsFatal(err))
		require.Zero(t, h.check.Load())
	})
}

// slowIdentityServer answers the check page only once release is closed.
func slowIdentityServer(t *testing.T, ip string) (srv *httptest.Server, entered, release chan struct{}) {
	t.Helper()
	entered = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	mux := http.NewServeMux()
	mux.HandleFunc("/check", func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() { close(entered) })
		<-release
		_, _ = w.Write([]byte(checkPage(ip)))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, entered, release
}

func TestIP_Probing(t *testing.T) {
	t.Parallel()

	t.Run("status does not wait", func(t *testing.T) {
		t.Parallel()
		srv, entered, release := slowIdentityServer(t, "203.0.113.9")
		svc := identityService(t, srv)

		var wg sync.WaitGroup
		var ip string
		var err error
		wg.Go(func() {
			ip, err = svc.IP(t.Context())
		})
		<-entered

		st := svc.Status()
		require.True(t, st.Started)
		require.True(t, st.Proxied)
		require.Empty(t, st.IP)

		close(release)
		wg.Wait()
		require.NoError(t, err)
		require.Equal(t, "203.0.113.9", ip)
		require.Equal(t, "203.0.113.9", svc.Status().IP)
	})

	t.Run("stopped meanwhile", func(t *testing.T) {
		t.Parallel()
		srv, entered, release := slowIdentityServer(t, "203.0.113.9")
		svc := identityService(t, srv)

		var wg sync.WaitGroup
		var err error
		wg.Go(func() {
			_, err = svc.IP(t.Context())
		})
		<-entered

		require.NoError(t, svc.Stop(t.Context()))
		close(release)
		wg.Wait()
		require.NoError(t, err)

		st := svc.Status()
		require.Empty(t, st.IP)
		require.False(t, st.Proxied)
	})
}
