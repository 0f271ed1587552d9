package tor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/yanmarques/youtube-extractor/internal/service"
)

const (
	confirmation = "Congratulations. This browser is configured to use Tor"
	probeTimeout = 2 * time.Minute
	maxBody      = 1 << 20
)

var ipRx = regexp.MustCompile(`Your IP address appears to be:\s*<strong>(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)

// IP returns the exit address seen by the outside world. The check page is
// fetched through the proxy and must confirm tor usage. The address is
// cached until Stop. The lock is not held while probing.
func (s *Service) IP(ctx context.Context) (string, error) {
	ctx = s.ctx(ctx)
	s.mx.Lock()
	if !s.state.Started {
		s.mx.Unlock()
		return "", fmt.Errorf("identity of %s: %w", Name, service.ErrNotStarted)
	}
	if s.ip != "" {
		ip := s.ip
		s.mx.Unlock()
		return ip, nil
	}
	if !s.proxied {
		client, err := s.newClient(s.ProxyAddr())
		if err != nil {
			s.mx.Unlock()
			return "", fmt.Errorf("creating proxied client: %w", err)
		}
		s.client = client
		s.proxied = true
	}
	client, checkURL, fallbackURL, gen := s.client, s.cfg.CheckURL, s.cfg.FallbackURL, s.generation
	s.mx.Unlock()

	ip, err := s.probe(ctx, client, checkURL, fallbackURL)
	if err != nil {
		return "", err
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	// stopped while probing, the address belongs to a previous circuit
	if s.generation == gen {
		s.ip = ip
	}
	return ip, nil
}

func (s *Service) probe(ctx context.Context, client *http.Client, checkURL, fallbackURL string) (string, error) {
	s.logger.InfoContext(ctx, "checking tor identity, it can take a while", "url", checkURL)
	body, err := get(ctx, client, checkURL)
	if err != nil {
		return "", fmt.Errorf("identity probe: %w", err)
	}
	if !strings.Contains(body, confirmation) {
		return "", ErrProxyNotRouting
	}
	if m := ipRx.FindStringSubmatch(body); m != nil {
		return m[1], nil
	}

	s.logger.WarnContext(ctx, "address not found on check page, using fallback", "url", fallbackURL)
	body, err = get(ctx, client, fallbackURL)
	if err != nil {
		return "", fmt.Errorf("fallback identity probe: %w", err)
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(body))
	if err != nil {
		return "", fmt.Errorf("fallback identity probe: %w", err)
	}
	return addr.String(), nil
}

func get(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// socksClient returns a client dialing every connection through the SOCKS5
// proxy at addr, names are resolved by the proxy.
func socksClient(addr string) (*http.Client, error) {
	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, err
	}
	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks dialer does not support context")
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         cd.DialContext,
			TLSHandshakeTimeout: 30 * time.Second,
		},
		Timeout: probeTimeout,
	}, nil
}
