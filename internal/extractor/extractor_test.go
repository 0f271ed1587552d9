package extractor_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/yanmarques/youtube-extractor/internal/downloader"
	"github.com/yanmarques/youtube-extractor/internal/executor"
	"github.com/yanmarques/youtube-extractor/internal/executor/exectest"
	"github.com/yanmarques/youtube-extractor/internal/extractor"
	"github.com/yanmarques/youtube-extractor/internal/service"

	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.DiscardHandler)

func TestParams(t *testing.T) {
	t.Parallel()

	type given struct {
		opts  extractor.Options
		proxy string
	}
	var testCases = []struct {
		scenario string
		given    given
		then     []string
	}{
		{
			"audio defaults",
			given{opts: extractor.Options{Audio: true}},
			[]string{"-x", "--audio-quality", "0", "--audio-format", "mp3", "--no-check-certificate"},
		},
		{
			"audio",
			given{opts: extractor.Options{Audio: true, AudioQuality: 5, AudioFormat: "opus"}},
			[]string{"-x", "--audio-quality", "5", "--audio-format", "opus", "--no-check-certificate"},
		},
		{
			"video through tor",
			given{opts: extractor.Options{Video: true, VideoQuality: 2}, proxy: "socks5://127.0.0.1:9050"},
			[]string{"-f", "--video-quality", "2", "--video-format", "mp4", "--no-check-certificate", "--proxy", "socks5://127.0.0.1:9050"},
		},
		{
			"neither",
			given{},
			[]string{"--no-check-certificate"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			params, err := extractor.Params(tc.given.opts, tc.given.proxy)
			require.NoError(t, err)
			require.Equal(t, tc.then, params)
		})
	}

	t.Run("audio and video", func(t *testing.T) {
		t.Parallel()
		_, err := extractor.Params(extractor.Options{Audio: true, Video: true}, "")
		require.ErrorIs(t, err, extractor.ErrAudioAndVideo)
	})
}

func TestValidURL(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given string
		then  bool
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", true},
		{"http://youtube.com/watch?v=abc", true},
		{"youtube.com/watch?v=abc", true},
		{"https://youtu.be/watch?v=abc", true},
		{"https://youtube.com/watch?v=", false},
		{"https://vimeo.com/watch?v=abc", false},
		{"https://www.youtube.com/playlist?list=abc", false},
		{"not a url", false},
	}
	for _, tc := range testCases {
		t.Run(tc.given, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.then, extractor.ValidURL(tc.given))
		})
	}
}

func TestReadURLs(t *testing.T) {
	t.Parallel()
	in := strings.Join([]string{
		"https://www.youtube.com/watch?v=a",
		"",
		"   https://youtu.be/watch?v=b  ",
		"https://example.com/video",
		"youtube.com/watch?v=c",
	}, "\n")

	urls, err := extractor.ReadURLs(t.Context(), strings.NewReader(in), discard)
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://www.youtube.com/watch?v=a",
		"https://youtu.be/watch?v=b",
		"youtube.com/watch?v=c",
	}, urls)
}

func TestURLs(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "urls.txt")
	require.NoError(t, os.WriteFile(file, []byte("https://youtu.be/watch?v=f\nbogus\n"), 0o600))

	t.Run("arguments and file", func(t *testing.T) {
		t.Parallel()
		urls, err := extractor.URLs(t.Context(), extractor.Options{
			URLs: []string{"https://youtu.be/watch?v=a"},
			File: file,
		}, discard)
		require.NoError(t, err)
		require.Equal(t, []string{"https://youtu.be/watch?v=a", "https://youtu.be/watch?v=f"}, urls)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := extractor.URLs(t.Context(), extractor.Options{File: filepath.Join(t.TempDir(), "nope")}, discard)
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("none", func(t *testing.T) {
		t.Parallel()
		_, err := extractor.URLs(t.Context(), extractor.Options{}, discard)
		require.ErrorIs(t, err, extractor.ErrNoURLs)
	})
}

type fakeProxy struct {
	startErr error
	ip       string
}

func (p *fakeProxy) Start(context.Context) error {
	return p.startErr
}

func (p *fakeProxy) IP(context.Context) (string, error) {
	return p.ip, nil
}

func (p *fakeProxy) ProxyURL() string {
	return "socks5://127.0.0.1:9050"
}

type fakeDownloader struct {
	mx   sync.Mutex
	runs []string
	fail func(url string) error
}

func (d *fakeDownloader) Start(context.Context) error {
	return nil
}

func (d *fakeDownloader) Run(_ context.Context, args ...string) error {
	url := args[len(args)-1]
	d.mx.Lock()
	d.runs = append(d.runs, url)
	d.mx.Unlock()
	if d.fail != nil {
		return d.fail(url)
	}
	return nil
}

func (d *fakeDownloader) Runs() []string {
	d.mx.Lock()
	defer d.mx.Unlock()
	return append([]string(nil), d.runs...)
}

// helper answers the availability probe with its usage text.
func helper() *exectest.Fake {
	return exectest.New().OnFunc(
		func(c executor.Command) bool { return c.Line == downloader.DefaultBinary },
		func(executor.Command) (executor.Result, error) {
			return executor.Result{Stderr: "Usage: youtube-dl [OPTIONS] URL [URL...]"}, nil
		},
	)
}

func urls(n int) []string {
	ret := make([]string, 0, n)
	for i := range n {
		ret = append(ret, fmt.Sprintf("https://youtu.be/watch?v=%d", i))
	}
	return ret
}

func TestRun(t *testing.T) {
	t.Parallel()

	t.Run("direct", func(t *testing.T) {
		t.Parallel()
		ex := helper()
		dl := downloader.New(ex, "", discard)
		var out bytes.Buffer
		e := extractor.New(extractor.Options{Audio: true, Threads: 2, Overlap: true}, nil, dl, discard).WithOutput(&out)

		require.NoError(t, e.Run(t.Context(), urls(3)))
		require.Equal(t, extractor.FinishedMessage+"\n", out.String())
		require.Equal(t, 3, ex.Count("watch?v="))
		require.Zero(t, ex.Count("--proxy"))
		require.Contains(t, ex.Lines(),
			"youtube-dl -x --audio-quality 0 --audio-format mp3 --no-check-certificate 'https://youtu.be/watch?v=0'")
	})

	t.Run("through tor", func(t *testing.T) {
		t.Parallel()
		ex := helper()
		dl := downloader.New(ex, "", discard)
		var out bytes.Buffer
		e := extractor.New(extractor.Options{Video: true, Tor: true}, &fakeProxy{ip: "185.220.101.4"}, dl, discard).WithOutput(&out)

		require.NoError(t, e.Run(t.Context(), urls(2)))
		require.Equal(t, "Tor identity: 185.220.101.4\n"+extractor.FinishedMessage+"\n", out.String())
		require.Equal(t, 2, ex.Count("--proxy socks5://127.0.0.1:9050"))
	})

	t.Run("proxy fails to start", func(t *testing.T) {
		t.Parallel()
		dl := &fakeDownloader{}
		var out bytes.Buffer
		e := extractor.New(extractor.Options{Tor: true}, &fakeProxy{startErr: service.ErrNotInstalled}, dl, discard).WithOutput(&out)

		require.ErrorIs(t, e.Run(t.Context(), urls(2)), service.ErrNotInstalled)
		require.Empty(t, dl.Runs())
		require.Empty(t, out.String())
	})

	t.Run("failed downloads are skipped", func(t *testing.T) {
		t.Parallel()
		ex := helper().On("watch?v=1", executor.Result{Stderr: "ERROR: Video unavailable"})
		dl := downloader.New(ex, "", discard)
		var out bytes.Buffer
		e := extractor.New(extractor.Options{Threads: 1}, nil, dl, discard).WithOutput(&out)

		require.NoError(t, e.Run(t.Context(), urls(3)))
		require.Equal(t, 3, ex.Count("watch?v="))
		require.Equal(t, extractor.FinishedMessage+"\n", out.String())
	})

	t.Run("fatal error stops the run", func(t *testing.T) {
		t.Parallel()
		dl := &fakeDownloader{fail: func(string) error {
			return fmt.Errorf("helper vanished: %w", service.ErrNotInstalled)
		}}
		var out bytes.Buffer
		e := extractor.New(extractor.Options{Threads: 1}, nil, dl, discard).WithOutput(&out)

		err := e.Run(t.Context(), urls(4))
		require.ErrorIs(t, err, service.ErrNotInstalled)
		require.True(t, service.IsFatal(err))
		require.Equal(t, []string{"https://youtu.be/watch?v=0"}, dl.Runs())
		require.Empty(t, out.String())
	})

	t.Run("unavailable helper", func(t *testing.T) {
		t.Parallel()
		ex := exectest.New()
		ex.Default = executor.Result{Stderr: "sh: 1: youtube-dl: not found"}
		dl := downloader.New(ex, "", discard).WithChain(service.Chain{})
		e := extractor.New(extractor.Options{}, nil, dl, discard).WithOutput(&bytes.Buffer{})

		err := e.Run(t.Context(), urls(1))
		require.True(t, service.IsFatal(err))
		require.Zero(t, ex.Count("watch?v="))
	})

	t.Run("audio and video", func(t *testing.T) {
		t.Parallel()
		dl := &fakeDownloader{}
		e := extractor.New(extractor.Options{Audio: true, Video: true}, nil, dl, discard).WithOutput(&bytes.Buffer{})
		require.ErrorIs(t, e.Run(t.Context(), urls(1)), extractor.ErrAudioAndVideo)
		require.Empty(t, dl.Runs())
	})

	t.Run("no urls", func(t *testing.T) {
		t.Parallel()
		e := extractor.New(extractor.Options{}, nil, &fakeDownloader{}, discard)
		require.True(t, errors.Is(e.Run(t.Context(), nil), extractor.ErrNoURLs))
	})
}
