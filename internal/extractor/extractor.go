// Package extractor downloads a list of URLs through the helper, optionally
// routed through tor.
package extractor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/yanmarques/youtube-extractor/internal/log"
	"github.com/yanmarques/youtube-extractor/internal/parallel"
	"github.com/yanmarques/youtube-extractor/internal/service"
)

const FinishedMessage = "Download finished."

var (
	ErrAudioAndVideo = errors.New("extracting both audio and video is not supported")
	ErrNoURLs        = errors.New("no urls specified")
)

var urlRx = regexp.MustCompile(`^(https?://)?(www\.)?(youtube\.com|youtu\.?be)/watch\?v=.+$`)

// ValidURL reports whether s is a video page URL.
func ValidURL(s string) bool {
	return urlRx.MatchString(s)
}

type Options struct {
	Audio        bool
	AudioQuality int
	AudioFormat  string
	Video        bool
	VideoQuality int
	VideoFormat  string
	Threads      int
	Tor          bool
	File         string
	URLs         []string
	Overlap      bool
}

// Params builds the helper flags shared by every download. proxyURL is
// passed on when not empty.
func Params(opts Options, proxyURL string) ([]string, error) {
	if opts.Audio && opts.Video {
		return nil, ErrAudioAndVideo
	}

	var params []string
	switch {
	case opts.Audio:
		params = append(params,
			"-x",
			"--audio-quality", strconv.Itoa(opts.AudioQuality),
			"--audio-format", orDefault(opts.AudioFormat, "mp3"),
		)
	case opts.Video:
		params = append(params,
			"-f",
			"--video-quality", strconv.Itoa(opts.VideoQuality),
			"--video-format", orDefault(opts.VideoFormat, "mp4"),
		)
	}
	params = append(params, "--no-check-certificate")
	if proxyURL != "" {
		params = append(params, "--proxy", proxyURL)
	}
	return params, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// ReadURLs returns the newline separated URLs of r. Lines which are not
// video URLs are skipped with a warning.
func ReadURLs(ctx context.Context, r io.Reader, logger *slog.Logger) ([]string, error) {
	logger = log.OrDefault(logger)
	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !ValidURL(line) {
			logger.WarnContext(ctx, "skipping URL", "url", line)
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading urls: %w", err)
	}
	return urls, nil
}

// URLs returns the command line URLs followed by those read from
// opts.File.
func URLs(ctx context.Context, opts Options, logger *slog.Logger) ([]string, error) {
	urls := append([]string(nil), opts.URLs...)
	if opts.File != "" {
		f, err := os.Open(opts.File)
		if err != nil {
			return nil, fmt.Errorf("opening url file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		fromFile, err := ReadURLs(ctx, f, logger)
		if err != nil {
			return nil, err
		}
		urls = append(urls, fromFile...)
	}
	if len(urls) == 0 {
		return nil, ErrNoURLs
	}
	return urls, nil
}

// Proxy is the anonymizing proxy downloads are routed through.
type Proxy interface {
	Start(ctx context.Context) error
	IP(ctx context.Context) (string, error)
	ProxyURL() string
}

type Downloader interface {
	Start(ctx context.Context) error
	Run(ctx context.Context, args ...string) error
}

type Extractor struct {
	opts   Options
	proxy  Proxy
	dl     Downloader
	logger *slog.Logger
	out    io.Writer
}

// New returns an extractor. A nil proxy downloads directly.
func New(opts Options, proxy Proxy, dl Downloader, logger *slog.Logger) *Extractor {
	if opts.Threads <= 0 {
		opts.Threads = 1
	}
	return &Extractor{
		opts:   opts,
		proxy:  proxy,
		dl:     dl,
		logger: log.OrDefault(logger),
		out:    os.Stdout,
	}
}

// WithOutput redirects user facing messages.
func (e *Extractor) WithOutput(w io.Writer) *Extractor {
	e.out = w
	return e
}

// Run starts the services and downloads every URL. Failed downloads are
// logged and skipped, fatal service errors abort the run.
func (e *Extractor) Run(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return ErrNoURLs
	}

	var proxyURL string
	if e.proxy != nil {
		if err := e.proxy.Start(ctx); err != nil {
			return err
		}
		ip, err := e.proxy.IP(ctx)
		if err != nil {
			return err
		}
		e.logger.InfoContext(ctx, "downloading through tor", "ip", ip)
		_, _ = fmt.Fprintf(e.out, "Tor identity: %s\n", ip)
		proxyURL = e.proxy.ProxyURL()
	}

	params, err := Params(e.opts, proxyURL)
	if err != nil {
		return err
	}
	if err := e.dl.Start(ctx); err != nil {
		return err
	}

	pool, err := parallel.New(e.opts.Threads,
		parallel.WithOverlap(e.opts.Overlap),
		parallel.WithLogger(e.logger),
		parallel.WithOnComplete(func(s parallel.Stats) {
			e.logger.InfoContext(ctx, "all downloads completed", "total", s.Total, "failed", s.Failed)
		}),
	)
	if err != nil {
		return err
	}

	var fatalOnce sync.Once
	var fatal error
	for _, url := range urls {
		args := append(append([]string(nil), params...), url)
		_, err := pool.Add(url, func(ctx context.Context) error {
			err := e.dl.Run(ctx, args...)
			if service.IsFatal(err) {
				fatalOnce.Do(func() {
					fatal = err
					pool.Stop()
				})
			}
			return err
		})
		if err != nil {
			return err
		}
	}

	err = pool.Start(ctx)
	if fatal != nil {
		return fatal
	}
	if err != nil {
		return err
	}
	if failed := pool.Stats().Failed; failed > 0 {
		e.logger.WarnContext(ctx, "some downloads failed", "failed", failed, "total", len(urls))
	}
	_, _ = fmt.Fprintln(e.out, FinishedMessage)
	return nil
}
