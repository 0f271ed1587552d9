package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/yanmarques/youtube-extractor/internal/downloader"
	"github.com/yanmarques/youtube-extractor/internal/executor"
	"github.com/yanmarques/youtube-extractor/internal/extractor"
	"github.com/yanmarques/youtube-extractor/internal/log"
	"github.com/yanmarques/youtube-extractor/internal/model"
	"github.com/yanmarques/youtube-extractor/internal/netscan"
	"github.com/yanmarques/youtube-extractor/internal/tor"

	"github.com/spf13/cobra"
)

// runFlags are the download flags of the root command. Unset flags fall
// back to the config file.
type runFlags struct {
	audio        bool
	audioQuality int
	audioFormat  string
	video        bool
	videoQuality int
	videoFormat  string
	threads      int
	withoutTor   bool
	file         string
	noOverlap    bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.BoolVarP(&f.audio, "audio", "a", false, "extract audio only")
	fl.IntVar(&f.audioQuality, "audio-quality", 0, "audio quality, 0 (best) to 9 (worst)")
	fl.StringVar(&f.audioFormat, "audio-format", "", "audio format (default from config, mp3)")
	fl.BoolVarP(&f.video, "video", "v", false, "download video")
	fl.IntVar(&f.videoQuality, "video-quality", 0, "video quality")
	fl.StringVar(&f.videoFormat, "video-format", "", "video format (default from config, mp4)")
	fl.IntVarP(&f.threads, "threads", "t", 0, "number of parallel downloads (default from config, 1)")
	fl.BoolVar(&f.withoutTor, "without-tor", false, "download directly, not through tor")
	fl.StringVarP(&f.file, "file", "f", "", "file with newline separated urls")
	fl.BoolVar(&f.noOverlap, "no-overlap", false, "start downloads in batches instead of as soon as a slot frees up")
	cmd.MarkFlagsMutuallyExclusive("audio", "video")
}

// options merges flags set on cmd over cfg.
func (f *runFlags) options(cmd *cobra.Command, cfg model.Config, args []string) extractor.Options {
	opts := extractor.Options{
		Audio:        f.audio,
		AudioQuality: cfg.Media.AudioQuality,
		AudioFormat:  cfg.Media.AudioFormat,
		Video:        f.video,
		VideoQuality: cfg.Media.VideoQuality,
		VideoFormat:  cfg.Media.VideoFormat,
		Threads:      cfg.Threads,
		Tor:          cfg.Tor.Enabled && !f.withoutTor,
		File:         f.file,
		URLs:         args,
		Overlap:      cfg.Overlap && !f.noOverlap,
	}
	changed := cmd.Flags().Changed
	if changed("audio-quality") {
		opts.AudioQuality = f.audioQuality
	}
	if changed("audio-format") {
		opts.AudioFormat = f.audioFormat
	}
	if changed("video-quality") {
		opts.VideoQuality = f.videoQuality
	}
	if changed("video-format") {
		opts.VideoFormat = f.videoFormat
	}
	if changed("threads") {
		opts.Threads = f.threads
	}
	return opts
}

func doRun(cmd *cobra.Command, args []string) error {
	attrs := slog.Group("extractor",
		slog.String("cmd", "root"),
		slog.Int("pid", os.Getpid()),
	)
	ctx := log.ContextAttrs(cmd.Context(), attrs)
	logger := slog.Default()

	opts := flags.options(cmd, config, args)
	if opts.Threads <= 0 {
		return fmt.Errorf("threads must be positive, got %d", opts.Threads)
	}
	urls, err := extractor.URLs(ctx, opts, logger)
	if err != nil {
		return err
	}

	ex := executor.NewSystem(logger)
	dl := downloader.New(ex, config.Downloader.Binary, logger)

	var proxy extractor.Proxy
	if opts.Tor {
		svc, shutdown, err := startTor(ctx, ex, config.Tor, logger)
		if err != nil {
			return err
		}
		defer shutdown()
		proxy = svc
	}

	return extractor.New(opts, proxy, dl, logger).Run(ctx, urls)
}

// startTor builds the tor service and its health supervisor. The returned
// func stops the supervisor and kills a daemon launched in the background.
func startTor(ctx context.Context, ex executor.Executor, cfg model.Tor, logger *slog.Logger) (*tor.Service, func(), error) {
	torCfg, err := tor.ConfigFrom(cfg)
	if err != nil {
		return nil, nil, err
	}
	svc := tor.New(torCfg, ex, netscan.Default(ex, logger), logger)
	if cfg.Health == nil {
		return svc, svc.Close, nil
	}

	sup, err := tor.NewSupervisor(ctx, svc, *cfg.Health, logger)
	if err != nil {
		return nil, nil, err
	}
	sup.Start()
	return svc, func() {
		if err := sup.Shutdown(); err != nil {
			logger.WarnContext(ctx, "stopping tor supervisor", "error", err)
		}
		svc.Close()
	}, nil
}

var errRestartLoop = errors.New("already restarted once")

// restart runs the same command line again in a fresh process and returns
// its exit code.
func restart() (int, error) {
	if os.Getenv(restartedEnv) != "" {
		return 0, errRestartLoop
	}
	self, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locating executable: %w", err)
	}

	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Env = append(os.Environ(), restartedEnv+"=1")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err = cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 0, fmt.Errorf("restarting: %w", err)
	}
	return 0, nil
}
