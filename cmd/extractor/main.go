package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/yanmarques/youtube-extractor/internal/log"
	"github.com/yanmarques/youtube-extractor/internal/model"
	"github.com/yanmarques/youtube-extractor/internal/service"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	configEnv    = "EXTRACTORCONFIG"
	configName   = "extractor.yaml"
	restartedEnv = "EXTRACTOR_RESTARTED"
)

var (
	userConfigPath string // /default/config/path/extractor on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string
	flagVerbose        bool
	flagLogFormat      string
	flags              runFlags
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "extractor")
}

func main() {
	// .env may set EXTRACTORCONFIG, so it goes first
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("loading .env failed", "error", err)
	}

	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "log format, json or text")
	flags.register(rootCmd)

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initExtractor
	rootCmd.RunE = doRun
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	interrupted := ctx.Err() != nil
	stop()

	switch {
	case err == nil:
		return
	case errors.Is(err, service.ErrRestartRequired):
		slog.Info("restarting to pick up installed services")
		code, rerr := restart()
		if rerr != nil {
			slog.Error("restart failed", "error", rerr)
			os.Exit(1)
		}
		os.Exit(code)
	case interrupted:
		slog.Error("extractor interrupted", "error", err)
		os.Exit(130)
	default:
		slog.Error("extractor failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "extractor [flags] [url...]",
	Short:        "Download videos or their audio through tor, in parallel",
	Args:         cobra.ArbitraryArgs,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of an extractor",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("extractor: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:    %s\n", configPath)
		}
		fmt.Printf("extractor: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initExtractor(cmd *cobra.Command, _ []string) error {
	configPath = lookupConfig(flagConfigFilePath)

	var err error
	if configPath == "" {
		configPath = filepath.Join(userConfigPath, configName)
		config, err = storeDefaultConfig(configPath)
	} else {
		config, err = loadConfig(configPath)
	}
	if err != nil {
		return err
	}

	// flags have a precedence over config file
	if flagVerbose {
		config.Verbose = true
	}
	if flagLogFormat != "" {
		switch flagLogFormat {
		case model.LogFormatJSON, model.LogFormatText:
			config.LogFormat = flagLogFormat
		default:
			return fmt.Errorf("unsupported log format %q, expected %s or %s", flagLogFormat, model.LogFormatJSON, model.LogFormatText)
		}
	}

	slog.SetDefault(log.New(config.Verbose, config.LogFormat))
	slog.Debug("extractor run", "configPath", configPath)
	slog.Debug("extractor run", "config", config)
	return nil
}

// lookupConfig returns the config file to use, empty if there's none yet.
func lookupConfig(flagPath string) string {
	if envConfig, ok := os.LookupEnv(configEnv); ok {
		return envConfig
	}
	if flagPath != "" {
		return flagPath
	}
	for _, d := range []string{userConfigPath, "."} {
		path := filepath.Join(d, configName)
		if exists(path) {
			return path
		}
	}
	return ""
}

func storeDefaultConfig(path string) (model.Config, error) {
	cfg := model.DefaultConfig()
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return cfg, fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return cfg, fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(4)
	if err := enc.Encode(cfg); err != nil {
		return cfg, fmt.Errorf("storing configuration: %w", err)
	}
	return cfg, enc.Close()
}

func loadConfig(path string) (model.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error(d.Message, d.Attr("detail"))
		}
		return model.Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return *cfg, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
