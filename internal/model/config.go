package model

import (
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version    int        `json:"version" yaml:"version"` // fixed 0 for now
	Verbose    bool       `json:"verbose" yaml:"verbose"`
	LogFormat  string     `json:"log_format" yaml:"log_format"`
	Threads    int        `json:"threads" yaml:"threads"`
	Overlap    bool       `json:"overlap" yaml:"overlap"`
	Media      Media      `json:"media" yaml:"media"`
	Downloader Downloader `json:"downloader" yaml:"downloader"`
	Tor        Tor        `json:"tor" yaml:"tor"`
}

// Media holds default helper flags, overridable from the command line.
type Media struct {
	AudioQuality int    `json:"audio_quality" yaml:"audio_quality"`
	AudioFormat  string `json:"audio_format" yaml:"audio_format"`
	VideoQuality int    `json:"video_quality" yaml:"video_quality"`
	VideoFormat  string `json:"video_format" yaml:"video_format"`
}

type Downloader struct {
	Binary string `json:"binary" yaml:"binary"` // path or name (e.g. youtube-dl)
}

type Tor struct {
	Enabled          bool    `json:"enabled" yaml:"enabled"`
	Port             int     `json:"port" yaml:"port"`
	Binary           string  `json:"binary" yaml:"binary"`
	Service          string  `json:"service" yaml:"service"` // service manager unit name
	CheckURL         string  `json:"check_url" yaml:"check_url"`
	FallbackURL      string  `json:"fallback_url" yaml:"fallback_url"`
	BootstrapTimeout string  `json:"bootstrap_timeout" yaml:"bootstrap_timeout"` // ISO8601 duration
	Health           *Health `json:"health,omitempty" yaml:"health,omitempty"`
}

// Health schedules the tor liveness check. Exactly one of Duration (ISO8601)
// and Cron should be set.
type Health struct {
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
}

// Bootstrap returns the parsed BootstrapTimeout.
func (t Tor) Bootstrap() (time.Duration, error) {
	d, err := ParseISODuration(t.BootstrapTimeout)
	if err != nil {
		return 0, fmt.Errorf("parsing tor.bootstrap_timeout: %w", err)
	}
	return d, nil
}

// DefaultConfig returns the schema defaults.
func DefaultConfig() Config {
	cfg, err := decode(schema)
	if err != nil {
		panic(err)
	}
	return *cfg
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
// Omitted fields get schema defaults.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("extractor.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)
	if yamlValue.Err() != nil {
		return nil, yamlValue.Err()
	}

	return decode(schema.Unify(yamlValue))
}

func decode(v cue.Value) (*Config, error) {
	if err := v.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := v.Decode(&out); err != nil {
		return nil, err
	}

	if h := out.Tor.Health; h != nil {
		if err := h.Validate(); err != nil {
			return nil, err
		}
	}
	if _, err := out.Tor.Bootstrap(); err != nil {
		return nil, err
	}
	return &out, nil
}
