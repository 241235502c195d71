// Package config resolves treemirror settings from defaults, an optional
// config file, TREEMIRROR_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentic-research/treemirror/internal/durable"
	"github.com/agentic-research/treemirror/internal/logging"
	"github.com/agentic-research/treemirror/internal/mirror"
	"github.com/agentic-research/treemirror/internal/retry"
	"github.com/agentic-research/treemirror/internal/search"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. TREEMIRROR_STORE_PATH.
const EnvPrefix = "TREEMIRROR"

// Keys understood by Load.
const (
	KeySearchPageSize      = "search.page_size"
	KeySearchAscending     = "search.ascending_max_iterations"
	KeySearchDescending    = "search.descending_max_iterations"
	KeyMirrorDebounce      = "mirror.debounce_window"
	KeyMirrorOrphanRetries = "mirror.orphan_max_retries"
	KeyStorePath           = "store.path"
	KeyStoreFallbackPath   = "store.fallback_path"
	KeyLogLevel            = "log.level"
	KeyLogFormat           = "log.format"
	KeyLogOutput           = "log.output"
	KeyFeedURL             = "feed.url"
	KeyMetricsAddr         = "metrics.addr"
)

// Config is the resolved settings tree, one section per component.
type Config struct {
	Search  SearchConfig  `mapstructure:"search"`
	Mirror  MirrorConfig  `mapstructure:"mirror"`
	Store   StoreConfig   `mapstructure:"store"`
	Log     LogConfig     `mapstructure:"log"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type SearchConfig struct {
	PageSize                int `mapstructure:"page_size"`
	AscendingMaxIterations  int `mapstructure:"ascending_max_iterations"`
	DescendingMaxIterations int `mapstructure:"descending_max_iterations"`
}

type MirrorConfig struct {
	DebounceWindow   time.Duration `mapstructure:"debounce_window"`
	OrphanMaxRetries int           `mapstructure:"orphan_max_retries"`
}

type StoreConfig struct {
	// Path of the SQLite file. Empty keeps everything in memory.
	Path         string `mapstructure:"path"`
	FallbackPath string `mapstructure:"fallback_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type FeedConfig struct {
	URL string `mapstructure:"url"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// SetDefaults registers the built-in value of every key on v.
func SetDefaults(v *viper.Viper) {
	mc := mirror.DefaultConfig()
	v.SetDefault(KeySearchPageSize, mc.Search.PageSize)
	v.SetDefault(KeySearchAscending, mc.Search.AscendingMaxIterations)
	v.SetDefault(KeySearchDescending, mc.Search.DescendingMaxIterations)
	v.SetDefault(KeyMirrorDebounce, mc.DebounceWindow)
	v.SetDefault(KeyMirrorOrphanRetries, mc.OrphanMaxRetries)
	v.SetDefault(KeyStorePath, "")
	v.SetDefault(KeyStoreFallbackPath, "")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "console")
	v.SetDefault(KeyLogOutput, "stderr")
	v.SetDefault(KeyFeedURL, "")
	v.SetDefault(KeyMetricsAddr, "")
}

// FlagKey maps a flag name to its key. The first dash separates section
// from field and later dashes stand for underscores, so "store-fallback-path"
// is store.fallback_path.
func FlagKey(name string) string {
	section, field, ok := strings.Cut(name, "-")
	if !ok {
		return name
	}
	return section + "." + strings.ReplaceAll(field, "-", "_")
}

// BindFlags binds every flag in fs whose FlagKey is a known key.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		key := FlagKey(f.Name)
		if !isKey(key) {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

func isKey(key string) bool {
	switch key {
	case KeySearchPageSize, KeySearchAscending, KeySearchDescending,
		KeyMirrorDebounce, KeyMirrorOrphanRetries,
		KeyStorePath, KeyStoreFallbackPath,
		KeyLogLevel, KeyLogFormat, KeyLogOutput,
		KeyFeedURL, KeyMetricsAddr:
		return true
	}
	return false
}

// Load reads file (if non-empty) and the environment into v and decodes
// the result. Defaults must already be set.
func Load(v *viper.Viper, file string) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// New returns a viper instance with defaults set.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

// Validate reports every out-of-range setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Search.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", KeySearchPageSize, c.Search.PageSize))
	}
	if c.Search.AscendingMaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", KeySearchAscending, c.Search.AscendingMaxIterations))
	}
	if c.Search.DescendingMaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", KeySearchDescending, c.Search.DescendingMaxIterations))
	}
	if c.Mirror.DebounceWindow < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyMirrorDebounce))
	}
	if c.Mirror.OrphanMaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", KeyMirrorOrphanRetries, c.Mirror.OrphanMaxRetries))
	}
	return errors.Join(errs...)
}

// MirrorSettings converts the settings into mirror tunables.
func (c Config) MirrorSettings() mirror.Config {
	mc := mirror.DefaultConfig()
	mc.DebounceWindow = c.Mirror.DebounceWindow
	mc.OrphanMaxRetries = c.Mirror.OrphanMaxRetries
	mc.Search = search.Config{
		PageSize:                c.Search.PageSize,
		AscendingMaxIterations:  c.Search.AscendingMaxIterations,
		DescendingMaxIterations: c.Search.DescendingMaxIterations,
	}
	return mc
}

// StoreOptions converts the settings into durable open options.
func (c Config) StoreOptions() durable.Options {
	return durable.Options{
		Path:         c.Store.Path,
		FallbackPath: c.Store.FallbackPath,
		Retry:        retry.DefaultPolicy(),
	}
}

// LoggingConfig converts the settings into a logger configuration.
func (c Config) LoggingConfig() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format, OutputPath: c.Log.Output}
}
