// Package config loads calfit configuration and bootstraps the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mwa-demo/calfit/internal/pipeline"
	"github.com/mwa-demo/calfit/internal/report"
	"github.com/mwa-demo/calfit/internal/store"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverNone     = "none"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Fit    FitConfig    `yaml:"fit" mapstructure:"fit"`
	Output OutputConfig `yaml:"output" mapstructure:"output"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig selects where run history is kept.
type StoreConfig struct {
	Driver      string           `yaml:"driver" mapstructure:"driver"`
	Path        string           `yaml:"path" mapstructure:"path"`
	DatabaseURL string           `yaml:"database_url" mapstructure:"database_url"`
	Pool        store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// FitConfig configures the fitting stages.
type FitConfig struct {
	NIter                 int     `yaml:"niter" mapstructure:"niter"`
	FitIono               bool    `yaml:"fit_iono" mapstructure:"fit_iono"`
	MaxTimeblocks         int     `yaml:"max_timeblocks" mapstructure:"max_timeblocks"`
	Concurrency           int     `yaml:"concurrency" mapstructure:"concurrency"`
	OutlierNStd           float64 `yaml:"outlier_nstd" mapstructure:"outlier_nstd"`
	PhaseDiffPath         string  `yaml:"phase_diff_path" mapstructure:"phase_diff_path"`
	PhaseDiffFlavorSuffix string  `yaml:"phase_diff_flavor_suffix" mapstructure:"phase_diff_flavor_suffix"`
}

// OutputConfig configures the per-timeblock tables.
type OutputConfig struct {
	Dir    string `yaml:"dir" mapstructure:"dir"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	FitsPerMinute  int      `yaml:"fits_per_minute" mapstructure:"fits_per_minute"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CALFIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.path", "calfit.db")
	v.SetDefault("store.pool.max_conns", 4)
	v.SetDefault("store.pool.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.fits_per_minute", 10)
	v.SetDefault("fit.niter", 1)
	v.SetDefault("fit.fit_iono", false)
	v.SetDefault("fit.max_timeblocks", 0)
	v.SetDefault("fit.concurrency", 0)
	v.SetDefault("fit.outlier_nstd", report.DefaultOutlierNStd)
	v.SetDefault("fit.phase_diff_path", "")
	v.SetDefault("fit.phase_diff_flavor_suffix", pipeline.DefaultFlavorSuffix)
	v.SetDefault("output.dir", ".")
	v.SetDefault("output.format", pipeline.FormatTSV)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the configuration is usable for the given command
// mode ("fit", "runs" or "serve").
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case DriverNone:
	default:
		errs = append(errs, "store.driver must be one of sqlite, postgres, none")
	}

	switch mode {
	case "fit":
		if c.Fit.NIter < 1 {
			errs = append(errs, "fit.niter must be >= 1")
		}
		if c.Fit.MaxTimeblocks < 0 {
			errs = append(errs, "fit.max_timeblocks must be >= 0")
		}
		if c.Fit.Concurrency < 0 {
			errs = append(errs, "fit.concurrency must be >= 0")
		}
		if c.Output.Format != pipeline.FormatTSV && c.Output.Format != pipeline.FormatXLSX {
			errs = append(errs, "output.format must be tsv or xlsx")
		}
	case "runs":
		if c.Store.Driver == DriverNone {
			errs = append(errs, "store.driver none keeps no run history")
		}
	case "serve":
		if c.Store.Driver == DriverNone {
			errs = append(errs, "store.driver none keeps no run history")
		}
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// PipelineOptions returns pipeline options seeded from the fit and output
// sections. The phase difference table is not loaded here.
func (c *Config) PipelineOptions() pipeline.Options {
	opts := pipeline.DefaultOptions()
	opts.NIter = c.Fit.NIter
	opts.FitIono = c.Fit.FitIono
	opts.MaxTimeblocks = c.Fit.MaxTimeblocks
	opts.Concurrency = c.Fit.Concurrency
	opts.OutlierNStd = c.Fit.OutlierNStd
	opts.FlavorSuffix = c.Fit.PhaseDiffFlavorSuffix
	opts.OutDir = c.Output.Dir
	opts.Format = c.Output.Format
	return opts
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
