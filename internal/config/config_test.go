package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mwa-demo/calfit/internal/pipeline"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "calfit.db", cfg.Store.Path)
	assert.Equal(t, int32(4), cfg.Store.Pool.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 10, cfg.Server.FitsPerMinute)
	assert.Equal(t, 1, cfg.Fit.NIter)
	assert.False(t, cfg.Fit.FitIono)
	assert.Equal(t, 0, cfg.Fit.MaxTimeblocks)
	assert.InDelta(t, 3.0, cfg.Fit.OutlierNStd, 1e-9)
	assert.Equal(t, "-NI", cfg.Fit.PhaseDiffFlavorSuffix)
	assert.Equal(t, ".", cfg.Output.Dir)
	assert.Equal(t, "tsv", cfg.Output.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/calfit
log:
  level: debug
  format: console
fit:
  niter: 3
  fit_iono: true
  phase_diff_path: phase_diff.txt
output:
  format: xlsx
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/calfit", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 3, cfg.Fit.NIter)
	assert.True(t, cfg.Fit.FitIono)
	assert.Equal(t, "phase_diff.txt", cfg.Fit.PhaseDiffPath)
	assert.Equal(t, "xlsx", cfg.Output.Format)
	// Defaults still apply for unset values
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, ".", cfg.Output.Dir)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("CALFIT_STORE_DRIVER", "none")
	t.Setenv("CALFIT_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, DriverNone, cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("CALFIT_SERVER_PORT", "3000")
	t.Setenv("CALFIT_FIT_MAX_TIMEBLOCKS", "2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Fit.MaxTimeblocks)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = DriverSQLite
	cfg.Store.Path = "calfit.db"
	cfg.Fit.NIter = 1
	cfg.Output.Format = pipeline.FormatTSV
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateFit(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("fit"))

	cfg.Fit.NIter = 0
	cfg.Output.Format = "csv"
	err := cfg.Validate("fit")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fit.niter must be >= 1")
	assert.Contains(t, err.Error(), "output.format must be tsv or xlsx")
}

func TestValidateStoreDrivers(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = DriverPostgres
	err := cfg.Validate("fit")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/calfit"
	assert.NoError(t, cfg.Validate("fit"))

	cfg.Store.Driver = "mysql"
	err = cfg.Validate("fit")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be one of")
}

func TestValidateRuns_NeedsStore(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("runs"))

	cfg.Store.Driver = DriverNone
	err := cfg.Validate("runs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keeps no run history")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("serve"))

	cfg.Server.Port = 0
	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	cfg.Server.Port = 8080
	cfg.Store.Driver = DriverNone
	assert.ErrorContains(t, cfg.Validate("serve"), "keeps no run history")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestPipelineOptions(t *testing.T) {
	cfg := validDefaults()
	cfg.Fit.NIter = 2
	cfg.Fit.FitIono = true
	cfg.Fit.MaxTimeblocks = 5
	cfg.Fit.Concurrency = 3
	cfg.Fit.OutlierNStd = 2.5
	cfg.Fit.PhaseDiffFlavorSuffix = "-X"
	cfg.Output.Dir = "out"
	cfg.Output.Format = pipeline.FormatXLSX

	opts := cfg.PipelineOptions()
	assert.Equal(t, 2, opts.NIter)
	assert.True(t, opts.FitIono)
	assert.Equal(t, 5, opts.MaxTimeblocks)
	assert.Equal(t, 3, opts.Concurrency)
	assert.InDelta(t, 2.5, opts.OutlierNStd, 1e-9)
	assert.Equal(t, "-X", opts.FlavorSuffix)
	assert.Equal(t, "out", opts.OutDir)
	assert.Equal(t, pipeline.FormatXLSX, opts.Format)
	assert.NoError(t, opts.Validate())
}
