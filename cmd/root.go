package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mwa-demo/calfit/internal/config"
)

var cfg *config.Config

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "calfit",
	Short: "Fit cable delays and gains from calibration solutions",
	Long: `Aggregates calibration solutions across coarse channel bands, fits per-tile
phase ramps and gains, flags outliers and writes per-timeblock tables.

Settings are read from ./config.yaml and CALFIT_* environment variables
(CALFIT_STORE_DRIVER, CALFIT_LOG_LEVEL, ...). Run history goes to the store
selected by store.driver: sqlite (default, calfit.db), postgres
(store.database_url) or none.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		applyLogFlags(cmd, c)
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		zap.L().Debug("config loaded",
			zap.String("command", cmd.Name()),
			zap.String("store_driver", cfg.Store.Driver),
			zap.String("output_dir", cfg.Output.Dir),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// applyLogFlags lets --log-level and --log-format override the config file
// and environment.
func applyLogFlags(cmd *cobra.Command, c *config.Config) {
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		c.Log.Level = logLevel
	}
	if f := cmd.Flags().Lookup("log-format"); f != nil && f.Changed {
		c.Log.Format = logFormat
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default from config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: json or console (default from config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
