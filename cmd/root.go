package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cwbudde/welltestfit/internal/config"
	"github.com/cwbudde/welltestfit/internal/fit"
)

var (
	logLevel   string
	configPath string
	logger     *slog.Logger
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "welltestfit",
	Short: "Well-test reservoir model fitting",
	Long: `welltestfit fits analytic reservoir models to pressure transient data
with a Levenberg-Marquardt optimizer, on the command line or behind an HTTP API
with live progress streaming.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var level slog.Level
		switch logLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		opts := &slog.HandlerOptions{Level: level}
		handler := slog.NewJSONHandler(os.Stderr, opts)
		logger = slog.New(handler)
		slog.SetDefault(logger)

		loaded, err := config.Load(configPath, cmd.Flags())
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	d := fit.DefaultSettings()
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&configPath, "config", "", "YAML config file")
	pf.String("data-dir", "./data", "Base directory for stored sessions and checkpoints")
	pf.String("store", config.DriverFS, "Store driver (fs, sqlite)")
	pf.Int("max-iters", d.MaxIterations, "Maximum optimizer iterations")
	pf.Float64("converge-mse", d.ConvergeMSE, "MSE below which a fit counts as converged")
	pf.Int("sample-count", fit.DefaultSampleCount, "Points used when custom sampling is disabled")
}

// currentConfig returns the configuration resolved by the root command, or the defaults
// when a run function is invoked directly.
func currentConfig() (*config.Config, error) {
	if cfg != nil {
		return cfg, nil
	}
	c, err := config.Load("", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load default config: %w", err)
	}
	return c, nil
}
