package config

import (
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cwbudde/welltestfit/internal/fit"
)

// EnvPrefix is prepended to every environment override, e.g. WTFIT_FIT_MAX_ITERATIONS.
const EnvPrefix = "WTFIT"

// Store drivers.
const (
	DriverFS     = "fs"
	DriverSQLite = "sqlite"
)

// Config is the resolved application configuration.
type Config struct {
	Fit      FitConfig      `mapstructure:"fit" yaml:"fit"`
	Sampling SamplingConfig `mapstructure:"sampling" yaml:"sampling"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
}

type FitConfig struct {
	MaxIterations int     `mapstructure:"max_iterations" yaml:"max_iterations"`
	InitialLambda float64 `mapstructure:"initial_lambda" yaml:"initial_lambda"`
	ConvergeMSE   float64 `mapstructure:"converge_mse" yaml:"converge_mse"`
	DampingTrials int     `mapstructure:"damping_trials" yaml:"damping_trials"`
	StallLambda   float64 `mapstructure:"stall_lambda" yaml:"stall_lambda"`
	Weight        float64 `mapstructure:"weight" yaml:"weight"`
}

type SamplingConfig struct {
	DefaultCount int `mapstructure:"default_count" yaml:"default_count"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type StoreConfig struct {
	DataDir         string `mapstructure:"data_dir" yaml:"data_dir"`
	Driver          string `mapstructure:"driver" yaml:"driver"`
	CheckpointEvery int    `mapstructure:"checkpoint_every" yaml:"checkpoint_every"`
}

// flagBindings maps viper keys to pflag names.
var flagBindings = map[string]string{
	"fit.max_iterations":     "max-iters",
	"fit.converge_mse":       "converge-mse",
	"fit.weight":             "weight",
	"sampling.default_count": "sample-count",
	"server.addr":            "addr",
	"store.data_dir":         "data-dir",
	"store.driver":           "store",
}

func setDefaults(v *viper.Viper) {
	d := fit.DefaultSettings()
	v.SetDefault("fit.max_iterations", d.MaxIterations)
	v.SetDefault("fit.initial_lambda", d.InitialLambda)
	v.SetDefault("fit.converge_mse", d.ConvergeMSE)
	v.SetDefault("fit.damping_trials", d.DampingTrials)
	v.SetDefault("fit.stall_lambda", d.StallLambda)
	v.SetDefault("fit.weight", 0.5)
	v.SetDefault("sampling.default_count", fit.DefaultSampleCount)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("store.data_dir", "./data")
	v.SetDefault("store.driver", DriverFS)
	v.SetDefault("store.checkpoint_every", 5)
}

// Load resolves the configuration.
// Precedence: flags > env > config file > defaults
// path and flagSet may be empty/nil.
func Load(path string, flagSet *flag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flagSet != nil {
		for key, name := range flagBindings {
			f := flagSet.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Fit.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("fit.max_iterations must be positive, got %d", c.Fit.MaxIterations))
	}
	if c.Fit.Weight < 0 || c.Fit.Weight > 1 {
		errs = append(errs, fmt.Errorf("fit.weight must be in [0,1], got %g", c.Fit.Weight))
	}
	if c.Sampling.DefaultCount <= 0 {
		errs = append(errs, fmt.Errorf("sampling.default_count must be positive, got %d", c.Sampling.DefaultCount))
	}
	switch c.Store.Driver {
	case DriverFS, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("store.driver must be %q or %q, got %q", DriverFS, DriverSQLite, c.Store.Driver))
	}
	if c.Store.CheckpointEvery < 0 {
		errs = append(errs, fmt.Errorf("store.checkpoint_every must not be negative"))
	}
	return errors.Join(errs...)
}

// FitSettings converts the fit and sampling sections into optimizer settings.
func (c *Config) FitSettings() fit.Settings {
	return fit.Settings{
		MaxIterations: c.Fit.MaxIterations,
		InitialLambda: c.Fit.InitialLambda,
		ConvergeMSE:   c.Fit.ConvergeMSE,
		DampingTrials: c.Fit.DampingTrials,
		StallLambda:   c.Fit.StallLambda,
		SampleCount:   c.Sampling.DefaultCount,
	}
}

// YAML renders the resolved configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
