// Package config loads dex settings from defaults, an optional dex.yaml and
// DEX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"dex/internal/extract"
	"dex/internal/lifecycle"
	"dex/internal/paginate"
	"dex/internal/poll"
)

// Config is the resolved configuration.
type Config struct {
	Worker     string
	Output     string
	Proxy      string
	ProfileDir string

	LoginCheckAttempts int
	LoginCheckInterval time.Duration
	LoginPollInterval  time.Duration
	LoginTimeout       time.Duration
	LoginSettle        time.Duration

	SettleAttempts int
	SettleInterval time.Duration

	MaxIterations int
	StagnantLimit int
	PageDelay     time.Duration

	BatchSize    int
	BatchTimeout time.Duration

	// File is the config file that was read, if any.
	File string
}

func setDefaults(v *viper.Viper) {
	d := lifecycle.DefaultConfig()
	v.SetDefault("worker", "")
	v.SetDefault("output", "dex-export.json")
	v.SetDefault("proxy", "")
	v.SetDefault("profile_dir", defaultProfileDir())
	v.SetDefault("login.check_attempts", d.LoginCheck.MaxAttempts)
	v.SetDefault("login.check_interval", d.LoginCheck.Interval)
	v.SetDefault("login.poll_interval", d.LoginWait.Interval)
	v.SetDefault("login.timeout", d.LoginWait.Timeout)
	v.SetDefault("login.settle", d.LoginSettle)
	v.SetDefault("settle.attempts", d.Settle.MaxAttempts)
	v.SetDefault("settle.interval", d.Settle.Interval)
	v.SetDefault("paginate.max_iterations", d.Stop.MaxIterations)
	v.SetDefault("paginate.stagnant_limit", d.Stop.StagnantLimit)
	v.SetDefault("paginate.delay", d.Stop.Delay)
	v.SetDefault("batch.size", d.Batch.Size)
	v.SetDefault("batch.timeout", d.Batch.Timeout)
}

func defaultProfileDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "dex", "profile")
}

// Load reads configuration. path is an explicit config file; when empty,
// dex.yaml is looked up in the working directory and the user config dir,
// and a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dex")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "dex"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		Worker:     v.GetString("worker"),
		Output:     v.GetString("output"),
		Proxy:      v.GetString("proxy"),
		ProfileDir: v.GetString("profile_dir"),

		LoginCheckAttempts: v.GetInt("login.check_attempts"),
		LoginCheckInterval: v.GetDuration("login.check_interval"),
		LoginPollInterval:  v.GetDuration("login.poll_interval"),
		LoginTimeout:       v.GetDuration("login.timeout"),
		LoginSettle:        v.GetDuration("login.settle"),

		SettleAttempts: v.GetInt("settle.attempts"),
		SettleInterval: v.GetDuration("settle.interval"),

		MaxIterations: v.GetInt("paginate.max_iterations"),
		StagnantLimit: v.GetInt("paginate.stagnant_limit"),
		PageDelay:     v.GetDuration("paginate.delay"),

		BatchSize:    v.GetInt("batch.size"),
		BatchTimeout: v.GetDuration("batch.timeout"),

		File: v.ConfigFileUsed(),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.LoginCheckAttempts < 1:
		return fmt.Errorf("login.check_attempts must be at least 1, got %d", c.LoginCheckAttempts)
	case c.LoginTimeout <= 0:
		return fmt.Errorf("login.timeout must be positive, got %s", c.LoginTimeout)
	case c.MaxIterations < 1:
		return fmt.Errorf("paginate.max_iterations must be at least 1, got %d", c.MaxIterations)
	case c.BatchSize < 1:
		return fmt.Errorf("batch.size must be at least 1, got %d", c.BatchSize)
	}
	return nil
}

// Lifecycle converts the settings into the worker's run configuration.
func (c *Config) Lifecycle() lifecycle.Config {
	return lifecycle.Config{
		LoginCheck:  poll.Policy{MaxAttempts: c.LoginCheckAttempts, Interval: c.LoginCheckInterval},
		LoginWait:   poll.Policy{Interval: c.LoginPollInterval, Timeout: c.LoginTimeout},
		LoginSettle: c.LoginSettle,
		Settle:      poll.Policy{MaxAttempts: c.SettleAttempts, Interval: c.SettleInterval},
		Stop: paginate.StopPolicy{
			MaxIterations: c.MaxIterations,
			StagnantLimit: c.StagnantLimit,
			Delay:         c.PageDelay,
		},
		Batch: extract.BatchOptions{Size: c.BatchSize, Timeout: c.BatchTimeout},
	}
}
