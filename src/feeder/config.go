package feeder

import (
	"errors"
	"time"
)

type Config struct {
	MaxReplicas int `yaml:"max_replicas" envconfig:"MAX_REPLICAS"`
	// StatsWindow is the length of the rolling window behind the delay
	// percentiles and the rate.
	StatsWindow time.Duration `yaml:"stats_window" envconfig:"STATS_WINDOW"`
}

func DefaultConfig() Config {
	return Config{
		MaxReplicas: 16,
		StatsWindow: time.Minute,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.MaxReplicas <= 0 {
		errs = append(errs, errors.New("max replicas must be positive"))
	}
	if c.StatsWindow <= 0 {
		errs = append(errs, errors.New("stats window must be positive"))
	}

	return errors.Join(errs...)
}
