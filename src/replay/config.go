package replay

import (
	"errors"
	"time"
)

type Config struct {
	ReplayQueueCapacity int           `yaml:"replay_queue_capacity" envconfig:"QUEUE_CAPACITY"`
	OutputQueueCapacity int           `yaml:"output_queue_capacity" envconfig:"OUTPUT_QUEUE_CAPACITY"`
	GroupCommitInterval time.Duration `yaml:"group_commit_interval" envconfig:"GROUP_COMMIT_INTERVAL"`
	GroupCommitMaxSize  int           `yaml:"group_commit_max_size" envconfig:"GROUP_COMMIT_MAX_SIZE"`
	StatsWindow         time.Duration `yaml:"stats_window" envconfig:"STATS_WINDOW"`
}

func DefaultConfig() Config {
	return Config{
		ReplayQueueCapacity: 1024,
		OutputQueueCapacity: 1024,
		GroupCommitInterval: 3 * time.Millisecond,
		GroupCommitMaxSize:  200,
		StatsWindow:         time.Minute,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.ReplayQueueCapacity <= 0 {
		errs = append(errs, errors.New("replay queue capacity must be positive"))
	}
	if c.OutputQueueCapacity <= 0 {
		errs = append(errs, errors.New("output queue capacity must be positive"))
	}
	if c.GroupCommitInterval <= 0 {
		errs = append(errs, errors.New("group commit interval must be positive"))
	}
	if c.GroupCommitMaxSize <= 0 {
		errs = append(errs, errors.New("group commit max size must be positive"))
	}
	if c.StatsWindow <= 0 {
		errs = append(errs, errors.New("stats window must be positive"))
	}

	return errors.Join(errs...)
}
