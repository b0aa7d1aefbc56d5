package app

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/Blackdeer1524/ReplicaDB/src/election"
	"github.com/Blackdeer1524/ReplicaDB/src/feeder"
	"github.com/Blackdeer1524/ReplicaDB/src/replay"
)

const EnvPrefix = "REPLICADB"

type Environment string

const (
	EnvDev  Environment = "dev"
	EnvProd Environment = "prod"
)

type BackoffConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval" envconfig:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" envconfig:"MAX_INTERVAL"`
	// MaxElapsedTime of zero retries forever.
	MaxElapsedTime time.Duration `yaml:"max_elapsed_time" envconfig:"MAX_ELAPSED_TIME"`
}

func (c BackoffConfig) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.MaxElapsedTime = c.MaxElapsedTime
	b.Reset()

	return b
}

type Config struct {
	Environment Environment `yaml:"environment" envconfig:"ENVIRONMENT"`
	ServerHost  string      `yaml:"server_host" envconfig:"SERVER_HOST"`
	ServerPort  int         `yaml:"server_port" envconfig:"SERVER_PORT"`
	DataDir     string      `yaml:"data_dir" envconfig:"DATA_DIR"`

	// ReplicationAddr is where a primary accepts replica streams.
	ReplicationAddr string `yaml:"replication_addr" envconfig:"REPLICATION_ADDR"`
	// ReplicaID names this node to the primary.
	ReplicaID string `yaml:"replica_id" envconfig:"REPLICA_ID"`
	// PrimaryAddrs are the replication addresses a replica, or a primary
	// candidate on standby, tries in turn until one of them accepts the
	// stream.
	PrimaryAddrs      []string      `yaml:"primary_addrs" envconfig:"PRIMARY_ADDRS"`
	WatermarkInterval time.Duration `yaml:"watermark_interval" envconfig:"WATERMARK_INTERVAL"`

	Replay   replay.Config   `yaml:"replay" envconfig:"REPLAY"`
	Feeder   feeder.Config   `yaml:"feeder" envconfig:"FEEDER"`
	Election election.Config `yaml:"election" envconfig:"ELECTION"`
	Backoff  BackoffConfig   `yaml:"backoff" envconfig:"BACKOFF"`
}

func Default() Config {
	return Config{
		Environment:       EnvProd,
		ServerHost:        "0.0.0.0",
		ServerPort:        8080,
		DataDir:           "./data",
		ReplicationAddr:   "0.0.0.0:9090",
		ReplicaID:         "replica-1",
		PrimaryAddrs:      []string{"127.0.0.1:9090"},
		WatermarkInterval: time.Second,
		Replay:            replay.DefaultConfig(),
		Feeder:            feeder.DefaultConfig(),
		Election:          election.DefaultConfig(),
		Backoff: BackoffConfig{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Environment != EnvDev && c.Environment != EnvProd {
		errs = append(errs, fmt.Errorf("unknown environment %q", c.Environment))
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("server port %d is out of range", c.ServerPort))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data dir is empty"))
	}
	if c.WatermarkInterval <= 0 {
		errs = append(errs, errors.New("watermark interval must be positive"))
	}
	if c.Backoff.InitialInterval <= 0 || c.Backoff.MaxInterval < c.Backoff.InitialInterval {
		errs = append(errs, errors.New("backoff intervals are inconsistent"))
	}
	if err := c.Replay.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Feeder.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// LoadConfig starts from Default, applies the YAML file at path (if any),
// then a .env file and REPLICADB_* environment variables.
func LoadConfig(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
