// Package config loads and validates arkvolt's single YAML configuration
// file (spec.md §6), the way zrepl's config package loads a job list: YAML
// unmarshalling with go.yaml.in/yaml/v4, defaulting with
// github.com/creasty/defaults, struct-tag validation with
// github.com/go-playground/validator/v10, and environment-variable
// overrides with github.com/caarlos0/env/v11 (e.g. ARKVOLT_REMOTE_HOST).
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	yaml "go.yaml.in/yaml/v4"

	"github.com/arkvolt/arkvolt/internal/btrfs"
)

// Config is the single top-level configuration object described by
// spec.md §6's enumerated table, plus the ambient fields (logging,
// control-plane listen address, metrics) needed to run the process.
type Config struct {
	ClientID   string            `yaml:"client_id" env:"CLIENT_ID" validate:"required"`
	Subvolumes []btrfs.Subvolume `yaml:"subvolumes" validate:"required,min=1,dive"`

	RemoteHost     string `yaml:"remote_host" env:"REMOTE_HOST" validate:"required"`
	RemoteUser     string `yaml:"remote_user" env:"REMOTE_USER" validate:"required"`
	RemotePort     uint16 `yaml:"remote_port,omitempty" env:"REMOTE_PORT" default:"22"`
	RemoteBasePath string `yaml:"remote_base_path" env:"REMOTE_BASE_PATH" validate:"required"`
	IdentityFile   string `yaml:"identity_file" env:"IDENTITY_FILE" validate:"required"`

	SnapshotDir string `yaml:"snapshot_dir" env:"SNAPSHOT_DIR" validate:"required"`
	DataDir     string `yaml:"data_dir,omitempty" env:"DATA_DIR" default:"data"`

	MonthsToKeep         int `yaml:"months_to_keep,omitempty" env:"MONTHS_TO_KEEP" default:"6" validate:"gte=0"`
	DailyIncrementalDays int `yaml:"daily_incremental_days,omitempty" env:"DAILY_INCREMENTAL_DAYS" default:"30" validate:"gte=0"`
	LocalSnapshotDays    int `yaml:"local_snapshot_days,omitempty" env:"LOCAL_SNAPSHOT_DAYS" default:"7" validate:"gte=0"`
	FullIntervalDays     int `yaml:"full_interval_days,omitempty" env:"FULL_INTERVAL_DAYS" default:"30" validate:"gte=0"`

	// CompressAlgo is validated on load but not passed on to the Run
	// Controller, which writes every archive with zstd whatever its value.
	CompressAlgo  string `yaml:"compress_algo,omitempty" env:"COMPRESS_ALGO" default:"zstd" validate:"oneof=zstd none"`
	CompressLevel int    `yaml:"compress_level,omitempty" env:"COMPRESS_LEVEL" default:"3" validate:"gte=1,lte=9"`

	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds,omitempty" env:"CONNECT_TIMEOUT_SECONDS" default:"30" validate:"gte=1"`

	ScheduleEnabled bool     `yaml:"schedule_enabled,omitempty" env:"SCHEDULE_ENABLED"`
	ScheduleTime    string   `yaml:"schedule_time,omitempty" env:"SCHEDULE_TIME" default:"03:00"`
	ScheduleDays    []string `yaml:"schedule_days,omitempty"`

	LogLevel  string `yaml:"log_level,omitempty" env:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format,omitempty" env:"LOG_FORMAT" default:"console" validate:"oneof=console json"`

	ControlListenAddr string `yaml:"control_listen_addr,omitempty" env:"CONTROL_LISTEN_ADDR" default:"127.0.0.1:8989"`
	MetricsListenAddr string `yaml:"metrics_listen_addr,omitempty" env:"METRICS_LISTEN_ADDR" default:"127.0.0.1:9989"`
}

// Load reads, defaults, env-overrides and validates the config file at
// path, in that order so an env var always wins over a YAML value, which
// in turn always wins over the built-in default.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply config defaults: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := env.Parse(cfg, env.Options{Prefix: "ARKVOLT_"}); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

var validatorInstance = validator.New()

func validate(cfg *Config) error {
	if err := validatorInstance.Struct(cfg); err != nil {
		return err
	}
	for i := range cfg.Subvolumes {
		if err := btrfs.Namecheck(cfg.Subvolumes[i].Name); err != nil {
			return fmt.Errorf("subvolumes[%d]: %w", i, err)
		}
	}
	return nil
}

// KeyfilePath returns the path to the symmetric encryption keyfile under
// DataDir (spec.md §6, "data/backup-encryption.key").
func (c *Config) KeyfilePath() string {
	return c.DataDir + "/backup-encryption.key"
}

// LineageDBPath returns the path to the single-file Lineage Store under
// DataDir (spec.md §6, "a single-file transactional store under data/").
func (c *Config) LineageDBPath() string {
	return c.DataDir + "/lineage.db"
}
