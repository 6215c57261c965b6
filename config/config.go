package config

import (
	"fmt"
	"time"

	pkgconfig "projectescrow/pkg/config"
)

// EscrowConfig holds the registry rules.
type EscrowConfig struct {
	Admin                   string `yaml:"admin"`
	MaxMilestones           uint   `yaml:"max_milestones"`
	DuplicateIDs            string `yaml:"duplicate_ids"` // overwrite / reject
	GateReleaseOnMilestones bool   `yaml:"gate_release_on_milestones"`
	Storage                 string `yaml:"storage"` // memory / postgres
}

// OutboxConfig tunes the event dispatcher.
type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

type Config struct {
	DB     pkgconfig.DBConfig     `yaml:"db"`
	MQ     pkgconfig.MQConfig     `yaml:"mq"`
	Redis  pkgconfig.RedisConfig  `yaml:"redis"`
	JWT    pkgconfig.JWTConfig    `yaml:"jwt"`
	Server pkgconfig.ServerConfig `yaml:"server"`
	Log    pkgconfig.LogConfig    `yaml:"log"`
	Escrow EscrowConfig           `yaml:"escrow"`
	Outbox OutboxConfig           `yaml:"outbox"`
}

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Load reads the configuration for CONFIG_ENV from CONFIG_DIR (default "config"),
// applies environment overrides and defaults, and validates the result.
func Load() (*Config, error) {
	return LoadFrom(pkgconfig.GetConfigEnv(), pkgconfig.GetEnv("CONFIG_DIR", "config"))
}

func LoadFrom(env, dir string) (*Config, error) {
	var cfg Config
	if err := pkgconfig.Decode(env, dir, &cfg); err != nil {
		return nil, err
	}

	if err := overrideFromEnv(&cfg); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func overrideFromEnv(cfg *Config) error {
	var vars []pkgconfig.EnvVar
	vars = append(vars, cfg.DB.EnvVars()...)
	vars = append(vars, cfg.MQ.EnvVars()...)
	vars = append(vars, cfg.Redis.EnvVars()...)
	vars = append(vars, cfg.JWT.EnvVars()...)
	vars = append(vars, cfg.Server.EnvVars()...)
	vars = append(vars, cfg.Log.EnvVars()...)
	vars = append(vars,
		pkgconfig.String("ESCROW_ADMIN", &cfg.Escrow.Admin),
		pkgconfig.String("ESCROW_STORAGE", &cfg.Escrow.Storage),
		pkgconfig.String("ESCROW_DUPLICATE_IDS", &cfg.Escrow.DuplicateIDs),
		pkgconfig.Uint("ESCROW_MAX_MILESTONES", &cfg.Escrow.MaxMilestones),
		pkgconfig.Bool("ESCROW_GATE_RELEASE", &cfg.Escrow.GateReleaseOnMilestones),
	)
	return pkgconfig.ApplyEnv(vars...)
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8080"
	}
	if cfg.Escrow.Storage == "" {
		cfg.Escrow.Storage = StorageMemory
	}
	if cfg.Escrow.DuplicateIDs == "" {
		cfg.Escrow.DuplicateIDs = "overwrite"
	}
	if cfg.Redis.DedupTTL == 0 {
		cfg.Redis.DedupTTL = 24 * time.Hour
	}
	if cfg.Outbox.Interval == 0 {
		cfg.Outbox.Interval = time.Second
	}
	if cfg.Outbox.BatchSize == 0 {
		cfg.Outbox.BatchSize = 100
	}
	if cfg.Outbox.MaxRetries == 0 {
		cfg.Outbox.MaxRetries = 5
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Escrow.Admin == "" {
		return fmt.Errorf("escrow.admin is required")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	switch c.Escrow.Storage {
	case StorageMemory:
	case StoragePostgres:
		if !c.DB.Enabled() {
			return fmt.Errorf("escrow.storage=postgres requires db.host")
		}
	default:
		return fmt.Errorf("unknown escrow.storage %q", c.Escrow.Storage)
	}
	if c.Escrow.DuplicateIDs != "overwrite" && c.Escrow.DuplicateIDs != "reject" {
		return fmt.Errorf("unknown escrow.duplicate_ids %q", c.Escrow.DuplicateIDs)
	}
	return nil
}
