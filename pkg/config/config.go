package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// DBConfig is the Postgres connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	// SlowQueryThreshold logs queries slower than this; zero means 100ms.
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`
}

// Enabled reports whether a database was configured.
func (c DBConfig) Enabled() bool {
	return c.Host != ""
}

func (c *DBConfig) EnvVars() []EnvVar {
	return []EnvVar{
		String("DB_HOST", &c.Host),
		Int("DB_PORT", &c.Port),
		String("DB_USER", &c.User),
		String("DB_PASSWORD", &c.Password),
		String("DB_NAME", &c.Name),
		Duration("DB_SLOW_QUERY_THRESHOLD", &c.SlowQueryThreshold),
	}
}

// MQConfig is the RabbitMQ connection. An empty URL disables messaging.
type MQConfig struct {
	URL string `yaml:"url"`
}

func (c *MQConfig) EnvVars() []EnvVar {
	return []EnvVar{String("MQ_URL", &c.URL)}
}

// RedisConfig is the Redis connection. An empty Addr disables idempotency checks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// DedupTTL is how long an idempotency key is remembered.
	DedupTTL time.Duration `yaml:"dedup_ttl"`
}

func (c *RedisConfig) EnvVars() []EnvVar {
	return []EnvVar{
		String("REDIS_ADDR", &c.Addr),
		String("REDIS_PASSWORD", &c.Password),
		Int("REDIS_DB", &c.DB),
		Duration("REDIS_DEDUP_TTL", &c.DedupTTL),
	}
}

// JWTConfig verifies caller bearer tokens.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

func (c *JWTConfig) EnvVars() []EnvVar {
	return []EnvVar{String("JWT_SECRET", &c.Secret)}
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

func (c *ServerConfig) EnvVars() []EnvVar {
	return []EnvVar{String("SERVER_PORT", &c.Port)}
}

// LogConfig selects the zap level.
type LogConfig struct {
	Level string `yaml:"level"`
}

func (c *LogConfig) EnvVars() []EnvVar {
	return []EnvVar{String("LOG_LEVEL", &c.Level)}
}

// EnvVar binds one environment variable to a config field.
type EnvVar struct {
	Name string
	set  func(raw string) error
}

func String(name string, dst *string) EnvVar {
	return EnvVar{Name: name, set: func(raw string) error {
		*dst = raw
		return nil
	}}
}

func Int(name string, dst *int) EnvVar {
	return EnvVar{Name: name, set: func(raw string) error {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}}
}

func Uint(name string, dst *uint) EnvVar {
	return EnvVar{Name: name, set: func(raw string) error {
		v, err := strconv.ParseUint(raw, 10, strconv.IntSize)
		if err != nil {
			return err
		}
		*dst = uint(v)
		return nil
	}}
}

func Bool(name string, dst *bool) EnvVar {
	return EnvVar{Name: name, set: func(raw string) error {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}}
}

// Duration accepts time.ParseDuration syntax, e.g. "250ms" or "24h".
func Duration(name string, dst *time.Duration) EnvVar {
	return EnvVar{Name: name, set: func(raw string) error {
		v, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}}
}

// ApplyEnv overrides each bound field whose variable is set and non-empty.
// Every malformed value is reported; well-formed ones are applied regardless.
func ApplyEnv(vars ...EnvVar) error {
	var errs []error
	for _, v := range vars {
		raw := os.Getenv(v.Name)
		if raw == "" {
			continue
		}
		if err := v.set(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", v.Name, raw, err))
		}
	}
	return errors.Join(errs...)
}
