// Package config loads server settings from a config file, UNSTAKE_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/atmx/unstake-engine/internal/events"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	Addr     string
	LogLevel string

	DatabaseURL string // empty selects the in-memory store
	RedisURL    string // optional read-through cache in front of Postgres
	CacheTTL    time.Duration

	NATSURL            string // empty disables event publishing
	NATSStream         string
	NATSSubjectRoot    string
	NATSPublishTimeout time.Duration

	RecordRent       uint64 // lamports charged per stake account record
	CrankInterval    time.Duration
	CrankConcurrency int
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("UNSTAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	defaults := events.DefaultConfig()
	v.SetDefault("addr", ":8080")
	v.SetDefault("log-level", "info")
	v.SetDefault("cache-ttl", 30*time.Second)
	v.SetDefault("nats-subject-root", defaults.SubjectRoot)
	v.SetDefault("nats-publish-timeout", defaults.PublishTimeout)
	v.SetDefault("record-rent", uint64(0))
	v.SetDefault("crank-interval", 30*time.Second)
	v.SetDefault("crank-concurrency", 4)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		Addr:               v.GetString("addr"),
		LogLevel:           v.GetString("log-level"),
		DatabaseURL:        v.GetString("database-url"),
		RedisURL:           v.GetString("redis-url"),
		CacheTTL:           v.GetDuration("cache-ttl"),
		NATSURL:            v.GetString("nats-url"),
		NATSStream:         v.GetString("nats-stream"),
		NATSSubjectRoot:    v.GetString("nats-subject-root"),
		NATSPublishTimeout: v.GetDuration("nats-publish-timeout"),
		RecordRent:         v.GetUint64("record-rent"),
		CrankInterval:      v.GetDuration("crank-interval"),
		CrankConcurrency:   v.GetInt("crank-concurrency"),
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.RedisURL != "" && c.DatabaseURL == "" {
		return errors.New("redis-url requires database-url")
	}
	if c.CrankInterval < 0 {
		return errors.New("crank-interval must not be negative")
	}
	if c.CrankConcurrency < 1 {
		return errors.New("crank-concurrency must be at least 1")
	}
	return nil
}

// Events returns the publisher settings.
func (c Config) Events() events.Config {
	return events.Config{
		URL:            c.NATSURL,
		Stream:         c.NATSStream,
		SubjectRoot:    c.NATSSubjectRoot,
		PublishTimeout: c.NATSPublishTimeout,
	}
}
