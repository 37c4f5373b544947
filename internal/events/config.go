package events

import (
	"fmt"
	"time"
)

const defaultPublishTimeout = 5 * time.Second

// Config captures the runtime parameters for the NATS publisher.
type Config struct {
	URL            string        `mapstructure:"url"`
	Stream         string        `mapstructure:"stream"` // JetStream stream; empty publishes on core NATS
	SubjectRoot    string        `mapstructure:"subject_root"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// DefaultConfig initialises Config with defaults for optional fields.
func DefaultConfig() Config {
	return Config{
		SubjectRoot:    "unstake",
		PublishTimeout: defaultPublishTimeout,
	}
}

// Validate ensures required fields are populated and durations are sane.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("NATS URL is required")
	}
	if c.SubjectRoot == "" {
		return fmt.Errorf("subject root cannot be empty")
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("publish timeout must be positive")
	}
	return nil
}

// UnstakeSubject is where unstake events for a pool are published.
func (c Config) UnstakeSubject(poolID string) string {
	return c.SubjectRoot + ".unstake." + poolID
}

// PoolSubject is where pool snapshots are published.
func (c Config) PoolSubject(poolID string) string {
	return c.SubjectRoot + ".pool." + poolID
}
