package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, "unstake", cfg.NATSSubjectRoot)
	assert.Equal(t, 4, cfg.CrankConcurrency)
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unstake.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":9000\"\nrecord-rent: 2000\ncrank-interval: 1m\n"), 0o600))

	t.Setenv("UNSTAKE_RECORD_RENT", "3000")
	t.Setenv("UNSTAKE_NATS_URL", "nats://localhost:4222")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("addr", ":8080", "")
	require.NoError(t, flags.Parse([]string{"--addr=:7000"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Addr)             // flag beats file
	assert.Equal(t, uint64(3000), cfg.RecordRent)   // env beats file
	assert.Equal(t, time.Minute, cfg.CrankInterval) // file beats default

	ev := cfg.Events()
	assert.Equal(t, "nats://localhost:4222", ev.URL)
	assert.NoError(t, ev.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Config{Addr: ":8080", CrankConcurrency: 1}
	assert.NoError(t, cfg.Validate())

	cfg.RedisURL = "redis://localhost:6379"
	assert.Error(t, cfg.Validate())

	cfg = Config{Addr: ":8080"}
	assert.Error(t, cfg.Validate())
}
