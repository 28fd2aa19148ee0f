package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "ach-mock", cfg.Processor.ProviderName)
	assert.Equal(t, 10, cfg.Relay.MaxPublishAttempts)
	assert.Equal(t, 5, cfg.Sweeper.MaxBatchAttempts)
	assert.Equal(t, 3, cfg.Sweeper.MaxPaymentAttempts)
	assert.Equal(t, "payrun-1", cfg.InstanceID)
}

func TestValidateRejectsInvertedRetryWindow(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Relay.RetryBase = time.Minute
	cfg.Relay.RetryMax = time.Second
	assert.ErrorContains(t, cfg.Validate(), "relay.retry_max")

	cfg, err = Load()
	require.NoError(t, err)
	cfg.Sweeper.RetryBase = time.Hour
	cfg.Sweeper.RetryMax = time.Minute
	assert.ErrorContains(t, cfg.Validate(), "sweeper.retry_max")
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Processor.ProviderName = ""
	assert.Error(t, cfg.Validate())
}

func TestConnectionHelpers(t *testing.T) {
	db := DatabaseConfig{Host: "db", Port: 5433, User: "u", Password: "p", Database: "payrun", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=payrun sslmode=disable", db.DSN())

	r := RedisConfig{Host: "cache", Port: 6380}
	assert.Equal(t, "cache:6380", r.Addr())
}
