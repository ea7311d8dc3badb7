package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NOTIFY_BATCH_SIZE", "")
	t.Setenv("WHATSAPP_SKIP", "")
	cfg := Load()
	assert.Equal(t, 10, cfg.NotifyBatchSize)
	assert.True(t, cfg.WhatsAppSkip)
	assert.Equal(t, 10*time.Second, cfg.QueryTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("NOTIFY_BATCH_SIZE", "25")
	t.Setenv("NOTIFY_BATCH_DELAY", "500ms")
	t.Setenv("WHATSAPP_SKIP", "false")
	t.Setenv("QUERY_TIMEOUT", "not-a-duration")
	t.Setenv("RATE_LIMIT_PER_MIN", "abc")

	cfg := Load()
	assert.True(t, cfg.Production())
	assert.Equal(t, 25, cfg.NotifyBatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.NotifyBatchDelay)
	assert.False(t, cfg.WhatsAppSkip)
	assert.Equal(t, 10*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 120, cfg.RateLimitPerMin)
}
