package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 50, cfg.MaxConcurrentTasksGlobal)
	assert.Equal(t, 5, cfg.MaxConcurrentTasksUser)
	assert.Equal(t, 600*time.Second, cfg.VisibilityTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.True(t, cfg.IsDev())
}

func TestDefaultDepthEstimates(t *testing.T) {
	estimates := DefaultDepthEstimates(5 * time.Minute)
	assert.Equal(t, 60*time.Second, estimates[domain.DepthQuick].EstimatedTotal)
	assert.Equal(t, 300*time.Second, estimates[domain.DepthStandard].EstimatedTotal)
	assert.Equal(t, 10*time.Minute, estimates[domain.DepthStandard].WallClockT)
	assert.Equal(t, 30*time.Minute, estimates[domain.DepthComprehensive].WallClockT)
	assert.Equal(t, 5*time.Minute, estimates[domain.DepthQuick].WallClockT)
}

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, ParseOrigins("https://a.example, https://b.example"))
}

func TestRetryPolicy(t *testing.T) {
	cfg := Config{MaxRetries: 3, BackoffBase: 10 * time.Second, BackoffCap: 5 * time.Minute}
	p := cfg.RetryPolicy()
	assert.Equal(t, 10*time.Second, p.BackoffFor(1))
	assert.Equal(t, 20*time.Second, p.BackoffFor(2))
}
