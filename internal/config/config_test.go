package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.Scheduler.RetryDelay)
	assert.True(t, cfg.Auth.AllowUserHeader)
	assert.True(t, cfg.Notify.Log)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
scheduler:
  poll_interval: 500ms
log:
  format: json
webhooks:
  - url: https://example.test/hook
    events: [milestone.missed]
`))
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.PollInterval)
	assert.Equal(t, 5, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, "json", cfg.Log.Format)
	require.Len(t, cfg.Webhooks, 1)
	assert.True(t, cfg.Webhooks[0].Active())
	assert.Equal(t, 5*time.Second, cfg.Webhooks[0].Timeout())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad format":     "log:\n  format: xml\n",
		"bad level":      "log:\n  level: loud\n",
		"zero interval":  "scheduler:\n  poll_interval: 0s\n",
		"webhook scheme": "webhooks:\n  - url: ftp://example.test\n",
		"webhook no url": "webhooks:\n  - events: [rule.created]\n",
		"base path":      "server:\n  base_path: v0\n",
		"notify url":     "notify:\n  webhook:\n    url: mailto:x@example.test\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(Path(dir), []byte("server:\n  addr: 0.0.0.0:9000\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
}

func TestWebhookDisabled(t *testing.T) {
	off := false
	assert.False(t, WebhookConfig{URL: "http://x", Enabled: &off}.Active())
	assert.False(t, WebhookConfig{}.Active())
}
