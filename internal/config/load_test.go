package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.StateStorage.Type)
	assert.Equal(t, 50, cfg.Sync.DefaultBatchSize)
	assert.Equal(t, "queue", cfg.Sync.Chain.Mode)
	assert.Equal(t, 3, cfg.Sync.Chain.Attempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.Chain.GetDebounce())
	assert.Equal(t, []string{"webhook", "csv", "crm"}, cfg.Sources.Staging)
	assert.Equal(t, time.Second, cfg.Workers.GetPollInterval())
	assert.Equal(t, 5, cfg.Workers.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Workers.GetRetryDelay())
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
state_storage:
  type: mysql
  host: db.internal
  database: adminhub
sync:
  default_batch_size: 25
sources:
  providers:
    - name: stripe
      kind: stripe
      base_url: https://api.stripe.test
      page_size: 100
      page_delay: 250ms
      max_pages: 3
`)
	t.Setenv("ADMINHUB_STATE_STORAGE_PASSWORD", "s3cret")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.StateStorage.Type)
	assert.Equal(t, "db.internal", cfg.StateStorage.Host)
	assert.Equal(t, "s3cret", cfg.StateStorage.Password)
	assert.Equal(t, 25, cfg.Sync.DefaultBatchSize)
	require.Len(t, cfg.Sources.Providers, 1)
	assert.Equal(t, 250*time.Millisecond, cfg.Sources.Providers[0].GetPageDelay())
	assert.Equal(t, 3, cfg.Sources.Providers[0].MaxPages)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown storage", "state_storage:\n  type: oracle\n"},
		{"bad chain mode", "sync:\n  chain:\n    mode: carrier-pigeon\n"},
		{"http without self url", "sync:\n  chain:\n    mode: http\n"},
		{"duplicate provider", `
sources:
  providers:
    - {name: csv, kind: stripe, base_url: "http://x"}
`},
		{"unknown kind", `
sources:
  providers:
    - {name: shop, kind: square, base_url: "http://x"}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
