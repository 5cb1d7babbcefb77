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

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
  dsn: ":memory:"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
	assert.Equal(t, "paper", cfg.Exchange.Mode)
	assert.Equal(t, "https://fapi.binance.com", cfg.Exchange.BaseURL)
	assert.Equal(t, 20, cfg.Runner.MaxConcurrent)
	assert.Equal(t, 5*time.Second, cfg.Runner.LoopInterval)
	assert.Equal(t, 10*time.Minute, cfg.Execution.IdempotencyTTL)
	assert.Equal(t, 3, cfg.Execution.MaxAttempts)
	assert.Equal(t, 5, cfg.Execution.VerifyAttempts)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
database:
  driver: postgres
  dsn: "host=localhost user=engine dbname=engine"
exchange:
  mode: live
  api_key: key
  api_secret: secret
runner:
  max_concurrent: 4
  loop_interval: 1s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "live", cfg.Exchange.Mode)
	assert.Equal(t, 4, cfg.Runner.MaxConcurrent)
	assert.Equal(t, time.Second, cfg.Runner.LoopInterval)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TRADEFORGE_LOG_LEVEL", "warn")
	t.Setenv("TRADEFORGE_DATABASE_DSN", ":memory:")
	path := writeConfig(t, `
database:
  driver: sqlite
  dsn: "overridden.db"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, ":memory:", cfg.Database.DSN)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing dsn", `
database:
  driver: sqlite
`},
		{"unknown driver", `
database:
  driver: oracle
  dsn: x
`},
		{"unknown exchange mode", `
database:
  driver: sqlite
  dsn: ":memory:"
exchange:
  mode: dryrun
`},
		{"live without keys", `
database:
  driver: sqlite
  dsn: ":memory:"
exchange:
  mode: live
`},
		{"zero concurrency", `
database:
  driver: sqlite
  dsn: ":memory:"
runner:
  max_concurrent: -1
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}
