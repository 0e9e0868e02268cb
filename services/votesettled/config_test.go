package votesettled

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

const minimalConfig = `
provider:
  name: MetaMask
  endpoint: http://127.0.0.1:8545
  chain_id: 8453
policy:
  payee: "0x00000000000000000000000000000000000000aa"
auth:
  hmac_secret: voter-secret
admin:
  bearer_token: admin-token
`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	require.Equal(t, ":7090", cfg.ListenAddress)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.NotEmpty(t, cfg.Database.DSN)
	require.Equal(t, DefaultMaxWeight, cfg.Policy.MaxWeight)
	require.Equal(t, DefaultFallbackChunk, cfg.Policy.FallbackChunk)
	require.Equal(t, DefaultPollInterval, cfg.Policy.PollInterval.Duration)
	require.Equal(t, DefaultPollAttempts, cfg.Policy.PollAttempts)
	require.Equal(t, DefaultConfirmTimeout, cfg.Policy.ConfirmTimeout.Duration)
	require.Equal(t, 30.0, cfg.RateLimit.PerMinute)

	policy, err := cfg.EnginePolicy()
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000_000_000_000), policy.UnitPrice.Uint64())
	require.Equal(t, "0x00000000000000000000000000000000000000aa", policy.Payee)

	require.Equal(t, slog.LevelInfo, cfg.LoggingOptions().Level)
}

func TestLoadConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "admin.token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("file-token\n"), 0o600))
	t.Setenv("VOTESETTLE_TEST_SECRET", "from-env")

	cfg, err := LoadConfig(writeConfig(t, `
listen: ":9000"
provider:
  endpoint: " http://wallet:8545 "
  chain_id: 1
policy:
  payee: "0x00000000000000000000000000000000000000bb"
  poll_interval: 500ms
  confirm_timeout: 1m
  unit_price: "42"
auth:
  hmac_secret_env: VOTESETTLE_TEST_SECRET
admin:
  bearer_token_file: `+tokenPath+`
log:
  level: debug
`))
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, "http://wallet:8545", cfg.Provider.Endpoint)
	require.Equal(t, 500*time.Millisecond, cfg.Policy.PollInterval.Duration)
	require.Equal(t, time.Minute, cfg.Policy.ConfirmTimeout.Duration)
	require.Equal(t, "from-env", cfg.Auth.HMACSecret)
	require.Equal(t, "file-token", cfg.Admin.BearerToken)

	policy, err := cfg.EnginePolicy()
	require.NoError(t, err)
	require.Equal(t, uint64(42), policy.UnitPrice.Uint64())
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"provider endpoint": `
provider:
  chain_id: 1
policy:
  payee: "0x00000000000000000000000000000000000000aa"
auth:
  hmac_secret: s
admin:
  bearer_token: t
`,
		"chain_id": `
provider:
  endpoint: http://wallet
policy:
  payee: "0x00000000000000000000000000000000000000aa"
auth:
  hmac_secret: s
admin:
  bearer_token: t
`,
		"payee": `
provider:
  endpoint: http://wallet
  chain_id: 1
auth:
  hmac_secret: s
admin:
  bearer_token: t
`,
		"not a hex address": `
provider:
  endpoint: http://wallet
  chain_id: 1
policy:
  payee: "not-an-address"
auth:
  hmac_secret: s
admin:
  bearer_token: t
`,
		"unit_price": `
provider:
  endpoint: http://wallet
  chain_id: 1
policy:
  payee: "0x00000000000000000000000000000000000000aa"
  unit_price: "0"
auth:
  hmac_secret: s
admin:
  bearer_token: t
`,
		"hmac_secret": `
provider:
  endpoint: http://wallet
  chain_id: 1
policy:
  payee: "0x00000000000000000000000000000000000000aa"
admin:
  bearer_token: t
`,
		"bearer_token": `
provider:
  endpoint: http://wallet
  chain_id: 1
policy:
  payee: "0x00000000000000000000000000000000000000aa"
auth:
  hmac_secret: s
`,
	}
	for want, contents := range cases {
		_, err := LoadConfig(writeConfig(t, contents))
		require.ErrorContains(t, err, want)
	}
}

func TestDurationRejectsInvalidValues(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
ledger:
  poll_interval: soon
`))
	require.ErrorContains(t, err, "parse duration")
}
