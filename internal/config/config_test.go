package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

func validTradeConfig() Config {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = testKey
	return cfg
}

func TestDefaultsValidateForTradeMode(t *testing.T) {
	cfg := validTradeConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "trade", cfg.Mode)
	assert.Equal(t, int64(8009), cfg.Chain.ChainID)
	assert.Equal(t, 8, cfg.Trading.PriceDecimals)
	assert.Equal(t, 120*time.Second, cfg.Trading.ConfirmTimeout.Duration)
	assert.Equal(t, 120, cfg.Server.RateLimit)
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := validTradeConfig()
	cfg.Mode = "yolo"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := validTradeConfig()
	cfg.LogLevel = "verbose"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log_level")
}

func TestValidateTradeModeNeedsKeySource(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private_key or encrypted_key_path")

	// Encrypted keystore without a password is also rejected.
	cfg.Wallet.EncryptedKeyPath = "/tmp/key.json"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key_password")
}

func TestValidateMonitorModeAcceptsWatchOnlyAddress(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "monitor"

	err := cfg.Validate()
	require.Error(t, err, "monitor mode without key or address")

	cfg.Wallet.Address = "0x1111111111111111111111111111111111111111"
	assert.NoError(t, cfg.Validate())

	cfg.Wallet.Address = "not-an-address"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid address")
}

func TestValidateArchiveModeNeedsPostgresAndBucket(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "archive"
	cfg.Postgres.Host = ""
	cfg.S3.Bucket = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: host")
	assert.Contains(t, err.Error(), "s3: bucket")

	cfg.Postgres.DSN = "postgres://u:p@localhost/cipherperp"
	cfg.S3.Bucket = "history"
	assert.NoError(t, cfg.Validate())
}

func TestValidateTradingBounds(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"min leverage zero", func(c *Config) { c.Trading.MinLeverage = 0 }, "min_leverage"},
		{"max below min", func(c *Config) { c.Trading.MaxLeverage = 0 }, "max_leverage"},
		{"default outside range", func(c *Config) { c.Trading.DefaultLeverage = 50 }, "default_leverage"},
		{"initial margin zero", func(c *Config) { c.Trading.InitialMarginBps = 0 }, "initial_margin_bps"},
		{"maintenance above initial", func(c *Config) { c.Trading.MaintenanceMarginBps = 2000 }, "maintenance_margin_bps"},
		{"price decimals too large", func(c *Config) { c.Trading.PriceDecimals = 19 }, "price_decimals"},
		{"confirm timeout zero", func(c *Config) { c.Trading.ConfirmTimeout = duration{} }, "confirm_timeout"},
		{"no oracle assets", func(c *Config) { c.Oracle.Assets = nil }, "at least one asset"},
		{"bad server port", func(c *Config) { c.Server.Port = 70000 }, "port"},
		{"bad contract address", func(c *Config) { c.Contracts.PositionManager = "0x123" }, "not a valid address"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validTradeConfig()
			tc.mut(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestMissingContractsAreDegradedNotInvalid(t *testing.T) {
	cfg := validTradeConfig()
	cfg.Contracts = ContractsConfig{}
	assert.NoError(t, cfg.Validate())
	assert.False(t, cfg.Contracts.Deployed())
	assert.False(t, cfg.Contracts.OracleDeployed())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "monitor"
log_level = "debug"

[wallet]
address = "0x1111111111111111111111111111111111111111"

[trading]
max_leverage = 20
confirm_timeout = "90s"

[server]
enabled = false
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 20, cfg.Trading.MaxLeverage)
	assert.Equal(t, 90*time.Second, cfg.Trading.ConfirmTimeout.Duration)
	assert.False(t, cfg.Server.Enabled)

	// Untouched sections keep their defaults.
	assert.Equal(t, "https://devnet.zama.ai", cfg.Chain.RPCURL)
	assert.Equal(t, 1, cfg.Trading.MinLeverage)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`mode = "trade"`), 0o600))

	t.Setenv("CIPHERPERP_CHAIN_RPC_URL", "https://rpc.example.test")
	t.Setenv("CIPHERPERP_WALLET_PRIVATE_KEY", testKey)
	t.Setenv("CIPHERPERP_TRADING_PRICE_DECIMALS", "6")
	t.Setenv("CIPHERPERP_SERVER_RATE_LIMIT", "10")
	t.Setenv("CIPHERPERP_SERVER_RATE_LIMIT_WINDOW", "30s")
	t.Setenv("CIPHERPERP_ORACLE_ASSETS", "BTC/USD, ETH/USD")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://rpc.example.test", cfg.Chain.RPCURL)
	assert.Equal(t, testKey, cfg.Wallet.PrivateKey)
	assert.Equal(t, 6, cfg.Trading.PriceDecimals)
	assert.Equal(t, 10, cfg.Server.RateLimit)
	assert.Equal(t, 30*time.Second, cfg.Server.RateLimitWindow.Duration)
	assert.Equal(t, []string{"BTC/USD", "ETH/USD"}, cfg.Oracle.Assets)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
