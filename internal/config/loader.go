package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies CIPHERPERP_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known CIPHERPERP_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "CIPHERPERP_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "CIPHERPERP_CHAIN_ID")

	// ── Contracts ──
	setStr(&cfg.Contracts.PositionManager, "CIPHERPERP_POSITION_MANAGER_ADDRESS")
	setStr(&cfg.Contracts.PriceOracle, "CIPHERPERP_PRICE_ORACLE_ADDRESS")
	setStr(&cfg.Contracts.PerpetualDEX, "CIPHERPERP_PERPETUAL_DEX_ADDRESS")

	// ── Gateway ──
	setStr(&cfg.Gateway.URL, "CIPHERPERP_GATEWAY_URL")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "CIPHERPERP_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "CIPHERPERP_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "CIPHERPERP_WALLET_KEY_PASSWORD")
	setStr(&cfg.Wallet.Address, "CIPHERPERP_WALLET_ADDRESS")

	// ── Trading ──
	setStr(&cfg.Trading.DefaultAsset, "CIPHERPERP_TRADING_DEFAULT_ASSET")
	setInt(&cfg.Trading.MinLeverage, "CIPHERPERP_TRADING_MIN_LEVERAGE")
	setInt(&cfg.Trading.MaxLeverage, "CIPHERPERP_TRADING_MAX_LEVERAGE")
	setInt(&cfg.Trading.DefaultLeverage, "CIPHERPERP_TRADING_DEFAULT_LEVERAGE")
	setInt(&cfg.Trading.InitialMarginBps, "CIPHERPERP_TRADING_INITIAL_MARGIN_BPS")
	setInt(&cfg.Trading.MaintenanceMarginBps, "CIPHERPERP_TRADING_MAINTENANCE_MARGIN_BPS")
	setInt(&cfg.Trading.PriceDecimals, "CIPHERPERP_TRADING_PRICE_DECIMALS")
	setDuration(&cfg.Trading.ConfirmTimeout, "CIPHERPERP_TRADING_CONFIRM_TIMEOUT")
	setDuration(&cfg.Trading.ReceiptPollInterval, "CIPHERPERP_TRADING_RECEIPT_POLL_INTERVAL")
	setDuration(&cfg.Trading.IDRefreshInterval, "CIPHERPERP_TRADING_ID_REFRESH_INTERVAL")
	setDuration(&cfg.Trading.SnapshotRefreshInterval, "CIPHERPERP_TRADING_SNAPSHOT_REFRESH_INTERVAL")

	// ── Oracle ──
	setStringSlice(&cfg.Oracle.Assets, "CIPHERPERP_ORACLE_ASSETS")
	setDuration(&cfg.Oracle.PollInterval, "CIPHERPERP_ORACLE_POLL_INTERVAL")
	setDuration(&cfg.Oracle.FreshnessWindow, "CIPHERPERP_ORACLE_FRESHNESS_WINDOW")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "CIPHERPERP_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "CIPHERPERP_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "CIPHERPERP_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "CIPHERPERP_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "CIPHERPERP_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "CIPHERPERP_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "CIPHERPERP_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "CIPHERPERP_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "CIPHERPERP_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "CIPHERPERP_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "CIPHERPERP_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CIPHERPERP_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CIPHERPERP_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "CIPHERPERP_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "CIPHERPERP_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "CIPHERPERP_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "CIPHERPERP_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CIPHERPERP_S3_REGION")
	setStr(&cfg.S3.Bucket, "CIPHERPERP_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CIPHERPERP_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CIPHERPERP_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "CIPHERPERP_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "CIPHERPERP_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, "CIPHERPERP_S3_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "CIPHERPERP_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "CIPHERPERP_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "CIPHERPERP_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "CIPHERPERP_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "CIPHERPERP_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "CIPHERPERP_SERVER_RATE_LIMIT_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "CIPHERPERP_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CIPHERPERP_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CIPHERPERP_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CIPHERPERP_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "CIPHERPERP_MODE")
	setStr(&cfg.LogLevel, "CIPHERPERP_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
