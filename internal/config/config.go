// Package config defines the top-level configuration for the cipherperp
// daemon and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CIPHERPERP_* environment variables.
type Config struct {
	Chain     ChainConfig     `toml:"chain"`
	Contracts ContractsConfig `toml:"contracts"`
	Gateway   GatewayConfig   `toml:"gateway"`
	Wallet    WalletConfig    `toml:"wallet"`
	Trading   TradingConfig   `toml:"trading"`
	Oracle    OracleConfig    `toml:"oracle"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ChainConfig holds RPC endpoint and chain parameters.
type ChainConfig struct {
	RPCURL  string `toml:"rpc_url"`
	ChainID int64  `toml:"chain_id"`
}

// ContractsConfig holds the per-chain deployed contract addresses. Empty
// addresses are tolerated: trading is disabled with an explicit
// contracts-not-deployed status instead of crashing at startup.
type ContractsConfig struct {
	PositionManager string `toml:"position_manager"`
	PriceOracle     string `toml:"price_oracle"`
	PerpetualDEX    string `toml:"perpetual_dex"`
}

// Deployed reports whether the position manager address is configured.
func (c ContractsConfig) Deployed() bool {
	return c.PositionManager != "" && common.IsHexAddress(c.PositionManager)
}

// OracleDeployed reports whether the price oracle address is configured.
func (c ContractsConfig) OracleDeployed() bool {
	return c.PriceOracle != "" && common.IsHexAddress(c.PriceOracle)
}

// GatewayConfig holds the encryption-service gateway endpoint.
type GatewayConfig struct {
	URL string `toml:"url"`
}

// WalletConfig holds trader key credentials. Monitor mode can run
// watch-only with just an Address and no key material.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	Address          string `toml:"address"`
}

// TradingConfig holds leverage bounds, margin ratios, and lifecycle timing.
type TradingConfig struct {
	DefaultAsset            string   `toml:"default_asset"`
	MinLeverage             int      `toml:"min_leverage"`
	MaxLeverage             int      `toml:"max_leverage"`
	DefaultLeverage         int      `toml:"default_leverage"`
	InitialMarginBps        int      `toml:"initial_margin_bps"`
	MaintenanceMarginBps    int      `toml:"maintenance_margin_bps"`
	PriceDecimals           int      `toml:"price_decimals"`
	ConfirmTimeout          duration `toml:"confirm_timeout"`
	ReceiptPollInterval     duration `toml:"receipt_poll_interval"`
	IDRefreshInterval       duration `toml:"id_refresh_interval"`
	SnapshotRefreshInterval duration `toml:"snapshot_refresh_interval"`
}

// OracleConfig holds price feed polling parameters.
type OracleConfig struct {
	Assets          []string `toml:"assets"`
	PollInterval    duration `toml:"poll_interval"`
	FreshnessWindow duration `toml:"freshness_window"`
}

// PostgresConfig holds PostgreSQL connection parameters for the optional
// history and audit stores.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for history
// archival.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	RetentionDays  int    `toml:"retention_days"`
}

// ServerConfig holds the local HTTP/WebSocket API parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials and the event filter.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration so TOML values like "5s" parse directly.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration defaults, tuned for the Zama
// devnet deployment.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:  "https://devnet.zama.ai",
			ChainID: 8009,
		},
		Gateway: GatewayConfig{
			URL: "https://gateway.zama.ai",
		},
		Trading: TradingConfig{
			DefaultAsset:            "BTC/USD",
			MinLeverage:             1,
			MaxLeverage:             10,
			DefaultLeverage:         5,
			InitialMarginBps:        1000,
			MaintenanceMarginBps:    500,
			PriceDecimals:           8,
			ConfirmTimeout:          duration{120 * time.Second},
			ReceiptPollInterval:     duration{2 * time.Second},
			IDRefreshInterval:       duration{10 * time.Second},
			SnapshotRefreshInterval: duration{5 * time.Second},
		},
		Oracle: OracleConfig{
			Assets:          []string{"BTC/USD"},
			PollInterval:    duration{5 * time.Second},
			FreshnessWindow: duration{time.Hour},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "cipherperp",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "cipherperp-history",
			UseSSL:         false,
			ForcePathStyle: true,
			RetentionDays:  90,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000"},
			RateLimit:       120,
			RateLimitWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"liquidation_risk", "trade_succeeded", "trade_reverted", "trade_timed_out"},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
	"archive": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found. Missing contract addresses
// are deliberately not an error: the daemon starts in a degraded
// contracts-not-deployed state so operators can see the status via the API.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor, archive)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, fmt.Sprintf("chain: chain_id must be positive, got %d", c.Chain.ChainID))
	}
	if c.Gateway.URL == "" {
		errs = append(errs, "gateway: url must not be empty")
	}

	// Contract addresses must be valid hex when present. Absence is a
	// degraded state, not an error.
	for name, addr := range map[string]string{
		"position_manager": c.Contracts.PositionManager,
		"price_oracle":     c.Contracts.PriceOracle,
		"perpetual_dex":    c.Contracts.PerpetualDEX,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Sprintf("contracts: %s %q is not a valid address", name, addr))
		}
	}

	// Wallet: trade mode signs transactions and needs a key source.
	// Monitor mode can watch an explicit address without key material.
	if strings.ToLower(c.Mode) == "trade" {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for trade mode")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}
	if strings.ToLower(c.Mode) == "monitor" {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" && c.Wallet.Address == "" {
			errs = append(errs, "wallet: monitor mode needs a key source or a watch-only address")
		}
	}
	if c.Wallet.Address != "" && !common.IsHexAddress(c.Wallet.Address) {
		errs = append(errs, fmt.Sprintf("wallet: address %q is not a valid address", c.Wallet.Address))
	}

	if c.Trading.MinLeverage < 1 {
		errs = append(errs, "trading: min_leverage must be >= 1")
	}
	if c.Trading.MaxLeverage < c.Trading.MinLeverage {
		errs = append(errs, fmt.Sprintf("trading: max_leverage %d must be >= min_leverage %d",
			c.Trading.MaxLeverage, c.Trading.MinLeverage))
	}
	if c.Trading.DefaultLeverage < c.Trading.MinLeverage || c.Trading.DefaultLeverage > c.Trading.MaxLeverage {
		errs = append(errs, fmt.Sprintf("trading: default_leverage %d outside [%d, %d]",
			c.Trading.DefaultLeverage, c.Trading.MinLeverage, c.Trading.MaxLeverage))
	}
	if c.Trading.InitialMarginBps <= 0 || c.Trading.InitialMarginBps > 10_000 {
		errs = append(errs, "trading: initial_margin_bps must be in (0, 10000]")
	}
	if c.Trading.MaintenanceMarginBps <= 0 || c.Trading.MaintenanceMarginBps >= c.Trading.InitialMarginBps {
		errs = append(errs, "trading: maintenance_margin_bps must be positive and below initial_margin_bps")
	}
	if c.Trading.PriceDecimals < 0 || c.Trading.PriceDecimals > 18 {
		errs = append(errs, "trading: price_decimals must be in [0, 18]")
	}
	if c.Trading.ConfirmTimeout.Duration <= 0 {
		errs = append(errs, "trading: confirm_timeout must be positive")
	}
	if c.Trading.ReceiptPollInterval.Duration <= 0 {
		errs = append(errs, "trading: receipt_poll_interval must be positive")
	}

	if len(c.Oracle.Assets) == 0 {
		errs = append(errs, "oracle: at least one asset must be configured")
	}
	if c.Oracle.PollInterval.Duration <= 0 {
		errs = append(errs, "oracle: poll_interval must be positive")
	}
	if c.Oracle.FreshnessWindow.Duration <= 0 {
		errs = append(errs, "oracle: freshness_window must be positive")
	}

	// Postgres is only required for archive mode.
	if strings.ToLower(c.Mode) == "archive" {
		if strings.TrimSpace(c.Postgres.DSN) == "" && c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn) for archive mode")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty for archive mode")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
