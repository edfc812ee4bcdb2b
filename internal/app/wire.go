package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/cipherperp/cipherperp/internal/blob/s3"
	"github.com/cipherperp/cipherperp/internal/cache/redis"
	"github.com/cipherperp/cipherperp/internal/chain"
	"github.com/cipherperp/cipherperp/internal/config"
	"github.com/cipherperp/cipherperp/internal/crypto"
	"github.com/cipherperp/cipherperp/internal/domain"
	"github.com/cipherperp/cipherperp/internal/fhevm"
	"github.com/cipherperp/cipherperp/internal/notify"
	"github.com/cipherperp/cipherperp/internal/oracle"
	"github.com/cipherperp/cipherperp/internal/risk"
	"github.com/cipherperp/cipherperp/internal/store"
	"github.com/cipherperp/cipherperp/internal/store/postgres"
)

// Dependencies bundles everything the application modes need to operate. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Chain access (trade and monitor modes)
	Chain   *chain.Client
	Gateway *fhevm.Client

	// Identity
	Signer crypto.TxSigner // nil in watch-only deployments
	Trader common.Address

	// Local state
	Store     *store.Store
	Refresher *store.Refresher
	RiskCalc  *risk.Calculator
	Oracle    *oracle.Reader

	// Redis
	QuoteCache  domain.PriceCache
	SignalBus   domain.SignalBus
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter

	// Persistence
	HistoryStore domain.PositionHistoryStore
	AuditStore   domain.AuditStore

	// Blob storage (archive mode)
	BlobWriter domain.BlobWriter
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// needsChain reports whether the mode talks to the chain at all.
func needsChain(mode string) bool {
	switch mode {
	case "trade", "monitor":
		return true
	default:
		return false
	}
}

// needsPostgres reports whether the mode requires a database connection.
func needsPostgres(mode string) bool {
	switch mode {
	case "trade", "archive":
		return true
	default:
		return false
	}
}

// needsS3 reports whether the mode requires object storage.
func needsS3(mode string) bool {
	return mode == "archive"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	mode := strings.ToLower(cfg.Mode)

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Wallet ---
	if cfg.Wallet.PrivateKey != "" || cfg.Wallet.EncryptedKeyPath != "" {
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: wallet key: %w", err)
		}
		signer := crypto.NewLocalSigner(key, cfg.Chain.ChainID)
		deps.Signer = signer
		deps.Trader = signer.Address()
	} else if cfg.Wallet.Address != "" {
		deps.Trader = common.HexToAddress(cfg.Wallet.Address)
	}

	// --- Chain client ---
	if needsChain(mode) {
		chainCfg := chain.Config{
			RPCURL:  cfg.Chain.RPCURL,
			ChainID: cfg.Chain.ChainID,
		}
		if cfg.Contracts.Deployed() {
			chainCfg.PositionManager = common.HexToAddress(cfg.Contracts.PositionManager)
		}
		if cfg.Contracts.OracleDeployed() {
			chainCfg.PriceOracle = common.HexToAddress(cfg.Contracts.PriceOracle)
		}
		if common.IsHexAddress(cfg.Contracts.PerpetualDEX) {
			chainCfg.PerpetualDEX = common.HexToAddress(cfg.Contracts.PerpetualDEX)
		}

		chainClient, err := chain.Dial(ctx, chainCfg, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: chain: %w", err)
		}
		closers = append(closers, chainClient.Close)
		deps.Chain = chainClient

		deps.Gateway = fhevm.NewClient(cfg.Gateway.URL, logger)
	}

	// --- Local position store and risk parameters ---
	deps.Store = store.New(logger)
	deps.Store.Bind(deps.Trader, cfg.Chain.ChainID)

	deps.RiskCalc = risk.New(risk.Params{
		InitialMarginRatio:     float64(cfg.Trading.InitialMarginBps) / 10_000,
		MaintenanceMarginRatio: float64(cfg.Trading.MaintenanceMarginBps) / 10_000,
		MinLeverage:            cfg.Trading.MinLeverage,
		MaxLeverage:            cfg.Trading.MaxLeverage,
	})

	// --- Redis (chain-watching modes) ---
	if needsChain(mode) {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.QuoteCache = redis.NewQuoteCache(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)

		deps.Oracle = oracle.NewReader(deps.Chain, deps.QuoteCache, deps.SignalBus, oracle.Config{
			PollInterval:    cfg.Oracle.PollInterval.Duration,
			FreshnessWindow: cfg.Oracle.FreshnessWindow.Duration,
		}, logger)

		deps.Refresher = store.NewRefresher(deps.Store, deps.Chain, store.RefresherConfig{
			IDInterval:       cfg.Trading.IDRefreshInterval.Duration,
			SnapshotInterval: cfg.Trading.SnapshotRefreshInterval.Duration,
			PriceDecimals:    uint8(cfg.Trading.PriceDecimals),
		}, logger)
	}

	// --- PostgreSQL (modes with plaintext history persistence) ---
	if needsPostgres(mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.HistoryStore = postgres.NewHistoryStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- S3 blob storage (archive mode) ---
	if needsS3(mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client)

		// Archive mode always carries Postgres, so the history source is
		// guaranteed here.
		hs, ok := deps.HistoryStore.(s3blob.HistorySource)
		if !ok {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3 archiver requires a postgres history store")
		}
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, hs, deps.AuditStore, true, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
