package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cipherperp/cipherperp/internal/domain"
	"github.com/redis/go-redis/v9"
)

// QuoteCache implements domain.PriceCache using Redis hashes. Each asset's
// latest quote is stored at key "cipherperp:quote:{asset}" with fields
// "price" (scaled integer), "decimals", and "ts" (Unix nanoseconds).
type QuoteCache struct {
	rdb *redis.Client
}

// NewQuoteCache creates a QuoteCache backed by the given Client.
func NewQuoteCache(c *Client) *QuoteCache {
	return &QuoteCache{rdb: c.Underlying()}
}

func quoteKey(asset string) string {
	return keyspace + "quote:" + asset
}

// SetQuote stores the latest quote for an asset.
func (qc *QuoteCache) SetQuote(ctx context.Context, quote domain.PriceQuote) error {
	fields := map[string]interface{}{
		"price":    strconv.FormatUint(quote.Price, 10),
		"decimals": strconv.Itoa(int(quote.Decimals)),
		"ts":       strconv.FormatInt(quote.Timestamp.UnixNano(), 10),
	}
	if err := qc.rdb.HSet(ctx, quoteKey(quote.Asset), fields).Err(); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", quote.Asset, err)
	}
	return nil
}

// GetQuote retrieves the latest quote for an asset. It returns
// domain.ErrNotFound when no quote has been stored.
func (qc *QuoteCache) GetQuote(ctx context.Context, asset string) (domain.PriceQuote, error) {
	vals, err := qc.rdb.HGetAll(ctx, quoteKey(asset)).Result()
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: get quote %s: %w", asset, err)
	}
	if len(vals) == 0 {
		return domain.PriceQuote{}, domain.ErrNotFound
	}
	return parseQuote(asset, vals)
}

// GetQuotes retrieves the latest quotes for multiple assets using a pipeline.
// Assets without a stored quote are omitted from the result map.
func (qc *QuoteCache) GetQuotes(ctx context.Context, assets []string) (map[string]domain.PriceQuote, error) {
	if len(assets) == 0 {
		return map[string]domain.PriceQuote{}, nil
	}

	pipe := qc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(assets))
	for _, asset := range assets {
		cmds[asset] = pipe.HGetAll(ctx, quoteKey(asset))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get quotes pipeline: %w", err)
	}

	result := make(map[string]domain.PriceQuote, len(assets))
	for asset, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		quote, err := parseQuote(asset, vals)
		if err != nil {
			continue
		}
		result[asset] = quote
	}

	return result, nil
}

func parseQuote(asset string, vals map[string]string) (domain.PriceQuote, error) {
	price, err := strconv.ParseUint(vals["price"], 10, 64)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: parse quote price %s: %w", asset, err)
	}
	decimals, err := strconv.ParseUint(vals["decimals"], 10, 8)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: parse quote decimals %s: %w", asset, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: parse quote ts %s: %w", asset, err)
	}

	return domain.PriceQuote{
		Asset:     asset,
		Price:     price,
		Decimals:  uint8(decimals),
		Timestamp: time.Unix(0, tsNano),
	}, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*QuoteCache)(nil)
