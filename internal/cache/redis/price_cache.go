package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// PriceCache serves reference prices for paper fills. Each symbol is a hash
// at "price:{SYMBOL}" with fields "price" (decimal string) and "ts" (Unix
// nanoseconds). Entries older than maxAge are treated as missing.
type PriceCache struct {
	c      *Client
	rdb    *redis.Client
	maxAge time.Duration
}

// NewPriceCache creates a PriceCache backed by the given Client. A maxAge of
// zero disables the staleness check.
func NewPriceCache(c *Client, maxAge time.Duration) *PriceCache {
	return &PriceCache{c: c, rdb: c.rdb, maxAge: maxAge}
}

func (pc *PriceCache) priceKey(symbol string) string {
	return pc.c.key("price", strings.ToUpper(strings.TrimSpace(symbol)))
}

// SetPrice stores the latest price for a symbol.
func (pc *PriceCache) SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error {
	if !price.IsPositive() {
		return fmt.Errorf("redis: set price %s: price must be positive", symbol)
	}
	fields := map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, pc.priceKey(symbol), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", symbol, err)
	}
	return nil
}

// Price implements domain.PriceSource. It returns domain.ErrNotFound when the
// symbol has no entry or the entry is stale.
func (pc *PriceCache) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	vals, err := pc.rdb.HGetAll(ctx, pc.priceKey(symbol)).Result()
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}
	price, _, err := pc.parse(vals)
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}
	return price, nil
}

// Prices fetches several symbols in one pipeline. Missing or stale symbols are
// omitted from the result.
func (pc *PriceCache) Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(symbols))
	for _, s := range symbols {
		cmds[s] = pipe.HGetAll(ctx, pc.priceKey(s))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	for s, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if price, _, err := pc.parse(vals); err == nil {
			out[s] = price
		}
	}
	return out, nil
}

func (pc *PriceCache) parse(vals map[string]string) (decimal.Decimal, time.Time, error) {
	raw, ok := vals["price"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("parse price: %w", err)
	}
	var ts time.Time
	if rawTS, ok := vals["ts"]; ok {
		nanos, err := strconv.ParseInt(rawTS, 10, 64)
		if err != nil {
			return decimal.Zero, time.Time{}, fmt.Errorf("parse ts: %w", err)
		}
		ts = time.Unix(0, nanos)
	}
	if pc.maxAge > 0 && (ts.IsZero() || time.Since(ts) > pc.maxAge) {
		return decimal.Zero, ts, fmt.Errorf("stale price: %w", domain.ErrNotFound)
	}
	return price, ts, nil
}

var _ domain.PriceSource = (*PriceCache)(nil)
