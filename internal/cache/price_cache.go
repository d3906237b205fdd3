package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	pricingdomain "github.com/rephlo/metering/internal/pricing/domain"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PriceCache stores resolved effective prices. Entries expire by TTL and are
// invalidated explicitly when a new price is recorded; the cache is passed to
// callers rather than held as ambient state.
type PriceCache interface {
	Get(ctx context.Context, providerID snowflake.ID, modelName string) (*pricingdomain.PriceQuote, bool)
	Set(ctx context.Context, providerID snowflake.ID, modelName string, quote *pricingdomain.PriceQuote, ttl time.Duration)
	Invalidate(ctx context.Context, providerID snowflake.ID, modelName string)
}

type memoryPriceCache struct {
	quotes Cache[string, *pricingdomain.PriceQuote]
}

// NewMemoryPriceCache returns an in-process price cache. Suitable for a
// single instance; multi-instance deployments use the redis variant so
// invalidation reaches every node.
func NewMemoryPriceCache() PriceCache {
	return &memoryPriceCache{quotes: NewTTLCache[string, *pricingdomain.PriceQuote]()}
}

func (c *memoryPriceCache) Get(_ context.Context, providerID snowflake.ID, modelName string) (*pricingdomain.PriceQuote, bool) {
	return c.quotes.Get(priceKey(providerID, modelName))
}

func (c *memoryPriceCache) Set(_ context.Context, providerID snowflake.ID, modelName string, quote *pricingdomain.PriceQuote, ttl time.Duration) {
	if quote == nil {
		return
	}
	c.quotes.Set(priceKey(providerID, modelName), quote, ttl)
}

func (c *memoryPriceCache) Invalidate(_ context.Context, providerID snowflake.ID, modelName string) {
	c.quotes.Delete(priceKey(providerID, modelName))
}

type redisPriceCache struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedisPriceCache returns a shared price cache. Cache errors degrade to
// misses; the database remains the source of truth.
func NewRedisPriceCache(client *redis.Client, log *zap.Logger) PriceCache {
	return &redisPriceCache{client: client, log: log.Named("cache.price")}
}

func (c *redisPriceCache) Get(ctx context.Context, providerID snowflake.ID, modelName string) (*pricingdomain.PriceQuote, bool) {
	raw, err := c.client.Get(ctx, priceKey(providerID, modelName)).Bytes()
	if err != nil {
		return nil, false
	}
	var quote pricingdomain.PriceQuote
	if err := json.Unmarshal(raw, &quote); err != nil {
		c.log.Warn("discarding undecodable price cache entry", zap.Error(err))
		return nil, false
	}
	return &quote, true
}

func (c *redisPriceCache) Set(ctx context.Context, providerID snowflake.ID, modelName string, quote *pricingdomain.PriceQuote, ttl time.Duration) {
	if quote == nil || ttl <= 0 {
		return
	}
	raw, err := json.Marshal(quote)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, priceKey(providerID, modelName), raw, ttl).Err(); err != nil {
		c.log.Warn("price cache set failed", zap.Error(err))
	}
}

func (c *redisPriceCache) Invalidate(ctx context.Context, providerID snowflake.ID, modelName string) {
	if err := c.client.Del(ctx, priceKey(providerID, modelName)).Err(); err != nil {
		c.log.Warn("price cache invalidation failed", zap.Error(err))
	}
}

func priceKey(providerID snowflake.ID, modelName string) string {
	return "price|" + providerID.String() + "|" + strings.ToLower(strings.TrimSpace(modelName))
}
