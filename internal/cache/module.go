package cache

import (
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the effective-price cache, shared over redis when a
// client is configured and per-process otherwise.
var Module = fx.Provide(NewPriceCache)

func NewPriceCache(client *redis.Client, log *zap.Logger) PriceCache {
	if client != nil {
		return NewRedisPriceCache(client, log)
	}
	return NewMemoryPriceCache()
}
