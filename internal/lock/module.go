package lock

import (
	"strings"

	"github.com/rephlo/metering/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

// Module provides the optional redis client and the worker locker. With
// no REDIS_ADDR both are nil and locking degrades to single-instance mode.
var Module = fx.Provide(NewClient, NewLocker)

func NewClient(cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
}
