package config

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yeremiapane/receipt-engine/utils"
)

// NewRedisClient connects to Redis, or returns nil when no address is configured.
func NewRedisClient(ctx context.Context, c RedisConfig) (*redis.Client, error) {
	if c.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: 20,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", c.Addr, err)
	}
	utils.InfoLogger.WithField("addr", c.Addr).Info("Redis connected")
	return rdb, nil
}
