package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tickrelay/config"
	"tickrelay/pkg/kite"
)

// ErrNotFound is returned by LatestTick when no tick is cached for a token.
var ErrNotFound = errors.New("cache: tick not found")

// RedisCache keeps the latest tick per instrument and republishes every frame
// on a pub/sub channel for other processes.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	channel   string
	ttl       time.Duration
}

func NewRedisCache(cfg config.RedisConfig) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisCacheWithClient(client, cfg)
}

func NewRedisCacheWithClient(client *redis.Client, cfg config.RedisConfig) *RedisCache {
	return &RedisCache{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		channel:   cfg.Channel,
		ttl:       cfg.TTL,
	}
}

// SaveTicks stores each tick under its token key and publishes the frame, all
// in one pipeline round trip.
func (r *RedisCache) SaveTicks(ctx context.Context, ticks []kite.Tick) error {
	if len(ticks) == 0 {
		return nil
	}

	frame, err := json.Marshal(ticks)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	pipe := r.client.Pipeline()
	for _, t := range ticks {
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal tick %d: %w", t.Token, err)
		}
		pipe.Set(ctx, r.key(t.Token), b, r.ttl)
	}
	if r.channel != "" {
		pipe.Publish(ctx, r.channel, frame)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func (r *RedisCache) LatestTick(ctx context.Context, token int32) (*kite.Tick, error) {
	b, err := r.client.Get(ctx, r.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var t kite.Tick
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("decode cached tick: %w", err)
	}
	return &t, nil
}

func (r *RedisCache) IsHealthy(ctx context.Context) bool {
	return r.client.Ping(ctx).Err() == nil
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

func (r *RedisCache) key(token int32) string {
	return r.keyPrefix + strconv.FormatInt(int64(token), 10)
}
