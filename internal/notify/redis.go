// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pdiddy/chapter-engine/internal/logging"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

// Publisher is the subset of *redis.Client used by RedisSink.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisSink publishes events as JSON on a Redis pub/sub channel.
type RedisSink struct {
	pub     Publisher
	channel string
	log     *logging.Logger
	closeFn func() error
}

// NewRedisSink connects to cfg.RedisAddr and verifies the connection.
func NewRedisSink(ctx context.Context, cfg types.NotifyConfig, log *logging.Logger) (*RedisSink, error) {
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("redis sink: no address configured")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	s := NewRedisSinkWith(rdb, cfg.RedisChannel, log)
	s.closeFn = rdb.Close
	return s, nil
}

// NewRedisSinkWith wraps an existing publisher.
func NewRedisSinkWith(pub Publisher, channel string, log *logging.Logger) *RedisSink {
	if channel == "" {
		channel = "chapter-engine:progress"
	}
	return &RedisSink{pub: pub, channel: channel, log: log.OrNop()}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, e Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := s.pub.Publish(ctx, s.channel, raw).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", s.channel, err)
	}
	return nil
}

// Close releases the Redis connection if the sink owns one.
func (s *RedisSink) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}
