// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/browsergrid/browsergrid/internal/log"
)

// RedisBus implements Bus on a Redis server. Non-blocking operations
// share the pooled client; blocking stream reads and list pops take
// their own pooled connection so they cannot starve the rest.
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger

	mu      sync.Mutex
	scripts map[string]*redis.Script
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	URL string // redis:// URL, e.g. redis://localhost:6379/0
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(cfg RedisConfig) (*RedisBus, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.PoolSize = 16
	opts.MinIdleConns = 2

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger := log.WithComponent("bus")
	logger.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("connected to coordination bus")

	return &RedisBus{
		client:  client,
		logger:  logger,
		scripts: make(map[string]*redis.Script),
	}, nil
}

// NewRedisBusFromClient wraps an existing client; used by tests.
func NewRedisBusFromClient(client *redis.Client) *RedisBus {
	return &RedisBus{
		client:  client,
		logger:  zerolog.Nop(),
		scripts: make(map[string]*redis.Script),
	}
}

func (b *RedisBus) Append(ctx context.Context, stream string, maxLen int64, payload []byte) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

func (b *RedisBus) EnsureGroup(ctx context.Context, stream, group string, start StartPosition) error {
	pos := "$"
	if start == StartHead {
		pos = "0"
	}
	err := b.client.XGroupCreateMkStream(ctx, stream, group, pos).Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (b *RedisBus) ReadGroup(ctx context.Context, stream, group, consumer string, batch int64, block time.Duration) ([]Entry, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    batch,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}
	var out []Entry
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, Entry{ID: m.ID, Payload: payloadOf(m)})
		}
	}
	return out, nil
}

func (b *RedisBus) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, batch int64) ([]Entry, error) {
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    batch,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xautoclaim %s/%s: %w", stream, group, err)
	}
	var out []Entry
	for _, m := range msgs {
		out = append(out, Entry{ID: m.ID, Payload: payloadOf(m)})
	}
	return out, nil
}

func (b *RedisBus) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s/%s: %w", stream, group, err)
	}
	return nil
}

func (b *RedisBus) RPush(ctx context.Context, location string, payload []byte) error {
	if err := b.client.RPush(ctx, location, payload).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", location, err)
	}
	return nil
}

func (b *RedisBus) Expire(ctx context.Context, location string, ttl time.Duration) error {
	if err := b.client.Expire(ctx, location, ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", location, err)
	}
	return nil
}

func (b *RedisBus) BLPop(ctx context.Context, location string, timeout time.Duration) ([]byte, error) {
	res, err := b.client.BLPop(ctx, timeout, location).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTimeout
	}
	if err != nil {
		return nil, fmt.Errorf("blpop %s: %w", location, err)
	}
	// res is [key, value]
	return []byte(res[1]), nil
}

func (b *RedisBus) LLen(ctx context.Context, location string) (int64, error) {
	n, err := b.client.LLen(ctx, location).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", location, err)
	}
	return n, nil
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBus) PSubscribe(ctx context.Context, pattern string) (Subscription, error) {
	ps := b.client.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("psubscribe %s: %w", pattern, err)
	}
	sub := &redisSubscription{ps: ps, ch: make(chan Message, 64)}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	ps *redis.PubSub
	ch chan Message
}

func (s *redisSubscription) pump() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		s.ch <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

func (s *redisSubscription) C() <-chan Message { return s.ch }
func (s *redisSubscription) Close() error      { return s.ps.Close() }

func (b *RedisBus) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (b *RedisBus) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

func (b *RedisBus) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func (b *RedisBus) HSet(ctx context.Context, key, field string, value []byte) error {
	if err := b.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("hset %s.%s: %w", key, field, err)
	}
	return nil
}

func (b *RedisBus) HGet(ctx context.Context, key, field string) ([]byte, error) {
	val, err := b.client.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("hget %s.%s: %w", key, field, err)
	}
	return val, nil
}

func (b *RedisBus) Eval(ctx context.Context, script Script, keys []string, args ...any) (any, error) {
	b.mu.Lock()
	s, ok := b.scripts[script.Name]
	if !ok {
		s = redis.NewScript(script.Src)
		b.scripts[script.Name] = s
	}
	b.mu.Unlock()
	res, err := s.Run(ctx, b.client, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eval %s: %w", script.Name, err)
	}
	return res, nil
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

func payloadOf(m redis.XMessage) []byte {
	if v, ok := m.Values["payload"]; ok {
		if s, ok := v.(string); ok {
			return []byte(s)
		}
	}
	return nil
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
