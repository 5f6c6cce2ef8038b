// Package redisstore provides a sessions.Store backed by Redis so several
// proxy instances can share one view of live sessions.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/zkproxy/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: ZKPROXY_REDIS_ADDR
	RedisAddr string `env:"ZKPROXY_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: ZKPROXY_SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"ZKPROXY_SESSIONS_KEY_PREFIX,default=zkproxy:sessions:"`
	// TTL bounds how long a record outlives a crashed proxy. Zero keeps
	// records until they are deleted. ENV: ZKPROXY_SESSIONS_TTL
	TTL time.Duration `env:"ZKPROXY_SESSIONS_TTL,default=24h"`
}

type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

var _ sessions.Store = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "zkproxy:sessions:"
	}
	return &Store{client: cl, keyPrefix: prefix, ttl: cfg.TTL}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(id int64) string {
	return s.keyPrefix + strconv.FormatUint(uint64(id), 16)
}

func (s *Store) Put(ctx context.Context, rec *sessions.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	return s.client.Set(ctx, s.key(rec.ID), b, s.ttl).Err()
}

func (s *Store) Get(ctx context.Context, id int64) (*sessions.Record, error) {
	b, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sessions.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec sessions.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session record: %w", err)
	}
	return &rec, nil
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

func (s *Store) List(ctx context.Context) ([]*sessions.Record, error) {
	var keys []string
	var cursor uint64
	for {
		batch, cur, err := s.client.Scan(ctx, cursor, s.keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = cur
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*sessions.Record, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Expired between SCAN and MGET.
			continue
		}
		var rec sessions.Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", strings.TrimPrefix(keys[i], s.keyPrefix), err)
		}
		out = append(out, &rec)
	}
	slices.SortFunc(out, func(a, b *sessions.Record) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}
