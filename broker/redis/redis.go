// Package redis provides a Redis Streams implementation of broker.Broker so
// trace events from several proxy instances can be read from one place.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/zkproxy/broker"
	"github.com/redis/go-redis/v9"
)

type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a client for localhost:6379
	// is created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all keys. Defaults to "zkproxy:broker:".
	KeyPrefix string
	// MaxLen caps each stream approximately. Zero means 10000.
	MaxLen int64
}

var _ broker.Broker = (*Broker)(nil)

func New(config Config) *Broker {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "zkproxy:broker:"
	}
	maxLen := config.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}

	return &Broker{
		client:    client,
		keyPrefix: keyPrefix,
		maxLen:    maxLen,
	}
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

func (b *Broker) Publish(ctx context.Context, namespace string, data []byte) (string, error) {
	streamKey := b.streamKey(namespace)

	eventID, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{
			"data": data,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream %s: %w", streamKey, err)
	}

	return eventID, nil
}

func (b *Broker) Subscribe(ctx context.Context, namespace string, lastEventID string, handler broker.MessageHandler) error {
	streamKey := b.streamKey(namespace)

	startID := lastEventID
	if startID == "" {
		// Pin "$" to a concrete id so events published between reads are
		// not skipped.
		last, err := b.client.XRevRangeN(ctx, streamKey, "+", "-", 1).Result()
		if err != nil {
			return fmt.Errorf("failed to read stream tail %s: %w", streamKey, err)
		}
		startID = "0-0"
		if len(last) > 0 {
			startID = last[0].ID
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey, startID},
			Count:   100,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from stream %s: %w", streamKey, err)
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				startID = message.ID
				data, ok := message.Values["data"].(string)
				if !ok {
					continue
				}
				envelope := broker.MessageEnvelope{
					ID:   message.ID,
					Data: []byte(data),
				}
				if err := handler(ctx, envelope); err != nil {
					return err
				}
			}
		}
	}
}

func (b *Broker) Cleanup(ctx context.Context, namespace string) error {
	streamKey := b.streamKey(namespace)

	if err := b.client.Del(ctx, streamKey).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to cleanup namespace %s: %w", namespace, err)
	}
	return nil
}

func (b *Broker) streamKey(namespace string) string {
	return b.keyPrefix + "stream:" + namespace
}
