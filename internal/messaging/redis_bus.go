package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamClient is the minimal go-redis surface used by StreamBus.
type StreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
}

// StreamBusConfig tunes the Redis Streams transport.
type StreamBusConfig struct {
	Group         string
	Consumer      string
	MaxLen        int64
	Block         time.Duration
	BatchSize     int64
	ReclaimIdle   time.Duration
	MaxDeliveries int64
}

// StreamBus is a Bus and Subscriber over Redis Streams. Each topic is one
// stream; consumers join a group and ack after handling, so delivery is at
// least once. A message claimed more than MaxDeliveries times is moved to
// the topic's dead-letter stream and acked.
type StreamBus struct {
	client        StreamClient
	group         string
	consumer      string
	maxLen        int64
	block         time.Duration
	batchSize     int64
	reclaimIdle   time.Duration
	maxDeliveries int64
	log           *slog.Logger
}

// NewStreamBus constructs a StreamBus with defaults filled in.
func NewStreamBus(client StreamClient, cfg StreamBusConfig, log *slog.Logger) *StreamBus {
	if cfg.Group == "" {
		cfg.Group = "caravel"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.ReclaimIdle <= 0 {
		cfg.ReclaimIdle = 30 * time.Second
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if log == nil {
		log = slog.Default()
	}
	return &StreamBus{
		client:        client,
		group:         cfg.Group,
		consumer:      cfg.Consumer,
		maxLen:        cfg.MaxLen,
		block:         cfg.Block,
		batchSize:     cfg.BatchSize,
		reclaimIdle:   cfg.ReclaimIdle,
		maxDeliveries: cfg.MaxDeliveries,
		log:           log,
	}
}

// DeadLetterTopic names the stream that over-delivered messages land on.
func DeadLetterTopic(topic string) string {
	return topic + ".dead"
}

// Publish appends the message to the topic's stream, keyed so consumers can
// partition on aggregate identity.
func (b *StreamBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{
			"key":     key,
			"payload": string(payload),
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", topic, err)
	}
	return nil
}

// Subscribe consumes the topic in the bus's consumer group until the context
// ends. Messages are acked only after fn returns nil; failed or abandoned
// messages stay pending and are reclaimed after ReclaimIdle.
func (b *StreamBus) Subscribe(ctx context.Context, topic string, fn HandlerFunc) error {
	if err := b.ensureGroup(ctx, topic); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := b.reclaimPending(ctx, topic, fn); err != nil && ctx.Err() == nil {
			b.log.Warn("reclaim pending failed", "topic", topic, "error", err)
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{topic, ">"},
			Count:    b.batchSize,
			Block:    b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xreadgroup %s: %w", topic, err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.dispatch(ctx, topic, msg, fn)
			}
		}
	}
}

func (b *StreamBus) ensureGroup(ctx context.Context, topic string) error {
	err := b.client.XGroupCreateMkStream(ctx, topic, b.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", b.group, topic, err)
	}
	return nil
}

// reclaimPending re-handles messages another consumer claimed but never
// acked, and dead-letters anything past the delivery ceiling.
func (b *StreamBus) reclaimPending(ctx context.Context, topic string, fn HandlerFunc) error {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: topic,
		Group:  b.group,
		Idle:   b.reclaimIdle,
		Start:  "-",
		End:    "+",
		Count:  b.batchSize,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	for _, entry := range pending {
		claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   topic,
			Group:    b.group,
			Consumer: b.consumer,
			MinIdle:  b.reclaimIdle,
			Messages: []string{entry.ID},
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		for _, msg := range claimed {
			if entry.RetryCount >= b.maxDeliveries {
				if err := b.deadLetter(ctx, topic, msg); err != nil {
					return err
				}
				continue
			}
			b.dispatch(ctx, topic, msg, fn)
		}
	}
	return nil
}

func (b *StreamBus) deadLetter(ctx context.Context, topic string, msg redis.XMessage) error {
	values := map[string]any{"origin": topic, "id": msg.ID}
	for k, v := range msg.Values {
		values[k] = v
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterTopic(topic),
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("dead-letter %s: %w", msg.ID, err)
	}
	if err := b.client.XAck(ctx, topic, b.group, msg.ID).Err(); err != nil {
		return err
	}
	b.log.Warn("message moved to dead-letter stream", "topic", topic, "id", msg.ID)
	return nil
}

func (b *StreamBus) dispatch(ctx context.Context, topic string, msg redis.XMessage, fn HandlerFunc) {
	key, _ := msg.Values["key"].(string)
	payload, _ := msg.Values["payload"].(string)

	if err := fn(ctx, key, []byte(payload)); err != nil {
		// No ack: the message stays pending and is redelivered.
		b.log.Error("message handling failed", "topic", topic, "id", msg.ID, "error", err)
		return
	}
	if err := b.client.XAck(ctx, topic, b.group, msg.ID).Err(); err != nil {
		b.log.Warn("ack failed", "topic", topic, "id", msg.ID, "error", err)
	}
}
