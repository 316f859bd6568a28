// Package bus is the Redis Streams transport shared by all services. Every
// cross-service message travels as an envelope in a stream entry; consumer
// groups give at-least-once delivery, so consumers stay idempotent.
package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/divbot/internal/events"
)

const (
	maxStreamLen  = 100_000
	readBlock     = 5 * time.Second
	readBatch     = 16
	claimMinIdle  = 60 * time.Second
	claimInterval = 30 * time.Second
)

// Handler processes one decoded envelope. Returning an error leaves the
// message pending for redelivery; returning nil acknowledges it.
type Handler func(ctx context.Context, env *events.Envelope, payloadType string) error

type Broker struct {
	rdb *redis.Client
}

// NewBroker connects to Redis at url (redis://... or host:port).
func NewBroker(url string) (*Broker, error) {
	var opts *redis.Options
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		var err error
		opts, err = redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
	} else {
		opts = &redis.Options{Addr: url}
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info().Str("addr", opts.Addr).Msg("Redis connected")
	return &Broker{rdb: rdb}, nil
}

// Client exposes the raw handle for lock and admin operations.
func (b *Broker) Client() *redis.Client {
	return b.rdb
}

func (b *Broker) Close() error {
	return b.rdb.Close()
}

// Publish appends an envelope to stream and returns the stream entry id.
func (b *Broker) Publish(ctx context.Context, stream, payloadType string, env *events.Envelope) (string, error) {
	fields, err := env.Encode(payloadType)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group from the stream head, tolerating the
// group already existing.
func (b *Broker) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

// EnsureStreams creates all well-known streams up front so consumers can
// attach groups before the first producer writes.
func (b *Broker) EnsureStreams(ctx context.Context, streams ...string) error {
	for _, st := range streams {
		if err := b.EnsureGroup(ctx, st, "_init"); err != nil {
			return err
		}
	}
	return nil
}

// Consume reads stream entries for (group, consumer) and dispatches each to
// handler, acknowledging on success. Entries that fail to decode go to the
// dead letter stream and are acknowledged so they cannot wedge the group.
// Blocks until ctx is canceled.
func (b *Broker) Consume(ctx context.Context, stream, group, consumer string, handler Handler) error {
	if err := b.EnsureGroup(ctx, stream, group); err != nil {
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Str("consumer", consumer).Msg("Consumer started")

	lastClaim := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    readBatch,
			Block:    readBlock,
		}).Result()
		if err != nil && err != redis.Nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Str("stream", stream).Msg("XREADGROUP failed, retrying")
			time.Sleep(time.Second)
			continue
		}

		for _, sr := range res {
			for _, msg := range sr.Messages {
				b.dispatch(ctx, stream, group, msg, handler)
			}
		}

		if time.Since(lastClaim) >= claimInterval {
			b.claimStale(ctx, stream, group, consumer, handler)
			lastClaim = time.Now()
		}
	}
}

func stringFields(values map[string]any) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

func (b *Broker) dispatch(ctx context.Context, stream, group string, msg redis.XMessage, handler Handler) {
	env, payloadType, err := events.Decode(stringFields(msg.Values))
	if err != nil {
		log.Error().Err(err).Str("stream", stream).Str("id", msg.ID).Msg("Poison message, sending to DLQ")
		b.deadLetter(ctx, stream, msg, err)
		b.rdb.XAck(ctx, stream, group, msg.ID)
		return
	}
	if err := handler(ctx, env, payloadType); err != nil {
		log.Error().Err(err).Str("stream", stream).Str("event_id", env.EventID).Msg("Handler failed, leaving pending")
		return
	}
	b.rdb.XAck(ctx, stream, group, msg.ID)
}

// claimStale takes over messages another consumer left pending too long.
func (b *Broker) claimStale(ctx context.Context, stream, group, consumer string, handler Handler) {
	msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  claimMinIdle,
		Start:    "0-0",
		Count:    readBatch,
	}).Result()
	if err != nil && err != redis.Nil {
		log.Warn().Err(err).Str("stream", stream).Msg("XAUTOCLAIM failed")
		return
	}
	for _, msg := range msgs {
		log.Warn().Str("stream", stream).Str("id", msg.ID).Msg("Reclaimed stale message")
		b.dispatch(ctx, stream, group, msg, handler)
	}
}

func (b *Broker) deadLetter(ctx context.Context, stream string, msg redis.XMessage, cause error) {
	env, err := events.NewEnvelope("", "bus", events.DLQPayload{
		SourceStream: stream,
		MessageID:    msg.ID,
		Reason:       cause.Error(),
		RawFields:    stringFields(msg.Values),
	})
	if err != nil {
		log.Error().Err(err).Str("id", msg.ID).Msg("DLQ envelope build failed")
		return
	}
	if _, err := b.Publish(ctx, events.StreamDLQ, events.TypeDLQ, env); err != nil {
		log.Error().Err(err).Str("id", msg.ID).Msg("DLQ publish failed, dropping poison message")
	}
}
