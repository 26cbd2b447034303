// Copyright 2025 James Ross
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rodrigowb4ey/dataset-processor/internal/apperr"
	"github.com/rodrigowb4ey/dataset-processor/internal/model"
	"github.com/rodrigowb4ey/dataset-processor/internal/obs"
)

// Config configures the Redis-backed list queue: a single named queue,
// per-worker processing lists, and a heartbeat key pattern used by the
// Reaper to detect orphaned deliveries.
type Config struct {
	QueueKey              string
	ProcessingListPattern string
	HeartbeatKeyPattern   string
	HeartbeatTTL          time.Duration
	BRPopLPushTimeout     time.Duration
}

// RedisBroker implements Broker by reusing LPush/BRPopLPush against a
// Redis list as a crash-recoverable, at-least-once queue: publish is
// LPush onto the queue key, consume is BRPopLPush into a per-worker
// processing list guarded by a heartbeat key, and orphaned entries are
// rescued by Reaper.
type RedisBroker struct {
	rdb *redis.Client
	cfg Config
	log *zap.Logger
}

func New(rdb *redis.Client, cfg Config, log *zap.Logger) *RedisBroker {
	return &RedisBroker{rdb: rdb, cfg: cfg, log: log}
}

func (b *RedisBroker) Publish(ctx context.Context, msg model.JobMessage) (string, error) {
	payload, err := marshalMessage(msg)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrQueueUnavailable, "broker", "marshal", err)
	}
	if err := b.rdb.LPush(ctx, b.cfg.QueueKey, payload).Err(); err != nil {
		return "", apperr.Wrap(apperr.ErrQueueUnavailable, "broker", "publish", err)
	}
	return uuid.NewString(), nil
}

func (b *RedisBroker) Consume(ctx context.Context, workerID string) (Delivery, bool, error) {
	procList := fmt.Sprintf(b.cfg.ProcessingListPattern, workerID)
	hbKey := fmt.Sprintf(b.cfg.HeartbeatKeyPattern, workerID)

	deqCtx, span := obs.StartDequeueSpan(ctx, b.cfg.QueueKey)
	defer span.End()

	payload, err := b.rdb.BRPopLPush(deqCtx, b.cfg.QueueKey, procList, b.cfg.BRPopLPushTimeout).Result()
	if err == redis.Nil {
		return Delivery{}, false, nil
	}
	if err != nil {
		obs.RecordError(deqCtx, err)
		return Delivery{}, false, apperr.Wrap(apperr.ErrQueueUnavailable, "broker", "consume", err)
	}
	obs.SetSpanSuccess(deqCtx)

	if err := b.rdb.Set(ctx, hbKey, payload, b.cfg.HeartbeatTTL).Err(); err != nil {
		b.log.Warn("failed to set heartbeat", obs.Err(err))
	}

	msg, err := unmarshalMessage(payload)
	if err != nil {
		// poison message: drop it rather than loop forever on it.
		_ = b.rdb.LRem(ctx, procList, 1, payload).Err()
		_ = b.rdb.Del(ctx, hbKey).Err()
		return Delivery{}, false, apperr.Wrap(apperr.ErrInvalidPayload, "broker", "unmarshal", err)
	}

	del := Delivery{
		Message: msg,
		Ack: func(ctx context.Context) error {
			if err := b.rdb.LRem(ctx, procList, 1, payload).Err(); err != nil {
				return apperr.Wrap(apperr.ErrQueueUnavailable, "broker", "ack", err)
			}
			return b.rdb.Del(ctx, hbKey).Err()
		},
		Nack: func(ctx context.Context) error {
			if err := b.rdb.LPush(ctx, b.cfg.QueueKey, payload).Err(); err != nil {
				return apperr.Wrap(apperr.ErrQueueUnavailable, "broker", "nack", err)
			}
			if err := b.rdb.LRem(ctx, procList, 1, payload).Err(); err != nil {
				b.log.Warn("failed to clear processing list on nack", obs.Err(err))
			}
			return b.rdb.Del(ctx, hbKey).Err()
		},
	}
	return del, true, nil
}

func (b *RedisBroker) Close() error { return b.rdb.Close() }
