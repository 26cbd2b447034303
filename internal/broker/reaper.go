// Copyright 2025 James Ross
package broker

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rodrigowb4ey/dataset-processor/internal/obs"
)

// Reaper periodically scans worker processing lists for entries whose
// owning worker's heartbeat has expired and re-delivers them onto the
// main queue, which is the source of this system's at-least-once
// guarantee for worker crashes.
type Reaper struct {
	rdb      *redis.Client
	cfg      Config
	interval time.Duration
	log      *zap.Logger
}

func NewReaper(rdb *redis.Client, cfg Config, interval time.Duration, log *zap.Logger) *Reaper {
	return &Reaper{rdb: rdb, cfg: cfg, interval: interval, log: log}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	pattern := strings.Replace(r.cfg.ProcessingListPattern, "%s", "*", 1)
	var cursor uint64
	for {
		keys, cur, err := r.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			r.log.Warn("reaper scan error", obs.Err(err))
			return
		}
		cursor = cur
		for _, procList := range keys {
			workerID := workerIDFromProcessingList(r.cfg.ProcessingListPattern, procList)
			if workerID == "" {
				continue
			}
			hbKey := heartbeatKey(r.cfg.HeartbeatKeyPattern, workerID)
			exists, _ := r.rdb.Exists(ctx, hbKey).Result()
			if exists == 1 {
				continue
			}
			r.requeueAll(ctx, procList)
		}
		if cursor == 0 {
			return
		}
	}
}

func (r *Reaper) requeueAll(ctx context.Context, procList string) {
	for {
		payload, err := r.rdb.RPop(ctx, procList).Result()
		if err == redis.Nil {
			return
		}
		if err != nil {
			r.log.Warn("reaper rpop error", obs.Err(err))
			return
		}
		msg, err := unmarshalMessage(payload)
		if err != nil {
			continue
		}
		if err := r.rdb.LPush(ctx, r.cfg.QueueKey, payload).Err(); err != nil {
			r.log.Error("reaper requeue failed", obs.Err(err))
			continue
		}
		obs.ReaperRecovered.Inc()
		r.log.Warn("requeued abandoned job", obs.String("job_id", msg.JobID), obs.String("dataset_id", msg.DatasetID))
	}
}

func workerIDFromProcessingList(pattern, key string) string {
	prefix, suffix, ok := splitPattern(pattern)
	if !ok || !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
		return ""
	}
	return key[len(prefix) : len(key)-len(suffix)]
}

func heartbeatKey(pattern, workerID string) string {
	return strings.Replace(pattern, "%s", workerID, 1)
}

func splitPattern(pattern string) (prefix, suffix string, ok bool) {
	idx := strings.Index(pattern, "%s")
	if idx < 0 {
		return "", "", false
	}
	return pattern[:idx], pattern[idx+2:], true
}
