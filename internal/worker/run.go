// Copyright 2025 James Ross
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rodrigowb4ey/dataset-processor/internal/apperr"
	"github.com/rodrigowb4ey/dataset-processor/internal/breaker"
	"github.com/rodrigowb4ey/dataset-processor/internal/broker"
	"github.com/rodrigowb4ey/dataset-processor/internal/obs"
)

// PoolConfig sizes the worker pool and sets how long a worker pauses while
// the pool's shared circuit breaker refuses calls, mirroring the teacher's
// worker/breaker wiring.
type PoolConfig struct {
	Count        int
	BreakerPause time.Duration
}

// Pool runs Count goroutines, each looping consume -> process -> ack/nack
// against a shared Broker and Pipeline, gated by a single CircuitBreaker so
// a run of infra failures backs every worker off together.
type Pool struct {
	pipeline *Pipeline
	broker   broker.Broker
	cfg      PoolConfig
	cb       *breaker.CircuitBreaker
	log      *zap.Logger
}

func NewPool(pipeline *Pipeline, b broker.Broker, cfg PoolConfig, cb *breaker.CircuitBreaker, log *zap.Logger) *Pool {
	return &Pool{pipeline: pipeline, broker: b, cfg: cfg, cb: cb, log: log}
}

// Run blocks until ctx is canceled, then waits for every worker goroutine
// to drain its in-flight job before returning.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Count; i++ {
		wg.Add(1)
		workerID := workerIDFor(i)
		go func(id string) {
			defer wg.Done()
			obs.WorkerActive.Inc()
			defer obs.WorkerActive.Dec()
			p.runOne(ctx, id)
		}(workerID)
	}

	go p.reportBreakerState(ctx)

	wg.Wait()
}

func (p *Pool) runOne(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		if !p.cb.Allow() {
			time.Sleep(p.cfg.BreakerPause)
			continue
		}

		delivery, ok, err := p.broker.Consume(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("consume failed", obs.Err(err))
			p.cb.Record(breaker.BackendBroker, !apperr.IsRetryable(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if !ok {
			continue // timeout, no message available
		}

		obs.JobsConsumed.Inc()
		start := time.Now()
		result := p.pipeline.Process(ctx, delivery.Message)
		obs.JobProcessingDuration.Observe(time.Since(start).Seconds())
		p.cb.Record(result.backend, result.breakerOK)

		if result.ack {
			if err := delivery.Ack(ctx); err != nil {
				p.log.Error("ack failed", obs.Err(err))
			}
		} else {
			if err := delivery.Nack(ctx); err != nil {
				p.log.Error("nack failed", obs.Err(err))
			}
		}
	}
}

func (p *Pool) reportBreakerState(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch p.cb.State() {
			case breaker.Closed:
				obs.CircuitBreakerState.Set(0)
			case breaker.HalfOpen:
				obs.CircuitBreakerState.Set(1)
			case breaker.Open:
				obs.CircuitBreakerState.Set(2)
				p.log.Warn("circuit breaker open", obs.String("failing_backends", backendsLabel(p.cb.FailingBackends())))
			}
		}
	}
}

func backendsLabel(backends []breaker.Backend) string {
	if len(backends) == 0 {
		return "none"
	}
	labels := make([]string, len(backends))
	for i, b := range backends {
		labels[i] = string(b)
	}
	return strings.Join(labels, ",")
}

func workerIDFor(i int) string {
	return fmt.Sprintf("worker-%d", i)
}
