// Copyright 2025 James Ross
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rodrigowb4ey/dataset-processor/internal/apperr"
	"github.com/rodrigowb4ey/dataset-processor/internal/breaker"
	"github.com/rodrigowb4ey/dataset-processor/internal/metastore"
	"github.com/rodrigowb4ey/dataset-processor/internal/model"
	"github.com/rodrigowb4ey/dataset-processor/internal/obs"
	"github.com/rodrigowb4ey/dataset-processor/internal/objectstore"
	"github.com/rodrigowb4ey/dataset-processor/internal/parser"
	"github.com/rodrigowb4ey/dataset-processor/internal/profiler"
)

// Notifier is implemented by the optional C9/C10 side effects (analytics
// archive, job event bus). Failures here are logged, never retried, and
// never alter job state — the step-7 transaction remains the sole source
// of truth.
type Notifier interface {
	NotifyJobTerminal(ctx context.Context, job model.Job, dataset model.Dataset, report *model.Report)
}

// MultiNotifier fans a single terminal notification out to every configured
// sink (C9 archive, C10 event bus). Each sink already swallows its own
// errors, so this is a plain sequential call, not a fan-out with joins.
type MultiNotifier []Notifier

func (m MultiNotifier) NotifyJobTerminal(ctx context.Context, job model.Job, dataset model.Dataset, report *model.Report) {
	for _, n := range m {
		if n != nil {
			n.NotifyJobTerminal(ctx, job, dataset, report)
		}
	}
}

// Config tunes the pipeline's retry policy (§4.7's retry table).
type Config struct {
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MaxBytes     int64
	MaxRows      int64
	UploadBucket string
	ReportBucket string
}

// Pipeline drives one job from Queued/Retrying to a terminal state. It is
// the worker-side half of C7; Pool (run.go) owns the consume loop, Process
// implements the per-job state machine so it can be exercised directly by
// tests.
type Pipeline struct {
	store   metastore.Store
	objects objectstore.Store
	cfg     Config
	log     *zap.Logger
	notify  Notifier
}

func New(store metastore.Store, objects objectstore.Store, cfg Config, log *zap.Logger, notify Notifier) *Pipeline {
	return &Pipeline{store: store, objects: objects, cfg: cfg, log: log, notify: notify}
}

// outcome tells the caller (Pool's consume loop) whether to ack, nack, and
// which backend (if any) the circuit breaker should credit or blame.
type outcome struct {
	ack       bool
	breakerOK bool
	backend   breaker.Backend
}

// Process implements §4.7 steps 1-7 for a single delivered JobMessage.
func (p *Pipeline) Process(ctx context.Context, msg model.JobMessage) outcome {
	ctx, span := obs.ContextWithJobSpan(ctx, msg.JobID, msg.DatasetID)
	defer span.End()

	job, claimed, err := p.claim(ctx, msg)
	if err != nil {
		obs.RecordError(ctx, err)
		p.log.Error("claim failed", obs.String("job_id", msg.JobID), obs.Err(err))
		return outcome{ack: false, breakerOK: false, backend: breaker.BackendMetastore}
	}
	if !claimed {
		// duplicate delivery: another worker already owns or finished this
		// job. Ack it away; this is not a breaker failure.
		obs.JobsDuplicateClaims.Inc()
		obs.AddEvent(ctx, "job.duplicate_delivery")
		return outcome{ack: true, breakerOK: true, backend: breaker.BackendAny}
	}

	dataset, err := p.store.GetDataset(ctx, msg.DatasetID)
	if err != nil {
		return p.handleError(ctx, job, msg.DatasetID, breaker.BackendMetastore, err)
	}

	blob, err := p.objects.Get(ctx, dataset.UploadBucket, dataset.UploadKey)
	if err != nil {
		return p.handleError(ctx, job, msg.DatasetID, breaker.BackendObjectStore, err)
	}

	prof := profiler.New()
	rowCount, err := parser.Decode(blob, dataset.ContentType, parser.Budget{MaxBytes: p.cfg.MaxBytes, MaxRows: p.cfg.MaxRows}, func(idx int64, row parser.Row) error {
		prof.Add(idx, row)
		return nil
	})
	if err != nil {
		return p.handleError(ctx, job, msg.DatasetID, breaker.BackendAny, err)
	}
	if _, err := p.store.TransitionJob(ctx, job.ID, []model.JobState{model.JobStarted}, model.JobStarted, metastore.JobFields{Progress: intPtr(25)}); err != nil {
		return p.handleError(ctx, job, msg.DatasetID, breaker.BackendMetastore, err)
	}

	_, nullCounts, numeric := prof.Stats()
	if _, err := p.store.TransitionJob(ctx, job.ID, []model.JobState{model.JobStarted}, model.JobStarted, metastore.JobFields{Progress: intPtr(60)}); err != nil {
		return p.handleError(ctx, job, msg.DatasetID, breaker.BackendMetastore, err)
	}

	anomalies := prof.Anomalies()
	if _, err := p.store.TransitionJob(ctx, job.ID, []model.JobState{model.JobStarted}, model.JobStarted, metastore.JobFields{Progress: intPtr(85)}); err != nil {
		return p.handleError(ctx, job, msg.DatasetID, breaker.BackendMetastore, err)
	}

	report := buildReportJSON(msg.DatasetID, rowCount, nullCounts, numeric, anomalies)
	reportBody, err := json.Marshal(report)
	if err != nil {
		return p.handleError(ctx, job, msg.DatasetID, breaker.BackendAny, apperr.Wrap(apperr.ErrUnexpected, "worker", "marshal_report", err))
	}
	reportKey := objectstore.ReportKey(msg.DatasetID)
	etag, err := p.objects.Put(ctx, p.cfg.ReportBucket, reportKey, reportBody, "application/json")
	if err != nil {
		return p.handleError(ctx, job, msg.DatasetID, breaker.BackendObjectStore, err)
	}

	var etagPtr *string
	if etag != "" {
		etagPtr = &etag
	}
	reportRow := model.Report{
		DatasetID:    msg.DatasetID,
		ReportBucket: p.cfg.ReportBucket,
		ReportKey:    reportKey,
		ReportETag:   etagPtr,
	}
	if err := p.store.FinalizeSuccess(ctx, job.ID, msg.DatasetID, reportRow, rowCount); err != nil {
		return p.handleError(ctx, job, msg.DatasetID, breaker.BackendMetastore, err)
	}

	obs.SetSpanSuccess(ctx)
	obs.JobsCompleted.Inc()
	if finalJob, err := p.store.GetJob(ctx, job.ID); err == nil && p.notify != nil {
		p.notify.NotifyJobTerminal(ctx, finalJob, dataset, &reportRow)
	}
	return outcome{ack: true, breakerOK: true, backend: breaker.BackendAny}
}

// claim performs the step-1 CAS: job {Queued,Retrying}->Started and
// dataset {Uploaded,Processing,Failed}->Processing. A CAS conflict means
// another delivery already claimed or finished the job.
func (p *Pipeline) claim(ctx context.Context, msg model.JobMessage) (model.Job, bool, error) {
	job, err := p.store.GetJob(ctx, msg.JobID)
	if err != nil {
		return model.Job{}, false, err
	}
	if job.IsTerminal() {
		return job, false, nil
	}

	fields := metastore.JobFields{Progress: intPtr(5)}
	if job.StartedAt == nil {
		now := time.Now().UTC()
		fields.StartedAt = &now
	}
	updated, err := p.store.TransitionJob(ctx, job.ID, []model.JobState{model.JobQueued, model.JobRetrying}, model.JobStarted, fields)
	if err != nil {
		if isConflict(err) {
			return job, false, nil
		}
		return model.Job{}, false, err
	}

	if err := p.store.TransitionDataset(ctx, msg.DatasetID, []model.DatasetStatus{model.DatasetUploaded, model.DatasetProcessing, model.DatasetFailed}, model.DatasetProcessing, metastore.DatasetFields{}); err != nil && !isConflict(err) {
		return model.Job{}, false, err
	}
	return updated, true, nil
}

// handleError classifies err per the §4.7 retry table and drives the job
// either into Retrying (transient infra, up to MaxRetries) or a terminal
// Failure (invalid payload or unclassified). backend attributes the
// failure to whichever dependency produced err, for circuit-breaker
// diagnostics.
func (p *Pipeline) handleError(ctx context.Context, job model.Job, datasetID string, backend breaker.Backend, err error) outcome {
	obs.RecordError(ctx, err)

	if apperr.IsRetryable(err) && job.Attempt < p.cfg.MaxRetries {
		msg := err.Error()
		nextAttempt := job.Attempt + 1
		if _, txErr := p.store.TransitionJob(ctx, job.ID, []model.JobState{model.JobStarted}, model.JobRetrying, metastore.JobFields{Error: &msg, Attempt: &nextAttempt}); txErr != nil {
			p.log.Error("failed to mark job Retrying", obs.Err(txErr))
		}
		obs.JobsRetried.Inc()
		p.sleepBackoff(ctx, job.Attempt+1)
		return outcome{ack: false, breakerOK: false, backend: backend}
	}

	p.failTerminal(ctx, job, datasetID, err)
	return outcome{ack: true, breakerOK: apperr.IsRetryable(err) == false, backend: backend}
}

func (p *Pipeline) failTerminal(ctx context.Context, job model.Job, datasetID string, err error) {
	msg := err.Error()
	now := time.Now().UTC()
	if _, txErr := p.store.TransitionJob(ctx, job.ID, []model.JobState{model.JobStarted, model.JobRetrying}, model.JobFailure, metastore.JobFields{
		FinishedAt: &now,
		Error:      &msg,
	}); txErr != nil {
		p.log.Error("failed to mark job Failure", obs.Err(txErr))
	}
	if txErr := p.store.TransitionDataset(ctx, datasetID, []model.DatasetStatus{model.DatasetProcessing}, model.DatasetFailed, metastore.DatasetFields{Error: &msg}); txErr != nil && !isConflict(txErr) {
		p.log.Error("failed to mark dataset Failed", obs.Err(txErr))
	}
	obs.JobsFailed.Inc()

	if finalJob, ferr := p.store.GetJob(ctx, job.ID); ferr == nil && p.notify != nil {
		if dataset, derr := p.store.GetDataset(ctx, datasetID); derr == nil {
			p.notify.NotifyJobTerminal(ctx, finalJob, dataset, nil)
		}
	}
}

func (p *Pipeline) sleepBackoff(ctx context.Context, attempt int) {
	d := backoff(attempt, p.cfg.BackoffBase, p.cfg.BackoffMax)
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(1<<uint(attempt-1)) * base
	if d <= 0 || d > max {
		return max
	}
	return d
}

func isConflict(err error) bool {
	return errors.Is(err, apperr.ErrConflict)
}

func intPtr(i int) *int { return &i }

func buildReportJSON(datasetID string, rowCount int64, nullCounts map[string]int64, numeric map[string]profiler.NumericStats, anomalies profiler.Anomalies) map[string]interface{} {
	return map[string]interface{}{
		"dataset_id":   datasetID,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
		"row_count":    rowCount,
		"null_counts":  nullCounts,
		"numeric":      numeric,
		"anomalies":    anomalies,
	}
}
