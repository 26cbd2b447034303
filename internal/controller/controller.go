// Copyright 2025 James Ross
package controller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rodrigowb4ey/dataset-processor/internal/apperr"
	"github.com/rodrigowb4ey/dataset-processor/internal/broker"
	"github.com/rodrigowb4ey/dataset-processor/internal/metastore"
	"github.com/rodrigowb4ey/dataset-processor/internal/model"
	"github.com/rodrigowb4ey/dataset-processor/internal/obs"
)

// Controller is the C6 job lifecycle controller: the idempotency and
// race-safety heart of the system. It exposes a single operation, Enqueue,
// invoked by the write API.
type Controller struct {
	store  metastore.Store
	broker broker.Broker
	log    *zap.Logger
}

func New(store metastore.Store, b broker.Broker, log *zap.Logger) *Controller {
	return &Controller{store: store, broker: b, log: log}
}

// Enqueue implements §4.6 verbatim: fetch, check-active (idempotency
// fast-path), check-completed-with-report (synthetic success), create
// queued job (racing against the partial unique index), publish.
func (c *Controller) Enqueue(ctx context.Context, datasetID string) (model.Job, error) {
	ctx, span := obs.StartEnqueueSpan(ctx, datasetID)
	defer span.End()

	dataset, err := c.store.GetDataset(ctx, datasetID)
	if err != nil {
		obs.RecordError(ctx, err)
		return model.Job{}, err
	}

	if active, ok, err := c.store.GetActiveJob(ctx, datasetID); err != nil {
		return model.Job{}, err
	} else if ok {
		obs.AddEvent(ctx, "enqueue.idempotent_active_job", obs.KeyValue("job.id", active.ID))
		return active, nil
	}

	if dataset.Status == model.DatasetDone {
		if _, hasReport, err := c.store.GetReport(ctx, datasetID); err != nil {
			return model.Job{}, err
		} else if hasReport {
			return c.completedDatasetJob(ctx, datasetID)
		}
	}

	job, created, err := c.store.CreateQueuedJob(ctx, datasetID)
	if err != nil {
		return model.Job{}, err
	}
	if !created {
		// lost the race between the active-job check and the insert: the
		// partial unique index is the actual source of truth here.
		obs.AddEvent(ctx, "enqueue.lost_race", obs.KeyValue("job.id", job.ID))
		return job, nil
	}

	taskID, err := c.broker.Publish(ctx, model.JobMessage{DatasetID: datasetID, JobID: job.ID})
	if err != nil {
		errMsg := "Failed to enqueue task."
		if _, txErr := c.store.TransitionJob(ctx, job.ID, []model.JobState{model.JobQueued}, model.JobFailure, metastore.JobFields{
			FinishedAt: timePtr(time.Now().UTC()),
			Error:      &errMsg,
		}); txErr != nil {
			c.log.Error("failed to mark job Failure after publish failure", obs.Err(txErr))
		}
		obs.RecordError(ctx, err)
		return model.Job{}, apperr.Wrap(apperr.ErrQueueUnavailable, "controller", "enqueue_publish", err)
	}

	obs.JobsEnqueued.Inc()
	job, err = c.store.TransitionJob(ctx, job.ID, []model.JobState{model.JobQueued}, model.JobQueued, metastore.JobFields{TaskID: &taskID})
	if err != nil {
		return model.Job{}, err
	}
	return job, nil
}

// completedDatasetJob returns the dataset's most recent job if one exists,
// or synthesizes a Success job row for datasets materialized outside the
// normal pipeline (§4.6 step 3). The synthetic job's task_id is left null
// per the resolved open question.
func (c *Controller) completedDatasetJob(ctx context.Context, datasetID string) (model.Job, error) {
	if latest, ok, err := c.store.GetLatestJob(ctx, datasetID); err != nil {
		return model.Job{}, err
	} else if ok {
		return latest, nil
	}
	obs.AddEvent(ctx, "enqueue.synthetic_success_job")
	return c.store.InsertSyntheticSuccessJob(ctx, datasetID)
}

func timePtr(t time.Time) *time.Time { return &t }
