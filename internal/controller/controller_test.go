// Copyright 2025 James Ross
package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rodrigowb4ey/dataset-processor/internal/apperr"
	"github.com/rodrigowb4ey/dataset-processor/internal/broker"
	"github.com/rodrigowb4ey/dataset-processor/internal/metastore"
	"github.com/rodrigowb4ey/dataset-processor/internal/model"
)

// fakeStore is an in-memory metastore.Store double for exercising the
// controller's race-safety decisions without a real database.
type fakeStore struct {
	mu       sync.Mutex
	datasets map[string]model.Dataset
	jobs     map[string]model.Job
	reports  map[string]model.Report
	nextID   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		datasets: make(map[string]model.Dataset),
		jobs:     make(map[string]model.Job),
		reports:  make(map[string]model.Report),
	}
}

func (s *fakeStore) newID(prefix string) string {
	s.nextID++
	return prefix + "-" + time.Now().Format("150405") + "-" + string(rune('a'+s.nextID))
}

func (s *fakeStore) CreateDatasetIfNew(ctx context.Context, d model.Dataset) (model.Dataset, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.datasets {
		if existing.ChecksumSHA256 == d.ChecksumSHA256 {
			return existing, false, nil
		}
	}
	if d.ID == "" {
		d.ID = s.newID("dataset")
	}
	s.datasets[d.ID] = d
	return d, true, nil
}

func (s *fakeStore) CreateQueuedJob(ctx context.Context, datasetID string) (model.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.DatasetID == datasetID && j.IsActive() {
			return j, false, nil
		}
	}
	job := model.Job{ID: s.newID("job"), DatasetID: datasetID, State: model.JobQueued, QueuedAt: time.Now().UTC()}
	s.jobs[job.ID] = job
	return job, true, nil
}

func (s *fakeStore) GetActiveJob(ctx context.Context, datasetID string) (model.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.DatasetID == datasetID && j.IsActive() {
			return j, true, nil
		}
	}
	return model.Job{}, false, nil
}

func (s *fakeStore) GetLatestJob(ctx context.Context, datasetID string) (model.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest model.Job
	found := false
	for _, j := range s.jobs {
		if j.DatasetID != datasetID {
			continue
		}
		if !found || j.QueuedAt.After(latest.QueuedAt) {
			latest = j
			found = true
		}
	}
	return latest, found, nil
}

func (s *fakeStore) InsertSyntheticSuccessJob(ctx context.Context, datasetID string) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := model.Job{ID: s.newID("job"), DatasetID: datasetID, State: model.JobSuccess, QueuedAt: time.Now().UTC()}
	s.jobs[job.ID] = job
	return job, nil
}

func (s *fakeStore) TransitionJob(ctx context.Context, id string, from []model.JobState, to model.JobState, fields metastore.JobFields) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return model.Job{}, apperr.Wrap(apperr.ErrNotFound, "fakestore", "transition_job", nil)
	}
	matched := false
	for _, f := range from {
		if job.State == f {
			matched = true
			break
		}
	}
	if !matched {
		return model.Job{}, apperr.Wrap(apperr.ErrConflict, "fakestore", "transition_job", nil)
	}
	job.State = to
	if fields.Progress != nil {
		job.Progress = *fields.Progress
	}
	if fields.Attempt != nil {
		job.Attempt = *fields.Attempt
	}
	if fields.TaskID != nil {
		job.TaskID = fields.TaskID
	}
	if fields.StartedAt != nil {
		job.StartedAt = fields.StartedAt
	}
	if fields.FinishedAt != nil {
		job.FinishedAt = fields.FinishedAt
	}
	if fields.Error != nil {
		job.Error = fields.Error
	}
	s.jobs[id] = job
	return job, nil
}

func (s *fakeStore) TransitionDataset(ctx context.Context, id string, from []model.DatasetStatus, to model.DatasetStatus, fields metastore.DatasetFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.datasets[id]
	if !ok {
		return apperr.Wrap(apperr.ErrNotFound, "fakestore", "transition_dataset", nil)
	}
	matched := false
	for _, f := range from {
		if d.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return apperr.Wrap(apperr.ErrConflict, "fakestore", "transition_dataset", nil)
	}
	d.Status = to
	if fields.Error != nil {
		d.Error = fields.Error
	}
	if fields.RowCount != nil {
		d.RowCount = fields.RowCount
	}
	s.datasets[id] = d
	return nil
}

func (s *fakeStore) FinalizeSuccess(ctx context.Context, jobID, datasetID string, report model.Report, rowCount int64) error {
	return errors.New("not implemented in fakeStore")
}

func (s *fakeStore) GetDataset(ctx context.Context, id string) (model.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.datasets[id]
	if !ok {
		return model.Dataset{}, apperr.Wrap(apperr.ErrNotFound, "fakestore", "get_dataset", nil)
	}
	return d, nil
}

func (s *fakeStore) GetJob(ctx context.Context, id string) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return model.Job{}, apperr.Wrap(apperr.ErrNotFound, "fakestore", "get_job", nil)
	}
	return j, nil
}

func (s *fakeStore) GetReport(ctx context.Context, datasetID string) (model.Report, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[datasetID]
	return r, ok, nil
}

func (s *fakeStore) DatasetSummary(ctx context.Context, datasetID string) (metastore.DatasetSummaryRow, error) {
	return metastore.DatasetSummaryRow{}, errors.New("not implemented in fakeStore")
}

func (s *fakeStore) ListDatasets(ctx context.Context) ([]model.Dataset, error) {
	return nil, errors.New("not implemented in fakeStore")
}

func (s *fakeStore) ListJobs(ctx context.Context) ([]model.Job, error) {
	return nil, errors.New("not implemented in fakeStore")
}

func (s *fakeStore) Close() error { return nil }

// fakeBroker is a broker.Broker double that records published messages and
// can be configured to fail Publish for the "queue unavailable" scenario.
type fakeBroker struct {
	mu        sync.Mutex
	published []model.JobMessage
	failNext  bool
}

func (b *fakeBroker) Publish(ctx context.Context, msg model.JobMessage) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext {
		b.failNext = false
		return "", errors.New("redis unavailable")
	}
	b.published = append(b.published, msg)
	return "task-" + msg.JobID, nil
}

func (b *fakeBroker) Consume(ctx context.Context, workerID string) (broker.Delivery, bool, error) {
	return broker.Delivery{}, false, errors.New("not implemented in fakeBroker")
}

func (b *fakeBroker) Close() error { return nil }

func newTestController(t *testing.T) (*Controller, *fakeStore, *fakeBroker) {
	t.Helper()
	store := newFakeStore()
	b := &fakeBroker{}
	log := zap.NewNop()
	return New(store, b, log), store, b
}

func TestEnqueueCreatesQueuedJob(t *testing.T) {
	ctrl, store, b := newTestController(t)
	ctx := context.Background()
	dataset, _, _ := store.CreateDatasetIfNew(ctx, model.Dataset{ChecksumSHA256: "abc", Status: model.DatasetUploaded})

	job, err := ctrl.Enqueue(ctx, dataset.ID)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.State != model.JobQueued {
		t.Fatalf("job state = %v, want Queued", job.State)
	}
	if job.TaskID == nil || *job.TaskID == "" {
		t.Fatal("expected a task id to be stamped after publish")
	}
	if len(b.published) != 1 {
		t.Fatalf("published count = %d, want 1", len(b.published))
	}
}

func TestEnqueueIsIdempotentForActiveJob(t *testing.T) {
	ctrl, store, b := newTestController(t)
	ctx := context.Background()
	dataset, _, _ := store.CreateDatasetIfNew(ctx, model.Dataset{ChecksumSHA256: "abc", Status: model.DatasetUploaded})

	first, err := ctrl.Enqueue(ctx, dataset.ID)
	if err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	second, err := ctrl.Enqueue(ctx, dataset.ID)
	if err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same job to be returned, got %s and %s", first.ID, second.ID)
	}
	if len(b.published) != 1 {
		t.Fatalf("expected only one publish across both calls, got %d", len(b.published))
	}
}

func TestEnqueueReturnsLatestJobForCompletedDataset(t *testing.T) {
	ctrl, store, _ := newTestController(t)
	ctx := context.Background()
	dataset, _, _ := store.CreateDatasetIfNew(ctx, model.Dataset{ChecksumSHA256: "abc", Status: model.DatasetDone})
	store.reports[dataset.ID] = model.Report{DatasetID: dataset.ID}
	existing := model.Job{ID: "existing-job", DatasetID: dataset.ID, State: model.JobSuccess, QueuedAt: time.Now().UTC()}
	store.jobs[existing.ID] = existing

	job, err := ctrl.Enqueue(ctx, dataset.ID)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.ID != existing.ID {
		t.Fatalf("expected the existing job %s to be returned, got %s", existing.ID, job.ID)
	}
}

func TestEnqueueSynthesizesSuccessJobWhenNoneExists(t *testing.T) {
	ctrl, store, _ := newTestController(t)
	ctx := context.Background()
	dataset, _, _ := store.CreateDatasetIfNew(ctx, model.Dataset{ChecksumSHA256: "abc", Status: model.DatasetDone})
	store.reports[dataset.ID] = model.Report{DatasetID: dataset.ID}

	job, err := ctrl.Enqueue(ctx, dataset.ID)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.State != model.JobSuccess {
		t.Fatalf("expected a synthetic Success job, got state %v", job.State)
	}
	if job.TaskID != nil {
		t.Fatal("synthetic job's task_id must remain nil")
	}
}

func TestEnqueueMarksJobFailedOnPublishFailure(t *testing.T) {
	ctrl, store, b := newTestController(t)
	ctx := context.Background()
	dataset, _, _ := store.CreateDatasetIfNew(ctx, model.Dataset{ChecksumSHA256: "abc", Status: model.DatasetUploaded})
	b.failNext = true

	_, err := ctrl.Enqueue(ctx, dataset.ID)
	if err == nil {
		t.Fatal("expected an error when publish fails")
	}
	if !errors.Is(err, apperr.ErrQueueUnavailable) {
		t.Fatalf("expected ErrQueueUnavailable, got %v", err)
	}

	active, ok, _ := store.GetActiveJob(ctx, dataset.ID)
	if ok {
		t.Fatalf("did not expect an active job after publish failure, found %+v", active)
	}
}
