// Copyright 2025 James Ross
package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rodrigowb4ey/dataset-processor/internal/apperr"
	"github.com/rodrigowb4ey/dataset-processor/internal/metastore"
	"github.com/rodrigowb4ey/dataset-processor/internal/model"
	"github.com/rodrigowb4ey/dataset-processor/internal/objectstore"
)

// fakeStore is a minimal in-memory metastore.Store double scoped to what
// Pipeline.Process actually calls.
type fakeStore struct {
	mu       sync.Mutex
	jobs     map[string]model.Job
	datasets map[string]model.Dataset
}

func newFakeStore(job model.Job, dataset model.Dataset) *fakeStore {
	return &fakeStore{
		jobs:     map[string]model.Job{job.ID: job},
		datasets: map[string]model.Dataset{dataset.ID: dataset},
	}
}

func (s *fakeStore) CreateDatasetIfNew(ctx context.Context, d model.Dataset) (model.Dataset, bool, error) {
	return model.Dataset{}, false, errNotImplemented
}
func (s *fakeStore) CreateQueuedJob(ctx context.Context, datasetID string) (model.Job, bool, error) {
	return model.Job{}, false, errNotImplemented
}
func (s *fakeStore) GetActiveJob(ctx context.Context, datasetID string) (model.Job, bool, error) {
	return model.Job{}, false, errNotImplemented
}
func (s *fakeStore) GetLatestJob(ctx context.Context, datasetID string) (model.Job, bool, error) {
	return model.Job{}, false, errNotImplemented
}
func (s *fakeStore) InsertSyntheticSuccessJob(ctx context.Context, datasetID string) (model.Job, error) {
	return model.Job{}, errNotImplemented
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
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return apperr.Wrap(apperr.ErrNotFound, "fakestore", "finalize_success", nil)
	}
	job.State = model.JobSuccess
	now := time.Now().UTC()
	job.FinishedAt = &now
	job.Progress = 100
	s.jobs[jobID] = job

	d, ok := s.datasets[datasetID]
	if !ok {
		return apperr.Wrap(apperr.ErrNotFound, "fakestore", "finalize_success", nil)
	}
	d.Status = model.DatasetDone
	d.RowCount = &rowCount
	s.datasets[datasetID] = d
	return nil
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
	return model.Report{}, false, errNotImplemented
}
func (s *fakeStore) DatasetSummary(ctx context.Context, datasetID string) (metastore.DatasetSummaryRow, error) {
	return metastore.DatasetSummaryRow{}, errNotImplemented
}
func (s *fakeStore) ListDatasets(ctx context.Context) ([]model.Dataset, error) {
	return nil, errNotImplemented
}
func (s *fakeStore) ListJobs(ctx context.Context) ([]model.Job, error) {
	return nil, errNotImplemented
}
func (s *fakeStore) Close() error { return nil }

var errNotImplemented = apperr.Wrap(apperr.ErrUnexpected, "fakestore", "unimplemented", nil)

// fakeObjects is an in-memory objectstore.Store double.
type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	getErr  error
	putErr  error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (o *fakeObjects) key(bucket, key string) string { return bucket + "/" + key }

func (o *fakeObjects) Put(ctx context.Context, bucket, key string, body []byte, contentType string) (string, error) {
	if o.putErr != nil {
		return "", o.putErr
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[o.key(bucket, key)] = body
	return "etag-1", nil
}

func (o *fakeObjects) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if o.getErr != nil {
		return nil, o.getErr
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	body, ok := o.objects[o.key(bucket, key)]
	if !ok {
		return nil, apperr.Wrap(apperr.ErrNotFound, "fakeobjects", "get", nil)
	}
	return body, nil
}

// fakeNotifier records every terminal notification it receives.
type fakeNotifier struct {
	mu    sync.Mutex
	calls []struct {
		job    model.Job
		report *model.Report
	}
}

func (n *fakeNotifier) NotifyJobTerminal(ctx context.Context, job model.Job, dataset model.Dataset, report *model.Report) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, struct {
		job    model.Job
		report *model.Report
	}{job, report})
}

func testConfig() Config {
	return Config{
		MaxRetries:   2,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
		MaxBytes:     1 << 20,
		MaxRows:      1000,
		UploadBucket: "uploads",
		ReportBucket: "reports",
	}
}

func TestProcessSuccessPublishesReportAndNotifies(t *testing.T) {
	job := model.Job{ID: "job-1", DatasetID: "ds-1", State: model.JobQueued, Attempt: 0}
	dataset := model.Dataset{ID: "ds-1", UploadBucket: "uploads", UploadKey: "datasets/ds-1/source/f.csv", ContentType: "text/csv", Status: model.DatasetUploaded}
	store := newFakeStore(job, dataset)
	objects := newFakeObjects()
	objects.objects[objects.key("uploads", dataset.UploadKey)] = []byte("a,b\n1,2\n3,4\n")
	notify := &fakeNotifier{}
	p := New(store, objects, testConfig(), zap.NewNop(), notify)

	out := p.Process(context.Background(), model.JobMessage{JobID: job.ID, DatasetID: dataset.ID})
	if !out.ack || !out.breakerOK {
		t.Fatalf("outcome = %+v, want ack=true breakerOK=true", out)
	}

	finalJob, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if finalJob.State != model.JobSuccess {
		t.Fatalf("job state = %v, want Success", finalJob.State)
	}
	finalDataset, err := store.GetDataset(context.Background(), dataset.ID)
	if err != nil {
		t.Fatalf("GetDataset: %v", err)
	}
	if finalDataset.Status != model.DatasetDone {
		t.Fatalf("dataset status = %v, want Done", finalDataset.Status)
	}
	if _, ok := objects.objects[objects.key("reports", objectstore.ReportKey(dataset.ID))]; !ok {
		t.Fatal("expected a report object to be written")
	}
	if len(notify.calls) != 1 {
		t.Fatalf("notify calls = %d, want 1", len(notify.calls))
	}
	if notify.calls[0].report == nil || notify.calls[0].report.ReportKey == "" {
		t.Fatal("expected the success notification to carry a non-empty report")
	}
}

func TestProcessDuplicateDeliveryAcksWithoutReprocessing(t *testing.T) {
	job := model.Job{ID: "job-1", DatasetID: "ds-1", State: model.JobSuccess}
	dataset := model.Dataset{ID: "ds-1", Status: model.DatasetDone}
	store := newFakeStore(job, dataset)
	objects := newFakeObjects()
	p := New(store, objects, testConfig(), zap.NewNop(), nil)

	out := p.Process(context.Background(), model.JobMessage{JobID: job.ID, DatasetID: dataset.ID})
	if !out.ack || !out.breakerOK {
		t.Fatalf("outcome = %+v, want ack=true breakerOK=true for a terminal job", out)
	}
}

func TestProcessRetriesTransientObjectStoreFailure(t *testing.T) {
	job := model.Job{ID: "job-1", DatasetID: "ds-1", State: model.JobQueued, Attempt: 0}
	dataset := model.Dataset{ID: "ds-1", UploadBucket: "uploads", UploadKey: "missing.csv", ContentType: "text/csv", Status: model.DatasetUploaded}
	store := newFakeStore(job, dataset)
	objects := newFakeObjects()
	objects.getErr = apperr.Wrap(apperr.ErrObjectStoreUnavail, "objectstore", "get", nil)
	p := New(store, objects, testConfig(), zap.NewNop(), nil)

	out := p.Process(context.Background(), model.JobMessage{JobID: job.ID, DatasetID: dataset.ID})
	if out.ack {
		t.Fatal("a retryable failure under MaxRetries must not ack")
	}

	finalJob, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if finalJob.State != model.JobRetrying {
		t.Fatalf("job state = %v, want Retrying", finalJob.State)
	}
	if finalJob.Attempt != 1 {
		t.Fatalf("job attempt = %d, want 1", finalJob.Attempt)
	}
}

func TestProcessExhaustsRetriesIntoTerminalFailure(t *testing.T) {
	job := model.Job{ID: "job-1", DatasetID: "ds-1", State: model.JobRetrying, Attempt: 2}
	dataset := model.Dataset{ID: "ds-1", UploadBucket: "uploads", UploadKey: "missing.csv", ContentType: "text/csv", Status: model.DatasetProcessing}
	store := newFakeStore(job, dataset)
	objects := newFakeObjects()
	objects.getErr = apperr.Wrap(apperr.ErrObjectStoreUnavail, "objectstore", "get", nil)
	notify := &fakeNotifier{}
	cfg := testConfig()
	cfg.MaxRetries = 2
	p := New(store, objects, cfg, zap.NewNop(), notify)

	out := p.Process(context.Background(), model.JobMessage{JobID: job.ID, DatasetID: dataset.ID})
	if !out.ack {
		t.Fatal("retry exhaustion must terminate the job and ack the delivery")
	}

	finalJob, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if finalJob.State != model.JobFailure {
		t.Fatalf("job state = %v, want Failure once attempts are exhausted", finalJob.State)
	}
	finalDataset, err := store.GetDataset(context.Background(), dataset.ID)
	if err != nil {
		t.Fatalf("GetDataset: %v", err)
	}
	if finalDataset.Status != model.DatasetFailed {
		t.Fatalf("dataset status = %v, want Failed", finalDataset.Status)
	}
}

func TestProcessInvalidPayloadFailsTerminalWithoutRetry(t *testing.T) {
	job := model.Job{ID: "job-1", DatasetID: "ds-1", State: model.JobQueued, Attempt: 0}
	dataset := model.Dataset{ID: "ds-1", UploadBucket: "uploads", UploadKey: "bad.csv", ContentType: "application/xml", Status: model.DatasetUploaded}
	store := newFakeStore(job, dataset)
	objects := newFakeObjects()
	objects.objects[objects.key("uploads", dataset.UploadKey)] = []byte("irrelevant")
	notify := &fakeNotifier{}
	p := New(store, objects, testConfig(), zap.NewNop(), notify)

	out := p.Process(context.Background(), model.JobMessage{JobID: job.ID, DatasetID: dataset.ID})
	if !out.ack {
		t.Fatal("a non-retryable failure must ack so the queue doesn't redeliver forever")
	}
	if !out.breakerOK {
		t.Fatal("a non-retryable payload error must not count against the breaker")
	}

	finalJob, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if finalJob.State != model.JobFailure {
		t.Fatalf("job state = %v, want Failure", finalJob.State)
	}
	if len(notify.calls) != 1 || notify.calls[0].report != nil {
		t.Fatal("expected one terminal notification with a nil report on the failure path")
	}
}
