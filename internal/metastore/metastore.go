// Copyright 2025 James Ross
package metastore

import (
	"context"
	"time"

	"github.com/rodrigowb4ey/dataset-processor/internal/model"
)

// DatasetSummaryRow is the row shape backing C8's dataset_summary query.
type DatasetSummaryRow struct {
	Dataset         model.Dataset
	LatestJobID     *string
	ReportAvailable bool
}

// Store is the C2 contract: transactional persistence of datasets, jobs,
// and reports. Every mutation is a single transaction; every state change
// is a CAS-on-state conditional update. Driver-level errors surface
// wrapped in apperr.ErrStorageBackendUnavail.
type Store interface {
	// CreateDatasetIfNew atomically inserts a dataset keyed by checksum,
	// or fetches the existing row if the checksum already exists.
	CreateDatasetIfNew(ctx context.Context, d model.Dataset) (dataset model.Dataset, created bool, err error)

	// CreateQueuedJob inserts a Queued job for datasetID. If an active job
	// already exists for the dataset, it returns that job with created=false.
	CreateQueuedJob(ctx context.Context, datasetID string) (job model.Job, created bool, err error)

	// GetActiveJob returns the dataset's active job (Queued/Started/Retrying), if any.
	GetActiveJob(ctx context.Context, datasetID string) (model.Job, bool, error)

	// GetLatestJob returns the dataset's most recently queued job, if any.
	GetLatestJob(ctx context.Context, datasetID string) (model.Job, bool, error)

	// InsertSyntheticSuccessJob inserts a Success-state job with no broker
	// correlation, used for datasets materialized outside the pipeline.
	InsertSyntheticSuccessJob(ctx context.Context, datasetID string) (model.Job, error)

	// TransitionJob performs a CAS update of state, succeeding only if the
	// job's current state is one of from. fields carries the column updates
	// that accompany the transition (progress, started_at, finished_at, error,
	// task_id). Returns apperr.ErrConflict if the CAS did not apply.
	TransitionJob(ctx context.Context, id string, from []model.JobState, to model.JobState, fields JobFields) (model.Job, error)

	// TransitionDataset performs a CAS update of status for the same reasons.
	TransitionDataset(ctx context.Context, id string, from []model.DatasetStatus, to model.DatasetStatus, fields DatasetFields) error

	// FinalizeSuccess commits the report upsert and the job/dataset terminal
	// transitions in a single transaction (§4.7 step 7).
	FinalizeSuccess(ctx context.Context, jobID, datasetID string, report model.Report, rowCount int64) error

	GetDataset(ctx context.Context, id string) (model.Dataset, error)
	GetJob(ctx context.Context, id string) (model.Job, error)
	GetReport(ctx context.Context, datasetID string) (model.Report, bool, error)
	DatasetSummary(ctx context.Context, datasetID string) (DatasetSummaryRow, error)
	ListDatasets(ctx context.Context) ([]model.Dataset, error)
	ListJobs(ctx context.Context) ([]model.Job, error)

	Close() error
}

// JobFields carries the optional column updates of a job CAS transition.
// A nil pointer means "leave the column untouched".
type JobFields struct {
	Progress   *int
	Attempt    *int
	TaskID     *string
	StartedAt  *time.Time
	FinishedAt *time.Time
	Error      *string
}

// DatasetFields carries the optional column updates of a dataset CAS
// transition. A nil pointer means "leave the column untouched".
type DatasetFields struct {
	ProcessedAt *time.Time
	RowCount    *int64
	Error       *string
}
