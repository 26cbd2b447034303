// Copyright 2025 James Ross
package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq" // also registers the "postgres" database/sql driver

	"github.com/rodrigowb4ey/dataset-processor/internal/apperr"
	"github.com/rodrigowb4ey/dataset-processor/internal/model"
)

// PostgresStore implements Store over database/sql + lib/pq. Every operation
// is its own method backed by a single SQL statement or explicit *sql.Tx;
// state transitions are CAS updates predicated on the caller's "from" set.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig configures the underlying connection pool.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to Postgres, applies the schema DDL, and returns a ready Store.
func Open(ctx context.Context, dsn string, cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorageBackendUnavail, "metastore", "open", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return nil, apperr.Wrap(apperr.ErrStorageBackendUnavail, "metastore", "ping", err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return nil, apperr.Wrap(apperr.ErrStorageBackendUnavail, "metastore", "migrate", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

const datasetCols = `id, name, original_filename, content_type, status, checksum_sha256, size_bytes, uploaded_at, processed_at, row_count, error, upload_bucket, upload_key, upload_etag`

func scanDataset(row interface{ Scan(...interface{}) error }) (model.Dataset, error) {
	var d model.Dataset
	if err := row.Scan(&d.ID, &d.Name, &d.OriginalFilename, &d.ContentType, &d.Status, &d.ChecksumSHA256, &d.SizeBytes, &d.UploadedAt, &d.ProcessedAt, &d.RowCount, &d.Error, &d.UploadBucket, &d.UploadKey, &d.UploadETag); err != nil {
		return model.Dataset{}, err
	}
	return d, nil
}

const jobCols = `id, dataset_id, task_id, state, progress, attempt, queued_at, started_at, finished_at, error`

func scanJob(row interface{ Scan(...interface{}) error }) (model.Job, error) {
	var j model.Job
	if err := row.Scan(&j.ID, &j.DatasetID, &j.TaskID, &j.State, &j.Progress, &j.Attempt, &j.QueuedAt, &j.StartedAt, &j.FinishedAt, &j.Error); err != nil {
		return model.Job{}, err
	}
	return j, nil
}

func (s *PostgresStore) CreateDatasetIfNew(ctx context.Context, d model.Dataset) (model.Dataset, bool, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.UploadedAt.IsZero() {
		d.UploadedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = model.DatasetUploaded
	}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO datasets (%s)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (checksum_sha256) DO NOTHING
		RETURNING %s`, datasetCols, datasetCols),
		d.ID, d.Name, d.OriginalFilename, d.ContentType, d.Status, d.ChecksumSHA256, d.SizeBytes, d.UploadedAt, d.ProcessedAt, d.RowCount, d.Error, d.UploadBucket, d.UploadKey, d.UploadETag,
	)
	created, err := scanDataset(row)
	if err == nil {
		return created, true, nil
	}
	if err != sql.ErrNoRows {
		return model.Dataset{}, false, apperr.Wrap(apperr.ErrStorageBackendUnavail, "metastore", "create_dataset_if_new", err)
	}

	existing, err := s.getDatasetByChecksum(ctx, d.ChecksumSHA256)
	if err != nil {
		return model.Dataset{}, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) getDatasetByChecksum(ctx context.Context, checksum string) (model.Dataset, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM datasets WHERE checksum_sha256 = $1`, datasetCols), checksum)
	d, err := scanDataset(row)
	if err == sql.ErrNoRows {
		return model.Dataset{}, apperr.Wrap(apperr.ErrNotFound, "metastore", "get_dataset_by_checksum", err)
	}
	if err != nil {
		return model.Dataset{}, apperr.Wrap(apperr.ErrStorageBackendUnavail, "metastore", "get_dataset_by_checksum", err)
	}
	return d, nil
}

func (s *PostgresStore) CreateQueuedJob(ctx context.Context, datasetID string) (model.Job, bool, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO jobs (id, dataset_id, task_id, state, progress, attempt, queued_at, started_at, finished_at, error)
		VALUES ($1,$2,NULL,'Queued',0,0,$3,NULL,NULL,NULL)
		ON CONFLICT (dataset_id) WHERE state IN ('Queued','Started','Retrying') DO NOTHING
		RETURNING %s`, jobCols),
		id, datasetID, now,
	)
	job, err := scanJob(row)
	if err == nil {
		return job, true, nil
	}
	if err != sql.ErrNoRows {
		return model.Job{}, false, apperr.Wrap(apperr.ErrStorageBackendUnavail, "metastore", "create_queued_job", err)
	}

	existing, ok, err := s.GetActiveJob(ctx, datasetID)
	if err != nil {
		return model.Job{}, false, err
	}
	if !ok {
		// the conflict target disappeared between insert and lookup (another
		// worker finalized in between); the caller should retry enqueue.
		return model.Job{}, false, apperr.Wrap(apperr.ErrConflict, "metastore", "create_queued_job", sql.ErrNoRows)
	}
	return existing, false, nil
}

func (s *PostgresStore) GetActiveJob(ctx context.Context, datasetID string) (model.Job, bool, error) {
	states := jobStateStrings(model.ActiveJobStates)
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM jobs WHERE dataset_id = $1 AND state = ANY($2)
		ORDER BY queued_at DESC LIMIT 1`, jobCols),
		datasetID, pq.Array(states),
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return model.Job{}, false, nil
	}
	if err != nil {
		return model.Job{}, false, apperr.Wrap(apperr.ErrStorageBackendUnavail, "metastore", "get_active_job", err)
	}
	return job, true, nil
}

func (s *PostgresStore) GetLatestJob(ctx context.Context, datasetID string) (model.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM jobs WHERE dataset_id = $1
		ORDER BY queued_at DESC LIMIT 1`, jobCols),
		datasetID,
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return model.Job{}, false, nil
	}
	if err != nil {
		return model.Job{}, false, apperr.Wrap(apperr.ErrStorageBackendUnavail, "metastore", "get_latest_job", err)
	}
	return job, true, nil
}

func (s *PostgresStore) InsertSyntheticSuccessJob(ctx context.Context, datasetID string) (model.Job, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO jobs (id, dataset_id, task_id, state, progress, attempt, queued_at, started_at, finished_at, error)
		VALUES ($1,$2,NULL,'Success',100,0,$3,$3,$3,NULL)
		RETURNING %s`, jobCols),
		id, datasetID, now,
	)
	job, err := scanJob(row)
	if err != nil {
		return model.Job{}, apperr.Wrap(apperr.ErrStorageBackendUnavail, "metastore", "insert_synthetic_success_job", err)
	}
	return job, nil
}

func (s *PostgresStore) TransitionJob(ctx context.Context, id string, from []model.JobState, to model.JobState, fields JobFields) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE jobs SET
			state = $1,
			progress = COALESCE($2, progress),
			attempt = COALESCE($3, attempt),
			started_at = COALESCE($4, started_at),
			finished_at = COALESCE($5, finished_at),
			error = COALESCE($6, error),
			task_id = COALESCE($7, task_id)
		WHERE id = $8 AND state = ANY($9)
		RETURNING %s`, jobCols),
		to, fields.Progress, fields.Attempt, fields.StartedAt, fields.FinishedAt, fields.Error, fields.TaskID, id, pq.Array(jobStateStrings(from)),
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return model.Job{}, apperr.Wrap(apperr.ErrConflict, "metastore", "transition_job", err)
	}
	if err != nil {
		return model.Job{}, apperr.Wrap(apperr.ErrStorageBackendUnavail, "metastore", "transition_job", err)
	}
	return job, nil
}

func (s *PostgresStore) TransitionDataset(ctx context.Context, id string, from []model.DatasetStatus, to model.DatasetStatus, fields DatasetFields) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE datasets SET
			status = $1,
			processed_at = COALESCE($2, processed_at),
			row_count = COALESCE($3, row_count),
			error = COALESCE($4, error)
		WHERE id = $5 AND status = ANY($6)`,
		to, fields.ProcessedAt, fields.RowCount, fields.Error, id, pq.Array(datasetStatusStrings(from)),
	)
	if err != nil {
		return apperr.Wrap(apperr.ErrStorageBackendUnavail, "metastore", "transition_dataset", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.Wrap(apperr.ErrConflict, "metastore", "transition_dataset", sql.ErrNoRows)
	}
	return nil
}

// FinalizeSuccess upserts the report row and commits both the job->Success
// and dataset->Done CAS transitions in a single transaction, preserving
// "Report row exists <=> dataset Done <=> job Success".
func (s *PostgresStore) FinalizeSuccess(ctx context.Context, jobID, datasetID string, report model.Report, rowCount int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.ErrStorageBackendUnavail, "metastore", "finalize_success_begin", err)
	}
	defer tx.Rollback()

	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reports (id, dataset_id, created_at, report_bucket, report_key, report_etag)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (dataset_id) DO UPDATE SET
			created_at = EXCLUDED.created_at,
			report_bucket = EXCLUDED.report_bucket,
			report_key = EXCLUDED.report_key,
			report_etag = EXCLUDED.report_etag`,
		report.ID, report.DatasetID, report.CreatedAt, report.ReportBucket, report.ReportKey, report.ReportETag,
	); err != nil {
		return apperr.Wrap(apperr.ErrStorageBackendUnavail, "metastore", "finalize_success_upsert_report", err)
	}

	now := time.Now().UTC()
	jobRes, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = 'Success', progress = 100, finished_at = $1
		WHERE id = $2 AND state = 'Started'`,
		now, jobID,
	)
	if err != nil {
		return apperr.Wrap(apperr.ErrStorageBackendUnavail, "metastore", "finalize_success_job", err)
	}
	if n, _ := jobRes.RowsAffected(); n == 0 {
		return apperr.Wrap(apperr.ErrConflict, "metastore", "finalize_success_job", sql.ErrNoRows)
	}

	dsRes, err := tx.ExecContext(ctx, `
		UPDATE datasets SET status = 'Done', processed_at = $1, row_count = $2
		WHERE id = $3 AND status = 'Processing'`,
		now, rowCount, datasetID,
	)
	if err != nil {
		return apperr.Wrap(apperr.ErrStorageBackendUnavail, "metastore", "finalize_success_dataset", err)
	}
	if n, _ := dsRes.RowsAffected(); n == 0 {
		return apperr.Wrap(apperr.ErrConflict, "metastore", "finalize_success_dataset", sql.ErrNoRows)
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.ErrStorageBackendUnavail, "metastore", "finalize_success_commit", err)
	}
	return nil
}

func (s *PostgresStore) GetDataset(ctx context.Context, id string) (model.Dataset, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM datasets WHERE id = $1`, datasetCols), id)
	d, err := scanDataset(row)
	if err == sql.ErrNoRows {
		return model.Dataset{}, apperr.Wrap(apperr.ErrNotFound, "metastore", "get_dataset", err)
	}
	if err != nil {
		return model.Dataset{}, apperr.Wrap(apperr.ErrStorageBackendUnavail, "metastore", "get_dataset", err)
	}
	return d, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, jobCols), id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return model.Job{}, apperr.Wrap(apperr.ErrNotFound, "metastore", "get_job", err)
	}
	if err != nil {
		return model.Job{}, apperr.Wrap(apperr.ErrStorageBackendUnavail, "metastore", "get_job", err)
	}
	return j, nil
}

func (s *PostgresStore) GetReport(ctx context.Context, datasetID string) (model.Report, bool, error) {
	var r model.Report
	row := s.db.QueryRowContext(ctx, `SELECT id, dataset_id, created_at, report_bucket, report_key, report_etag FROM reports WHERE dataset_id = $1`, datasetID)
	err := row.Scan(&r.ID, &r.DatasetID, &r.CreatedAt, &r.ReportBucket, &r.ReportKey, &r.ReportETag)
	if err == sql.ErrNoRows {
		return model.Report{}, false, nil
	}
	if err != nil {
		return model.Report{}, false, apperr.Wrap(apperr.ErrStorageBackendUnavail, "metastore", "get_report", err)
	}
	return r, true, nil
}

func (s *PostgresStore) DatasetSummary(ctx context.Context, datasetID string) (DatasetSummaryRow, error) {
	d, err := s.GetDataset(ctx, datasetID)
	if err != nil {
		return DatasetSummaryRow{}, err
	}
	var out DatasetSummaryRow
	out.Dataset = d

	job, ok, err := s.GetLatestJob(ctx, datasetID)
	if err != nil {
		return DatasetSummaryRow{}, err
	}
	if ok {
		out.LatestJobID = &job.ID
	}

	_, hasReport, err := s.GetReport(ctx, datasetID)
	if err != nil {
		return DatasetSummaryRow{}, err
	}
	out.ReportAvailable = hasReport
	return out, nil
}

func (s *PostgresStore) ListDatasets(ctx context.Context) ([]model.Dataset, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM datasets ORDER BY uploaded_at DESC`, datasetCols))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorageBackendUnavail, "metastore", "list_datasets", err)
	}
	defer rows.Close()
	var out []model.Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrStorageBackendUnavail, "metastore", "list_datasets", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM jobs ORDER BY queued_at DESC`, jobCols))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorageBackendUnavail, "metastore", "list_jobs", err)
	}
	defer rows.Close()
	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrStorageBackendUnavail, "metastore", "list_jobs", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func jobStateStrings(states []model.JobState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func datasetStatusStrings(states []model.DatasetStatus) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
