// Copyright 2025 James Ross
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"github.com/rodrigowb4ey/dataset-processor/internal/model"
	"github.com/rodrigowb4ey/dataset-processor/internal/obs"
)

// Config configures the optional ClickHouse mirror of job terminal rows (C9).
type Config struct {
	DSN             string
	Database        string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Archive mirrors every terminal job's summary row into ClickHouse for
// long-term, query-friendly analytics independent of the operational
// Postgres store. It is a best-effort sink: write failures are logged, never
// surfaced to job state.
type Archive struct {
	cfg Config
	db  *sql.DB
	log *zap.Logger
}

// New connects to ClickHouse and ensures the summary table exists, mirroring
// the teacher's exporter connect-then-ensureTable sequence.
func New(cfg Config, log *zap.Logger) (*Archive, error) {
	db := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{cfg.DSN},
		Auth: clickhouse.Auth{Database: cfg.Database},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression:     &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout:     30 * time.Second,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping ClickHouse: %w", err)
	}

	a := &Archive{cfg: cfg, db: db, log: log}
	if err := a.ensureTable(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archive) ensureTable() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			job_id         String,
			dataset_id     String,
			dataset_name   String,
			state          LowCardinality(String),
			row_count      Nullable(UInt64),
			error_message  String,
			queued_at      DateTime64(3),
			finished_at    Nullable(DateTime64(3)),
			report_bucket  String,
			report_key     String,
			archived_at    DateTime64(3)
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(queued_at)
		ORDER BY (dataset_id, queued_at, job_id)
		TTL queued_at + INTERVAL 1 YEAR DELETE
		SETTINGS index_granularity = 8192
	`, a.cfg.Database, a.cfg.Table)

	if _, err := a.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure archive table: %w", err)
	}
	return nil
}

// NotifyJobTerminal implements worker.Notifier: it inserts one summary row
// per terminal job. Called best-effort from the pipeline after the
// step-7 transaction commits.
func (a *Archive) NotifyJobTerminal(ctx context.Context, job model.Job, dataset model.Dataset, report *model.Report) {
	row := buildRow(job, dataset, report)
	insertSQL := fmt.Sprintf(`
		INSERT INTO %s.%s
		(job_id, dataset_id, dataset_name, state, row_count, error_message, queued_at, finished_at, report_bucket, report_key, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, a.cfg.Database, a.cfg.Table)

	if _, err := a.db.ExecContext(ctx, insertSQL,
		row.jobID, row.datasetID, row.datasetName, row.state, row.rowCount, row.errorMessage,
		row.queuedAt, row.finishedAt, row.reportBucket, row.reportKey, time.Now().UTC(),
	); err != nil {
		a.log.Warn("failed to archive job summary", obs.String("job_id", job.ID), obs.Err(err))
	}
}

// summaryRow is the flattened shape inserted into the archive table, split
// out from NotifyJobTerminal so the mapping can be exercised without a
// ClickHouse connection.
type summaryRow struct {
	jobID        string
	datasetID    string
	datasetName  string
	state        string
	rowCount     *int64
	errorMessage string
	queuedAt     time.Time
	finishedAt   *time.Time
	reportBucket string
	reportKey    string
}

func buildRow(job model.Job, dataset model.Dataset, report *model.Report) summaryRow {
	errMsg := ""
	if job.Error != nil {
		errMsg = *job.Error
	}
	reportBucket, reportKey := "", ""
	if report != nil {
		reportBucket, reportKey = report.ReportBucket, report.ReportKey
	}
	return summaryRow{
		jobID:        job.ID,
		datasetID:    job.DatasetID,
		datasetName:  dataset.Name,
		state:        string(job.State),
		rowCount:     dataset.RowCount,
		errorMessage: errMsg,
		queuedAt:     job.QueuedAt,
		finishedAt:   job.FinishedAt,
		reportBucket: reportBucket,
		reportKey:    reportKey,
	}
}

func (a *Archive) Close() error { return a.db.Close() }
