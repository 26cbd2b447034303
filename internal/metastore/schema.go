// Copyright 2025 James Ross
package metastore

const schemaDDL = `
CREATE TABLE IF NOT EXISTS datasets (
    id                UUID PRIMARY KEY,
    name              TEXT NOT NULL,
    original_filename TEXT NOT NULL,
    content_type      TEXT NOT NULL,
    status            TEXT NOT NULL,
    checksum_sha256   CHAR(64) NOT NULL UNIQUE,
    size_bytes        BIGINT NOT NULL,
    uploaded_at       TIMESTAMPTZ NOT NULL,
    processed_at      TIMESTAMPTZ,
    row_count         BIGINT,
    error             TEXT,
    upload_bucket     TEXT NOT NULL,
    upload_key        TEXT NOT NULL,
    upload_etag       TEXT
);

CREATE TABLE IF NOT EXISTS jobs (
    id          UUID PRIMARY KEY,
    dataset_id  UUID NOT NULL REFERENCES datasets(id),
    task_id     TEXT,
    state       TEXT NOT NULL,
    progress    INT NOT NULL DEFAULT 0,
    attempt     INT NOT NULL DEFAULT 0,
    queued_at   TIMESTAMPTZ NOT NULL,
    started_at  TIMESTAMPTZ,
    finished_at TIMESTAMPTZ,
    error       TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS jobs_one_active_per_dataset
    ON jobs (dataset_id)
    WHERE state IN ('Queued', 'Started', 'Retrying');

CREATE INDEX IF NOT EXISTS jobs_dataset_queued_at ON jobs (dataset_id, queued_at DESC);

CREATE TABLE IF NOT EXISTS reports (
    id            UUID PRIMARY KEY,
    dataset_id    UUID NOT NULL UNIQUE REFERENCES datasets(id),
    created_at    TIMESTAMPTZ NOT NULL,
    report_bucket TEXT NOT NULL,
    report_key    TEXT NOT NULL,
    report_etag   TEXT
);
`
