// Copyright 2025 James Ross
package model

import "time"

// DatasetStatus is the lifecycle state of an uploaded dataset.
type DatasetStatus string

const (
	DatasetUploaded   DatasetStatus = "Uploaded"
	DatasetProcessing DatasetStatus = "Processing"
	DatasetDone       DatasetStatus = "Done"
	DatasetFailed     DatasetStatus = "Failed"
)

// JobState is the lifecycle state of a single processing attempt.
type JobState string

const (
	JobQueued   JobState = "Queued"
	JobStarted  JobState = "Started"
	JobRetrying JobState = "Retrying"
	JobSuccess  JobState = "Success"
	JobFailure  JobState = "Failure"
)

// ActiveJobStates lists the states a partial unique index treats as
// mutually exclusive per dataset.
var ActiveJobStates = []JobState{JobQueued, JobStarted, JobRetrying}

// Dataset is the identity of an uploaded blob plus its processing outcome.
type Dataset struct {
	ID               string
	Name             string
	OriginalFilename string
	ContentType      string
	Status           DatasetStatus
	ChecksumSHA256   string
	SizeBytes        int64
	UploadedAt       time.Time
	ProcessedAt      *time.Time
	RowCount         *int64
	Error            *string
	UploadBucket     string
	UploadKey        string
	UploadETag       *string
}

// Job is a single processing attempt against one dataset.
type Job struct {
	ID         string
	DatasetID  string
	TaskID     *string
	State      JobState
	Progress   int
	Attempt    int
	QueuedAt   time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Error      *string
}

// Report is metadata pointing at the generated JSON object.
type Report struct {
	ID           string
	DatasetID    string
	CreatedAt    time.Time
	ReportBucket string
	ReportKey    string
	ReportETag   *string
}

// JobMessage is the transient payload carried on the broker.
type JobMessage struct {
	DatasetID string `json:"dataset_id"`
	JobID     string `json:"job_id"`
}

// DatasetSummary is the read-projection shape served by the Read API.
type DatasetSummary struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Status          DatasetStatus `json:"status"`
	RowCount        *int64        `json:"row_count,omitempty"`
	LatestJobID     *string       `json:"latest_job_id,omitempty"`
	ReportAvailable bool          `json:"report_available"`
	Error           *string       `json:"error,omitempty"`
}

// JobView is the read-projection shape of a Job served by the Read API.
type JobView struct {
	ID         string     `json:"id"`
	DatasetID  string     `json:"dataset_id"`
	State      JobState   `json:"state"`
	Progress   int        `json:"progress"`
	Error      *string    `json:"error,omitempty"`
	QueuedAt   time.Time  `json:"queued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (j Job) View() JobView {
	return JobView{
		ID:         j.ID,
		DatasetID:  j.DatasetID,
		State:      j.State,
		Progress:   j.Progress,
		Error:      j.Error,
		QueuedAt:   j.QueuedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
	}
}

// IsActive reports whether the job is in one of the mutually-exclusive
// active states enforced by the partial unique index.
func (j Job) IsActive() bool {
	for _, s := range ActiveJobStates {
		if j.State == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the job has reached Success or Failure.
func (j Job) IsTerminal() bool {
	return j.State == JobSuccess || j.State == JobFailure
}
