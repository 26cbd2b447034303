// Copyright 2025 James Ross
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/rodrigowb4ey/dataset-processor/internal/model"
	"github.com/rodrigowb4ey/dataset-processor/internal/obs"
)

// JobEvent is the wire shape published for every job terminal transition.
type JobEvent struct {
	JobID        string         `json:"job_id"`
	DatasetID    string         `json:"dataset_id"`
	State        model.JobState `json:"state"`
	DatasetName  string         `json:"dataset_name"`
	RowCount     *int64         `json:"row_count,omitempty"`
	Error        *string        `json:"error,omitempty"`
	ReportBucket string         `json:"report_bucket,omitempty"`
	ReportKey    string         `json:"report_key,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Publisher is the C10 contract: a best-effort fan-out of job lifecycle
// events. Publish failures are never propagated back into job state.
type Publisher struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	subject string
	log     *zap.Logger
}

// New connects to a NATS server and obtains a JetStream publishing context,
// mirroring the teacher's NATSPublisher connect-then-JetStream sequence.
func New(url, subject string, log *zap.Logger) (*Publisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return &Publisher{conn: conn, js: js, subject: subject, log: log}, nil
}

// NotifyJobTerminal implements worker.Notifier. It publishes the job's
// terminal state as an event and swallows any publish error beyond logging
// it: the event bus is an observability side channel, not a source of truth.
func (p *Publisher) NotifyJobTerminal(ctx context.Context, job model.Job, dataset model.Dataset, report *model.Report) {
	event := buildEvent(job, dataset, report)
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Warn("failed to marshal job event", obs.Err(err))
		return
	}
	subject := eventSubject(p.subject, job.State)
	if _, err := p.js.Publish(subject, payload); err != nil {
		p.log.Warn("failed to publish job event", obs.String("subject", subject), obs.Err(err))
	}
}

// buildEvent assembles the wire event for a terminal job, split out from
// NotifyJobTerminal so the mapping can be exercised without a NATS connection.
func buildEvent(job model.Job, dataset model.Dataset, report *model.Report) JobEvent {
	event := JobEvent{
		JobID:       job.ID,
		DatasetID:   job.DatasetID,
		State:       job.State,
		DatasetName: dataset.Name,
		RowCount:    dataset.RowCount,
		Error:       job.Error,
		Timestamp:   time.Now().UTC(),
	}
	if report != nil {
		event.ReportBucket = report.ReportBucket
		event.ReportKey = report.ReportKey
	}
	return event
}

// eventSubject returns the per-state subject a job event is published under.
func eventSubject(base string, state model.JobState) string {
	return fmt.Sprintf("%s.%s", base, string(state))
}

func (p *Publisher) Close() error {
	p.conn.Close()
	return nil
}
