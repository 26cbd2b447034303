// Copyright 2025 James Ross
package broker

import (
	"context"
	"encoding/json"

	"github.com/rodrigowb4ey/dataset-processor/internal/model"
)

// Broker is the C3 contract: publish job messages on the ingest side,
// consume them on the worker side with at-least-once delivery. The worker
// must tolerate duplicate delivery; deduplication happens via job-state
// checks in the controller/pipeline, not here.
type Broker interface {
	Publish(ctx context.Context, msg model.JobMessage) (taskID string, err error)
	Consume(ctx context.Context, workerID string) (Delivery, bool, error)
	Close() error
}

// Delivery wraps one dequeued message with its ack/nack handles. Ack
// removes the entry from the worker's processing list; Nack re-publishes
// it immediately for a fresh delivery attempt.
type Delivery struct {
	Message model.JobMessage
	Ack     func(ctx context.Context) error
	Nack    func(ctx context.Context) error
}

func marshalMessage(msg model.JobMessage) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMessage(payload string) (model.JobMessage, error) {
	var msg model.JobMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return model.JobMessage{}, err
	}
	return msg, nil
}
