// Package queue defines the task message carried from the dispatcher to the
// workers and the broker contract delivering it. Delivery is at-least-once:
// a task may reach more than one worker, never zero (absent broker loss), so
// consumers must tolerate duplicates.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Task is the message describing one training job. JobID alone identifies
// the work; the remaining fields are carried redundantly so a worker can
// start without an extra lookup.
type Task struct {
	MessageID       string          `json:"message_id"`
	JobID           uint            `json:"job_id"`
	Kind            string          `json:"kind"`
	DatasetID       uint            `json:"dataset_id"`
	Hyperparameters json.RawMessage `json:"hyperparameters"`
	Queue           string          `json:"queue"`
	Attempt         int             `json:"attempt"`
}

// Delivery is one received task plus what the broker needs to acknowledge it.
type Delivery struct {
	Task Task

	// Broker bookkeeping; opaque to consumers.
	queue string
	raw   string
}

// Broker is the delivery channel between dispatcher and workers.
type Broker interface {
	// Publish makes the task available on its queue immediately.
	Publish(ctx context.Context, task Task) error
	// PublishAfter makes the task available once the delay elapses. Used
	// for retry backoff.
	PublishAfter(ctx context.Context, task Task, delay time.Duration) error
	// Consume blocks until a task is available on the named queue or the
	// context is done.
	Consume(ctx context.Context, queue string) (*Delivery, error)
	// Ack marks the delivery as handled. An unacked delivery stays on the
	// processing ledger for requeueing after a worker crash.
	Ack(ctx context.Context, d *Delivery) error
	Close() error
}
