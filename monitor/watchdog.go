// Package monitor watches for jobs stuck outside the normal lifecycle. The
// watchdog republishes the task message for queued jobs whose delivery was
// lost; overruns are only reported, cancelling is an operator decision.
package monitor

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/forgeml/forge/config"
	"github.com/forgeml/forge/queue"
	"github.com/forgeml/forge/repository"
)

// Watchdog periodically flags jobs queued or running far longer than
// expected and recovers queued jobs whose task message vanished.
type Watchdog struct {
	repo          *repository.Repository
	broker        queue.Broker
	queuedTimeout time.Duration
	maxRuntime    time.Duration
	interval      time.Duration
	stopChan      chan struct{}
	wg            sync.WaitGroup
}

// NewWatchdog creates a watchdog. queuedTimeout bounds how long a job may
// wait unclaimed before its task message is republished; maxRuntime bounds
// a single training run.
func NewWatchdog(repo *repository.Repository, broker queue.Broker, queuedTimeout, maxRuntime, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Watchdog{
		repo:          repo,
		broker:        broker,
		queuedTimeout: queuedTimeout,
		maxRuntime:    maxRuntime,
		interval:      interval,
		stopChan:      make(chan struct{}),
	}
}

// Start begins monitoring in a background goroutine.
func (w *Watchdog) Start() {
	w.wg.Add(1)
	go w.monitorLoop()
	log.Printf("Job watchdog started - polling every %s", w.interval)
}

// Stop stops the watchdog gracefully.
func (w *Watchdog) Stop() {
	close(w.stopChan)
	w.wg.Wait()
	log.Println("Job watchdog stopped")
}

func (w *Watchdog) monitorLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.CheckStuckJobs(context.Background())
		}
	}
}

// CheckStuckJobs handles every job outside its expected window: stuck queued
// jobs get their task message republished, overrunning jobs are alerted on.
func (w *Watchdog) CheckStuckJobs(ctx context.Context) {
	now := time.Now()

	queued, err := w.repo.ListQueuedSince(ctx, now.Add(-w.queuedTimeout))
	if err != nil {
		log.Printf("Failed to list stuck queued jobs: %v", err)
	} else {
		for _, job := range queued {
			log.Printf("ALERT: job %d queued since %s, no worker has claimed it", job.ID, job.CreatedAt.Format(time.RFC3339))
			w.republish(ctx, job)
		}
	}

	running, err := w.repo.ListRunningSince(ctx, now.Add(-w.maxRuntime))
	if err != nil {
		log.Printf("Failed to list overrunning jobs: %v", err)
		return
	}
	for _, job := range running {
		log.Printf("ALERT: job %d running since %s, past the %s runtime limit", job.ID, job.StartedAt.Format(time.RFC3339), w.maxRuntime)
	}
}

// republish puts a stuck job's task message back on its queue. The original
// was published and then lost somewhere between broker and claim; claiming
// is compare-and-set, so an extra copy of a message that was merely slow is
// dropped on delivery.
func (w *Watchdog) republish(ctx context.Context, job config.TrainingJob) {
	if w.broker == nil {
		return
	}

	entry, err := w.repo.OutboxEntry(ctx, job.ID)
	if err != nil {
		log.Printf("Failed to load task message for stuck job %d: %v", job.ID, err)
		return
	}
	if entry.PublishedAt == nil {
		// Never published; the outbox pump still owns it.
		return
	}

	var task queue.Task
	if err := json.Unmarshal([]byte(entry.Payload), &task); err != nil {
		log.Printf("Task message for stuck job %d is undecodable: %v", job.ID, err)
		return
	}

	// Resume counting from the last claimed attempt so a recovered job
	// keeps its bounded retry budget.
	task.Attempt = job.Attempts + 1
	if err := w.broker.Publish(ctx, task); err != nil {
		log.Printf("Failed to republish task for stuck job %d: %v", job.ID, err)
		return
	}
	log.Printf("Republished task for job %d (attempt %d)", job.ID, task.Attempt)
}
