package dispatch

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/forgeml/forge/queue"
	"github.com/forgeml/forge/repository"
)

const outboxBatchSize = 100

// OutboxPump publishes pending task messages from the outbox table to the
// broker. Splitting the commit from the publish removes the dual-write
// hazard: a committed job always has an outbox row, and an unpublished row
// is retried on the next tick rather than queued forever.
type OutboxPump struct {
	repo     *repository.Repository
	broker   queue.Broker
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewOutboxPump creates an outbox pump polling at the given interval.
func NewOutboxPump(repo *repository.Repository, broker queue.Broker, interval time.Duration) *OutboxPump {
	if interval <= 0 {
		interval = time.Second
	}
	return &OutboxPump{
		repo:     repo,
		broker:   broker,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start begins publishing in a background goroutine.
func (p *OutboxPump) Start() {
	p.wg.Add(1)
	go p.loop()
	log.Printf("Outbox pump started - polling every %s", p.interval)
}

// Stop stops the pump gracefully.
func (p *OutboxPump) Stop() {
	close(p.stopChan)
	p.wg.Wait()
	log.Println("Outbox pump stopped")
}

func (p *OutboxPump) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.PublishPending(context.Background())
		}
	}
}

// PublishPending drains one batch of unpublished outbox entries. Publish
// then mark: a crash between the two re-publishes on restart, which the
// at-least-once contract already allows.
func (p *OutboxPump) PublishPending(ctx context.Context) {
	entries, err := p.repo.PendingOutbox(ctx, outboxBatchSize)
	if err != nil {
		log.Printf("Failed to list pending outbox entries: %v", err)
		return
	}

	for _, entry := range entries {
		var task queue.Task
		if err := json.Unmarshal([]byte(entry.Payload), &task); err != nil {
			log.Printf("Outbox entry %d for job %d is undecodable, skipping: %v", entry.ID, entry.JobID, err)
			continue
		}
		if err := p.broker.Publish(ctx, task); err != nil {
			log.Printf("Failed to publish task for job %d, will retry: %v", entry.JobID, err)
			return
		}
		if err := p.repo.MarkOutboxPublished(ctx, entry.ID); err != nil {
			log.Printf("Failed to mark outbox entry %d published: %v", entry.ID, err)
			return
		}
	}
}
