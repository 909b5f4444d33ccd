// Package worker pulls task messages from the broker and executes the
// model-kind training routine they name. Workers are the only place
// training runs; the request path never blocks on them.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/forgeml/forge/config"
	"github.com/forgeml/forge/queue"
	"github.com/forgeml/forge/reconcile"
	"github.com/forgeml/forge/repository"
	"github.com/forgeml/forge/training"
)

// DatasetOpener opens the content behind a dataset URI.
type DatasetOpener interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Pool runs training consumers over one or more queues.
type Pool struct {
	repo       *repository.Repository
	reconciler *reconcile.Reconciler
	registry   *training.Registry
	broker     queue.Broker
	datasets   DatasetOpener
	artifacts  training.ArtifactSink
	cfg        config.WorkerConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool; Start launches its consumers.
func NewPool(repo *repository.Repository, reconciler *reconcile.Reconciler, registry *training.Registry,
	broker queue.Broker, datasets DatasetOpener, artifacts training.ArtifactSink, cfg config.WorkerConfig) *Pool {
	return &Pool{
		repo:       repo,
		reconciler: reconciler,
		registry:   registry,
		broker:     broker,
		datasets:   datasets,
		artifacts:  artifacts,
		cfg:        cfg,
	}
}

// Start launches Concurrency consumers per configured queue.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for _, queueName := range p.cfg.Queues {
		for i := 0; i < p.cfg.Concurrency; i++ {
			p.wg.Add(1)
			go p.consumeLoop(ctx, queueName)
		}
	}
	log.Printf("Worker pool started - %d consumers on queues %v", p.cfg.Concurrency*len(p.cfg.Queues), p.cfg.Queues)
}

// Stop stops all consumers and waits for in-flight work.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	log.Println("Worker pool stopped")
}

func (p *Pool) consumeLoop(ctx context.Context, queueName string) {
	defer p.wg.Done()

	for {
		delivery, err := p.broker.Consume(ctx, queueName)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Failed to consume from queue %s: %v", queueName, err)
			time.Sleep(time.Second)
			continue
		}
		p.Handle(ctx, delivery)
	}
}

// Handle processes one delivery end to end. Every resolved path acks the
// message; an infrastructure error while loading or claiming the job hands
// the task back to the broker instead, so a database outage never consumes
// a delivery while the job sits queued. A training error never crashes the
// consumer.
func (p *Pool) Handle(ctx context.Context, delivery *queue.Delivery) {
	task := delivery.Task

	job, err := p.repo.GetTrainingJob(ctx, task.JobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("Dropping task for unknown job %d", task.JobID)
		p.ack(ctx, delivery)
		return
	}
	if err != nil {
		p.redeliver(ctx, delivery, fmt.Errorf("failed to load job %d: %w", task.JobID, err))
		return
	}

	// At-least-once delivery: a duplicate for a terminal or already-claimed
	// job is acked and dropped, never re-executed.
	claimed, err := p.repo.ClaimJob(ctx, job.ID, task.Attempt)
	if err != nil {
		p.redeliver(ctx, delivery, fmt.Errorf("failed to claim job %d: %w", job.ID, err))
		return
	}
	if !claimed {
		log.Printf("Skipping duplicate delivery for job %d (status %s)", job.ID, job.Status)
		p.ack(ctx, delivery)
		return
	}

	// A nil outcome means the job was requeued for retry; nothing terminal
	// to record.
	if outcome := p.execute(ctx, job, task); outcome != nil {
		if err := p.reconciler.Reconcile(ctx, job.ID, *outcome); err != nil {
			log.Printf("Failed to reconcile job %d: %v", job.ID, err)
		}
	}
	p.ack(ctx, delivery)
}

func (p *Pool) ack(ctx context.Context, delivery *queue.Delivery) {
	if err := p.broker.Ack(ctx, delivery); err != nil {
		log.Printf("Failed to ack task for job %d: %v", delivery.Task.JobID, err)
	}
}

// redeliver republishes the task with backoff after an infrastructure error,
// acking the original only once the copy is safely scheduled. If the
// republish itself fails the delivery stays unacked on the broker's
// processing ledger, where the reclaimer picks it up.
func (p *Pool) redeliver(ctx context.Context, delivery *queue.Delivery, cause error) {
	task := delivery.Task
	delay := p.backoff(task.Attempt)
	log.Printf("Job %d: %v, redelivering in %s", task.JobID, cause, delay)
	if err := p.broker.PublishAfter(ctx, task, delay); err != nil {
		log.Printf("Failed to redeliver task for job %d: %v", task.JobID, err)
		return
	}
	p.ack(ctx, delivery)
}

// execute runs the training routine and classifies its result. A nil return
// means the job went back to the queue for a retry.
func (p *Pool) execute(ctx context.Context, job *config.TrainingJob, task queue.Task) *reconcile.Outcome {
	kind, err := p.registry.Resolve(task.Kind)
	if err != nil {
		out := reconcile.FailureOutcome(reconcile.FailureUnknownKind, err.Error(), "")
		return &out
	}

	schema := kind.HyperparameterSchema()
	params, err := decodeHyperparameters(schema, task.Hyperparameters)
	if err != nil {
		out := reconcile.FailureOutcome(reconcile.FailureTraining, err.Error(), "")
		return &out
	}

	dataset, err := p.repo.GetDataset(ctx, task.DatasetID)
	if err != nil {
		return p.retryOrFail(ctx, job, task, fmt.Errorf("failed to load dataset %d: %w", task.DatasetID, err))
	}
	if dataset.URI == nil {
		out := reconcile.FailureOutcome(reconcile.FailureCorruptDataset, fmt.Sprintf("dataset %d has no committed file", dataset.ID), "")
		return &out
	}

	data, err := p.datasets.Open(ctx, *dataset.URI)
	if err != nil {
		return p.retryOrFail(ctx, job, task, training.Transient(err))
	}
	defer data.Close()

	result, err := p.runTraining(ctx, kind, training.TrainInput{
		JobID:           job.ID,
		DatasetURI:      *dataset.URI,
		Data:            data,
		Hyperparameters: params,
		Artifacts:       p.artifacts,
	})
	if err != nil {
		return p.classifyFailure(ctx, job, task, err)
	}

	log.Printf("Job %d trained successfully (model artifact %s)", job.ID, result.ModelURI)
	out := reconcile.SuccessOutcome(result.ModelURI, result.ReportURI, result.Size)
	return &out
}

type panicError struct {
	value interface{}
}

func (e *panicError) Error() string { return fmt.Sprintf("training routine panicked: %v", e.value) }

// runTraining invokes the kind with panic recovery so an uncaught panic in
// a training routine still resolves the job instead of killing the worker.
func (p *Pool) runTraining(ctx context.Context, kind training.Kind, in training.TrainInput) (out training.TrainOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return kind.Train(ctx, in)
}

func (p *Pool) classifyFailure(ctx context.Context, job *config.TrainingJob, task queue.Task, err error) *reconcile.Outcome {
	var pe *panicError
	if errors.As(err, &pe) {
		log.Printf("Job %d: %v", job.ID, err)
		out := reconcile.FailureOutcome(reconcile.FailurePanic, err.Error(), "")
		return &out
	}
	if errors.Is(err, training.ErrCorruptDataset) {
		out := reconcile.FailureOutcome(reconcile.FailureCorruptDataset, err.Error(), "")
		return &out
	}
	if training.IsTransient(err) {
		return p.retryOrFail(ctx, job, task, err)
	}
	out := reconcile.FailureOutcome(reconcile.FailureTraining, err.Error(), "")
	return &out
}

// retryOrFail requeues a transient failure with exponential backoff, or
// fails the job once attempts are exhausted.
func (p *Pool) retryOrFail(ctx context.Context, job *config.TrainingJob, task queue.Task, err error) *reconcile.Outcome {
	if task.Attempt >= p.cfg.MaxAttempts {
		out := reconcile.FailureOutcome(reconcile.FailureRetriesExhausted,
			fmt.Sprintf("gave up after %d attempts: %v", task.Attempt, err), "")
		return &out
	}

	requeued, requeueErr := p.repo.RequeueJob(ctx, job.ID)
	if requeueErr != nil || !requeued {
		log.Printf("Failed to requeue job %d (requeued=%v): %v", job.ID, requeued, requeueErr)
		out := reconcile.FailureOutcome(reconcile.FailureTraining, err.Error(), "")
		return &out
	}

	retry := task
	retry.Attempt++
	delay := p.backoff(task.Attempt)
	if publishErr := p.broker.PublishAfter(ctx, retry, delay); publishErr != nil {
		// The job stays queued; the watchdog will flag it if the retry
		// never lands.
		log.Printf("Failed to schedule retry for job %d: %v", job.ID, publishErr)
		return nil
	}

	log.Printf("Job %d attempt %d failed transiently, retrying in %s: %v", job.ID, task.Attempt, delay, err)
	return nil
}

func (p *Pool) backoff(attempt int) time.Duration {
	delay := p.cfg.RetryBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= time.Hour {
			return time.Hour
		}
	}
	return delay
}

// decodeHyperparameters re-validates the message's hyperparameter document
// against the kind schema, restoring the typed values the routine expects.
func decodeHyperparameters(schema training.Schema, raw []byte) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("undecodable hyperparameters: %w", err)
		}
	}
	params, err := schema.Validate(doc)
	if err != nil {
		return nil, err
	}
	return params, nil
}
