package worker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/forgeml/forge/config"
	"github.com/forgeml/forge/dispatch"
	"github.com/forgeml/forge/queue"
	"github.com/forgeml/forge/reconcile"
	"github.com/forgeml/forge/repository"
	"github.com/forgeml/forge/training"
)

// fakeOpener serves dataset content from memory, keyed by URI.
type fakeOpener struct {
	files map[string]string
	fails int
}

func (o *fakeOpener) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	if o.fails > 0 {
		o.fails--
		return nil, fmt.Errorf("connection refused")
	}
	content, ok := o.files[uri]
	if !ok {
		return nil, fmt.Errorf("no such object: %s", uri)
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

// fakeSink collects artifacts in memory.
type fakeSink struct {
	objects map[string][]byte
}

func (s *fakeSink) Put(ctx context.Context, name string, content []byte, contentType string) (string, error) {
	s.objects[name] = content
	return "s3://models/" + name, nil
}

type workerFixture struct {
	db         *gorm.DB
	repo       *repository.Repository
	dispatcher *dispatch.Dispatcher
	broker     *queue.MemoryBroker
	pool       *Pool
	opener     *fakeOpener
	sink       *fakeSink
	dataset    *config.Dataset
	cfg        config.WorkerConfig
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, config.AutoMigrate(db))

	repo := repository.NewRepository(db)
	registry := training.NewBuiltinRegistry()
	broker := queue.NewMemoryBroker()
	t.Cleanup(func() { broker.Close() })

	uri := "s3://datasets/1/iris.csv"
	dataset := &config.Dataset{Name: "iris", Kind: config.DatasetKindTabular, URI: &uri}
	require.NoError(t, db.Create(dataset).Error)

	opener := &fakeOpener{files: map[string]string{
		uri: "sepal_length,sepal_width,species\n5.1,3.5,setosa\n6.3,3.3,virginica\n",
	}}
	sink := &fakeSink{objects: map[string][]byte{}}

	cfg := config.WorkerConfig{
		Concurrency:  1,
		Queues:       []string{config.QueueCPU},
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
	}
	pool := NewPool(repo, reconcile.NewReconciler(repo), registry, broker, opener, sink, cfg)

	return &workerFixture{
		db:         db,
		repo:       repo,
		dispatcher: dispatch.NewDispatcher(repo, registry),
		broker:     broker,
		pool:       pool,
		opener:     opener,
		sink:       sink,
		dataset:    dataset,
		cfg:        cfg,
	}
}

// submitAndDeliver submits a training job, drains the outbox into the
// broker, and returns the job ID with its first delivery.
func (f *workerFixture) submitAndDeliver(t *testing.T) (uint, *queue.Delivery) {
	t.Helper()
	ctx := context.Background()

	jobID, err := f.dispatcher.Submit(ctx, dispatch.SubmitRequest{
		Name:            "iris-classifier",
		Kind:            training.KindRandomForestForClassification,
		Task:            training.TaskTabularClassification,
		DatasetID:       f.dataset.ID,
		Hyperparameters: map[string]interface{}{"n_estimators": 10},
	})
	require.NoError(t, err)

	pump := dispatch.NewOutboxPump(f.repo, f.broker, time.Second)
	pump.PublishPending(ctx)

	consumeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	delivery, err := f.broker.Consume(consumeCtx, config.QueueCPU)
	require.NoError(t, err)
	require.Equal(t, jobID, delivery.Task.JobID)
	return jobID, delivery
}

func TestHandle_SuccessfulTraining(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	jobID, delivery := f.submitAndDeliver(t)

	f.pool.Handle(ctx, delivery)

	job, err := f.repo.GetTrainingJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, config.JobStatusCompleted, job.Status)
	require.NotNil(t, job.EndReason)
	assert.Equal(t, config.EndReasonOK, *job.EndReason)
	require.NotNil(t, job.Report)

	model, err := f.repo.GetModel(ctx, job.ModelID)
	require.NoError(t, err)
	require.NotNil(t, model.URI)
	assert.Contains(t, *model.URI, "model.json")
	assert.Greater(t, model.Size, int64(0))
	assert.Contains(t, f.sink.objects, fmt.Sprintf("%d/model.json", jobID))
}

func TestHandle_DuplicateDeliveryIsDropped(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	jobID, delivery := f.submitAndDeliver(t)

	f.pool.Handle(ctx, delivery)
	firstModel := len(f.sink.objects)

	// Redelivering the same message does not re-run training or touch the
	// stored result.
	f.pool.Handle(ctx, delivery)

	job, err := f.repo.GetTrainingJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, config.JobStatusCompleted, job.Status)
	assert.Equal(t, firstModel, len(f.sink.objects))
}

func TestHandle_CorruptDatasetFailsWithoutRetry(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.opener.files[*f.dataset.URI] = "header_only\n"

	jobID, delivery := f.submitAndDeliver(t)
	f.pool.Handle(ctx, delivery)

	job, err := f.repo.GetTrainingJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, config.JobStatusFailed, job.Status)
	require.NotNil(t, job.EndReason)
	assert.Contains(t, *job.EndReason, reconcile.FailureCorruptDataset)

	// The model row never got a URI.
	model, err := f.repo.GetModel(ctx, job.ModelID)
	require.NoError(t, err)
	assert.Nil(t, model.URI)

	// No retry was scheduled.
	consumeCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = f.broker.Consume(consumeCtx, config.QueueCPU)
	assert.Error(t, err)
}

func TestHandle_TransientFailureRequeues(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.opener.fails = 1

	jobID, delivery := f.submitAndDeliver(t)
	f.pool.Handle(ctx, delivery)

	// The job went back to queued with a delayed retry message.
	job, err := f.repo.GetTrainingJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, config.JobStatusQueued, job.Status)

	consumeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	retry, err := f.broker.Consume(consumeCtx, config.QueueCPU)
	require.NoError(t, err)
	assert.Equal(t, 2, retry.Task.Attempt)

	// The retry succeeds once storage recovers.
	f.pool.Handle(ctx, retry)
	job, err = f.repo.GetTrainingJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, config.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.Attempts)
}

func TestHandle_RetriesExhausted(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.opener.fails = 10

	jobID, delivery := f.submitAndDeliver(t)

	f.pool.Handle(ctx, delivery)
	for attempt := 2; attempt <= 3; attempt++ {
		consumeCtx, cancel := context.WithTimeout(ctx, time.Second)
		retry, err := f.broker.Consume(consumeCtx, config.QueueCPU)
		cancel()
		require.NoError(t, err)
		require.Equal(t, attempt, retry.Task.Attempt)
		f.pool.Handle(ctx, retry)
	}

	job, err := f.repo.GetTrainingJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, config.JobStatusFailed, job.Status)
	require.NotNil(t, job.EndReason)
	assert.Contains(t, *job.EndReason, reconcile.FailureRetriesExhausted)
}

func TestHandle_UnknownJobIsDropped(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.broker.Publish(ctx, queue.Task{
		MessageID: "m1",
		JobID:     9999,
		Kind:      training.KindRandomForestForClassification,
		Queue:     config.QueueCPU,
		Attempt:   1,
	}))

	consumeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	delivery, err := f.broker.Consume(consumeCtx, config.QueueCPU)
	require.NoError(t, err)

	// Must not panic or write anything.
	f.pool.Handle(ctx, delivery)
}

// recordingBroker wraps another broker and counts the calls Handle makes.
type recordingBroker struct {
	queue.Broker
	acks     int
	delayed  int
	delayErr error
}

func (b *recordingBroker) Ack(ctx context.Context, d *queue.Delivery) error {
	b.acks++
	return b.Broker.Ack(ctx, d)
}

func (b *recordingBroker) PublishAfter(ctx context.Context, task queue.Task, delay time.Duration) error {
	if b.delayErr != nil {
		return b.delayErr
	}
	b.delayed++
	return b.Broker.PublishAfter(ctx, task, delay)
}

func TestHandle_InfrastructureErrorRedelivers(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	jobID, delivery := f.submitAndDeliver(t)

	rec := &recordingBroker{Broker: f.broker}
	pool := NewPool(f.repo, reconcile.NewReconciler(f.repo), training.NewBuiltinRegistry(), rec, f.opener, f.sink, f.cfg)

	// A database outage while loading the job must not consume the message.
	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	pool.Handle(ctx, delivery)

	assert.Equal(t, 1, rec.delayed, "task must be handed back to the broker")
	assert.Equal(t, 1, rec.acks, "original delivery is acked only after the copy is scheduled")

	consumeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	redelivered, err := f.broker.Consume(consumeCtx, config.QueueCPU)
	require.NoError(t, err)
	assert.Equal(t, jobID, redelivered.Task.JobID)
	assert.Equal(t, delivery.Task.Attempt, redelivered.Task.Attempt, "an infrastructure retry does not burn a training attempt")
}

func TestHandle_RedeliveryFailureLeavesUnacked(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	_, delivery := f.submitAndDeliver(t)

	rec := &recordingBroker{Broker: f.broker, delayErr: fmt.Errorf("broker unavailable")}
	pool := NewPool(f.repo, reconcile.NewReconciler(f.repo), training.NewBuiltinRegistry(), rec, f.opener, f.sink, f.cfg)

	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	pool.Handle(ctx, delivery)

	assert.Zero(t, rec.acks, "delivery stays on the processing ledger for reclaim")
}

func TestHandle_UnknownKindFailsJob(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	jobID, delivery := f.submitAndDeliver(t)

	// Simulate a stale message naming a kind this worker build lacks.
	delivery.Task.Kind = "RetiredKind"
	f.pool.Handle(ctx, delivery)

	job, err := f.repo.GetTrainingJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, config.JobStatusFailed, job.Status)
	require.NotNil(t, job.EndReason)
	assert.Contains(t, *job.EndReason, reconcile.FailureUnknownKind)
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	p := &Pool{cfg: config.WorkerConfig{RetryBackoff: 30 * time.Second}}

	assert.Equal(t, 30*time.Second, p.backoff(1))
	assert.Equal(t, time.Minute, p.backoff(2))
	assert.Equal(t, 2*time.Minute, p.backoff(3))
	assert.Equal(t, time.Hour, p.backoff(20))
}

func TestPool_StartStop(t *testing.T) {
	f := newWorkerFixture(t)
	jobID, _ := f.submitAndDeliver(t)

	// Publish a fresh copy for the pool's own consumer.
	ctx := context.Background()
	job, err := f.repo.GetTrainingJob(ctx, jobID)
	require.NoError(t, err)
	require.NoError(t, f.broker.Publish(ctx, queue.Task{
		MessageID:       "m-restart",
		JobID:           jobID,
		Kind:            training.KindRandomForestForClassification,
		DatasetID:       job.DatasetID,
		Hyperparameters: []byte(job.Hyperparameters),
		Queue:           config.QueueCPU,
		Attempt:         1,
	}))

	f.pool.Start()
	require.Eventually(t, func() bool {
		j, err := f.repo.GetTrainingJob(ctx, jobID)
		return err == nil && j.Status == config.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	f.pool.Stop()
}
