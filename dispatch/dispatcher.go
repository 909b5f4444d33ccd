// Package dispatch validates training submissions and turns them into a
// model row, a queued training job, and a broker task message. The request
// path never blocks on training: it writes the database transaction and
// returns; publishing is the outbox pump's job.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"gorm.io/gorm"

	"github.com/forgeml/forge/config"
	"github.com/forgeml/forge/repository"
	"github.com/forgeml/forge/training"
)

var (
	// ErrParentNotFound is returned when derived_from references no model.
	ErrParentNotFound = errors.New("parent model not found")
	// ErrIncompatibleLineage is returned when the parent model solves a
	// different task than the submission.
	ErrIncompatibleLineage = errors.New("parent model solves a different task")
	// ErrIncompatibleDataset is returned when the training dataset's kind
	// cannot feed the submission's task.
	ErrIncompatibleDataset = errors.New("dataset kind is incompatible with task")
	// ErrDatasetNotReady is returned when the dataset has no committed file.
	ErrDatasetNotReady = errors.New("dataset has no committed data file")
	// ErrTaskMismatch is returned when the requested task differs from the
	// task the chosen model kind solves.
	ErrTaskMismatch = errors.New("model kind does not solve the requested task")
	// ErrUnknownQueue is returned for an unrecognized queue override.
	ErrUnknownQueue = errors.New("unknown worker queue")
)

// SubmitRequest is a validated-input training submission.
type SubmitRequest struct {
	Name            string
	Description     *string
	OwnerID         int
	Kind            string
	Task            string
	DerivedFromID   *uint
	DatasetID       uint
	Hyperparameters map[string]interface{}
	// Queue optionally overrides the kind's default hardware class.
	Queue string
}

// Dispatcher accepts submissions and creates job records.
type Dispatcher struct {
	repo     *repository.Repository
	registry *training.Registry
}

// NewDispatcher creates a dispatcher over the given store and kind catalog.
func NewDispatcher(repo *repository.Repository, registry *training.Registry) *Dispatcher {
	return &Dispatcher{repo: repo, registry: registry}
}

// Submit runs the full validation chain and, if everything holds, inserts
// the model and job rows plus the outbox task message in one transaction.
// Returns the training job ID; the caller never waits for training.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (uint, error) {
	kind, err := d.registry.Resolve(req.Kind)
	if err != nil {
		return 0, err
	}
	if req.Task != kind.Task() {
		return 0, fmt.Errorf("kind %s solves %s, not %s: %w", req.Kind, kind.Task(), req.Task, ErrTaskMismatch)
	}

	normalized, err := kind.HyperparameterSchema().Validate(req.Hyperparameters)
	if err != nil {
		return 0, err
	}

	queueName := req.Queue
	if queueName == "" {
		queueName = kind.DefaultQueue()
	} else if queueName != config.QueueCPU && queueName != config.QueueGPUT4 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownQueue, req.Queue)
	}

	hyperparameters, err := json.Marshal(normalized)
	if err != nil {
		return 0, fmt.Errorf("failed to encode hyperparameters: %w", err)
	}

	model := &config.Model{
		Name:          req.Name,
		Description:   req.Description,
		OwnerID:       req.OwnerID,
		IsActive:      true,
		Task:          req.Task,
		Kind:          req.Kind,
		DerivedFromID: req.DerivedFromID,
	}
	job := &config.TrainingJob{
		OwnerID:         req.OwnerID,
		DatasetID:       req.DatasetID,
		Hyperparameters: string(hyperparameters),
		Queue:           queueName,
	}

	// Reference checks and the insert share one transaction: a dataset or
	// parent model removed concurrently cannot slip between validation and
	// commit.
	err = d.repo.Transaction(ctx, func(tx *repository.Repository) error {
		if req.DerivedFromID != nil {
			if err := d.checkLineage(ctx, tx, *req.DerivedFromID, req.Task); err != nil {
				return err
			}
		}
		if err := d.checkDataset(ctx, tx, req.DatasetID, req.Task); err != nil {
			return err
		}
		return tx.SubmitJob(ctx, model, job)
	})
	if err != nil {
		return 0, err
	}

	log.Printf("Submitted training job %d (model %d, kind %s, queue %s)", job.ID, model.ID, req.Kind, queueName)
	return job.ID, nil
}

func (d *Dispatcher) checkLineage(ctx context.Context, repo *repository.Repository, parentID uint, task string) error {
	parent, err := repo.GetModel(ctx, parentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("model %d: %w", parentID, ErrParentNotFound)
	}
	if err != nil {
		return err
	}
	if parent.Task != task {
		return fmt.Errorf("parent model %d solves %s: %w", parentID, parent.Task, ErrIncompatibleLineage)
	}

	// Refuse to extend a chain that already loops. A fresh model row cannot
	// itself close a cycle, so an acyclic parent chain is sufficient.
	cyclic, err := repo.WouldCycle(ctx, parentID)
	if err != nil {
		return err
	}
	if cyclic {
		return fmt.Errorf("parent model %d: %w", parentID, repository.ErrCycleDetected)
	}
	return nil
}

func (d *Dispatcher) checkDataset(ctx context.Context, repo *repository.Repository, datasetID uint, task string) error {
	dataset, err := repo.GetDataset(ctx, datasetID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("dataset %d: %w", datasetID, ErrIncompatibleDataset)
	}
	if err != nil {
		return err
	}
	if !training.DatasetCompatible(task, dataset.Kind) {
		return fmt.Errorf("dataset %d has kind %s: %w", datasetID, dataset.Kind, ErrIncompatibleDataset)
	}
	if dataset.URI == nil {
		return fmt.Errorf("dataset %d: %w", datasetID, ErrDatasetNotReady)
	}
	return nil
}
