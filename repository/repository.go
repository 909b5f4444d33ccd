package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/forgeml/forge/config"
	"github.com/forgeml/forge/queue"
)

var (
	// ErrConflictingResult is returned when a terminal job receives a result
	// of the opposite class. The stored state is never overwritten.
	ErrConflictingResult = errors.New("conflicting terminal result")
	// ErrModelInUse is returned when deleting a model that still has derived
	// models or a non-terminal training job.
	ErrModelInUse = errors.New("model has derived models or an in-flight training job")
)

// Repository handles database operations
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository instance
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Transaction runs fn against a repository bound to a single database
// transaction, so read-then-write flows see one consistent snapshot and
// roll back together.
func (r *Repository) Transaction(ctx context.Context, fn func(tx *Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx})
	})
}

// ---- training jobs ----

// SubmitJob creates the model row, its training job, and the outbox task
// message in a single transaction. Both rows exist or neither does, and a
// committed job always has a pending task message.
func (r *Repository) SubmitJob(ctx context.Context, model *config.Model, job *config.TrainingJob) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			return fmt.Errorf("failed to create model: %w", err)
		}

		job.ModelID = model.ID
		job.Status = config.JobStatusQueued
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("failed to create training job: %w", err)
		}

		task := queue.Task{
			MessageID:       uuid.New().String(),
			JobID:           job.ID,
			Kind:            model.Kind,
			DatasetID:       job.DatasetID,
			Hyperparameters: json.RawMessage(job.Hyperparameters),
			Queue:           job.Queue,
			Attempt:         1,
		}
		payload, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task message: %w", err)
		}
		outbox := &config.TaskOutbox{JobID: job.ID, Payload: string(payload)}
		if err := tx.Create(outbox).Error; err != nil {
			return fmt.Errorf("failed to create outbox entry: %w", err)
		}
		return nil
	})
}

// GetTrainingJob retrieves a training job by ID
func (r *Repository) GetTrainingJob(ctx context.Context, id uint) (*config.TrainingJob, error) {
	var job config.TrainingJob
	if err := r.db.WithContext(ctx).First(&job, id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// ListTrainingJobs lists all training jobs, newest first.
func (r *Repository) ListTrainingJobs(ctx context.Context) ([]config.TrainingJob, error) {
	var jobs []config.TrainingJob
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// ClaimJob transitions a job from queued to running and stamps started_at.
// Compare-and-set: returns false without error if the job is not currently
// queued, which is how duplicate deliveries are detected.
func (r *Repository) ClaimJob(ctx context.Context, id uint, attempt int) (bool, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&config.TrainingJob{}).
		Where("id = ? AND status = ?", id, config.JobStatusQueued).
		Updates(map[string]interface{}{
			"status":     config.JobStatusRunning,
			"started_at": now,
			"attempts":   attempt,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim job %d: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// RequeueJob moves a running job back to queued ahead of a retry. Returns
// false if the job is no longer running.
func (r *Repository) RequeueJob(ctx context.Context, id uint) (bool, error) {
	result := r.db.WithContext(ctx).Model(&config.TrainingJob{}).
		Where("id = ? AND status = ?", id, config.JobStatusRunning).
		Updates(map[string]interface{}{
			"status":     config.JobStatusQueued,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to requeue job %d: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// CompleteJob records a successful outcome: the job becomes completed and
// the model row gets its artifact URI and size. Idempotent: a second
// completion is a no-op, though one carrying a different artifact is logged
// as a divergence; completing a failed job is ErrConflictingResult.
func (r *Repository) CompleteJob(ctx context.Context, jobID uint, modelURI, reportURI string, size int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job config.TrainingJob
		if err := tx.First(&job, jobID).Error; err != nil {
			return err
		}

		switch job.Status {
		case config.JobStatusCompleted:
			var model config.Model
			if err := tx.First(&model, job.ModelID).Error; err != nil {
				return err
			}
			if model.URI != nil && *model.URI != modelURI {
				log.Printf("Job %d: duplicate completion carries a different artifact (%s, stored %s), keeping the first",
					jobID, modelURI, *model.URI)
			}
			return nil
		case config.JobStatusFailed:
			return fmt.Errorf("job %d already failed (%s): %w", jobID, derefOr(job.EndReason, "?"), ErrConflictingResult)
		}

		now := time.Now()
		reason := config.EndReasonOK
		result := tx.Model(&config.TrainingJob{}).
			Where("id = ? AND status IN ?", jobID, []string{config.JobStatusQueued, config.JobStatusRunning}).
			Updates(map[string]interface{}{
				"status":     config.JobStatusCompleted,
				"ended_at":   now,
				"end_reason": reason,
				"report":     reportURI,
				"updated_at": now,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to complete job %d: %w", jobID, result.Error)
		}
		if result.RowsAffected == 0 {
			// Lost a race with another terminal write; re-read and re-judge.
			return ErrConflictingResult
		}

		updates := map[string]interface{}{"uri": modelURI, "updated_at": now}
		if size > 0 {
			updates["size"] = size
		}
		if err := tx.Model(&config.Model{}).Where("id = ?", job.ModelID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to record model artifact for job %d: %w", jobID, err)
		}
		return nil
	})
}

// FailJob records a failed outcome. The model row keeps its null URI.
// Idempotent with the same semantics as CompleteJob.
func (r *Repository) FailJob(ctx context.Context, jobID uint, reason string, reportURI *string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job config.TrainingJob
		if err := tx.First(&job, jobID).Error; err != nil {
			return err
		}

		switch job.Status {
		case config.JobStatusFailed:
			return nil
		case config.JobStatusCompleted:
			return fmt.Errorf("job %d already completed: %w", jobID, ErrConflictingResult)
		}

		now := time.Now()
		updates := map[string]interface{}{
			"status":     config.JobStatusFailed,
			"ended_at":   now,
			"end_reason": reason,
			"updated_at": now,
		}
		if reportURI != nil {
			updates["report"] = *reportURI
		}
		result := tx.Model(&config.TrainingJob{}).
			Where("id = ? AND status IN ?", jobID, []string{config.JobStatusQueued, config.JobStatusRunning}).
			Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("failed to fail job %d: %w", jobID, result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrConflictingResult
		}
		return nil
	})
}

// ListQueuedSince lists jobs still queued whose creation predates the cutoff.
// Watchdog input: a job queued that long has likely lost its task message.
func (r *Repository) ListQueuedSince(ctx context.Context, cutoff time.Time) ([]config.TrainingJob, error) {
	var jobs []config.TrainingJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", config.JobStatusQueued, cutoff).
		Order("created_at").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListRunningSince lists jobs running since before the cutoff.
func (r *Repository) ListRunningSince(ctx context.Context, cutoff time.Time) ([]config.TrainingJob, error) {
	var jobs []config.TrainingJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", config.JobStatusRunning, cutoff).
		Order("started_at").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// ---- outbox ----

// PendingOutbox returns unpublished task messages, oldest first.
func (r *Repository) PendingOutbox(ctx context.Context, limit int) ([]config.TaskOutbox, error) {
	var entries []config.TaskOutbox
	err := r.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("id").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// OutboxEntry returns the task message recorded for a job at submission.
func (r *Repository) OutboxEntry(ctx context.Context, jobID uint) (*config.TaskOutbox, error) {
	var entry config.TaskOutbox
	if err := r.db.WithContext(ctx).Where("job_id = ?", jobID).First(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// MarkOutboxPublished stamps an outbox entry as delivered to the broker.
func (r *Repository) MarkOutboxPublished(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&config.TaskOutbox{}).
		Where("id = ?", id).
		Update("published_at", time.Now()).Error
}

// ---- models ----

// GetModel retrieves a model by ID
func (r *Repository) GetModel(ctx context.Context, id uint) (*config.Model, error) {
	var model config.Model
	if err := r.db.WithContext(ctx).First(&model, id).Error; err != nil {
		return nil, err
	}
	return &model, nil
}

// ListModels lists all models, newest first.
func (r *Repository) ListModels(ctx context.Context) ([]config.Model, error) {
	var models []config.Model
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	return models, nil
}

// DeleteModel removes a model unless other models derive from it or its
// training job is still in flight.
func (r *Repository) DeleteModel(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var derived int64
		if err := tx.Model(&config.Model{}).Where("derived_from_id = ?", id).Count(&derived).Error; err != nil {
			return err
		}
		if derived > 0 {
			return fmt.Errorf("model %d: %w", id, ErrModelInUse)
		}

		var inflight int64
		err := tx.Model(&config.TrainingJob{}).
			Where("model_id = ? AND status IN ?", id, []string{config.JobStatusQueued, config.JobStatusRunning}).
			Count(&inflight).Error
		if err != nil {
			return err
		}
		if inflight > 0 {
			return fmt.Errorf("model %d: %w", id, ErrModelInUse)
		}

		return tx.Delete(&config.Model{}, id).Error
	})
}

// ---- datasets ----

// CreateDataset creates a dataset row. URI stays null until a validated file
// is committed.
func (r *Repository) CreateDataset(ctx context.Context, dataset *config.Dataset) error {
	if err := r.db.WithContext(ctx).Create(dataset).Error; err != nil {
		return fmt.Errorf("failed to create dataset: %w", err)
	}
	return nil
}

// GetDataset retrieves a dataset by ID
func (r *Repository) GetDataset(ctx context.Context, id uint) (*config.Dataset, error) {
	var dataset config.Dataset
	if err := r.db.WithContext(ctx).First(&dataset, id).Error; err != nil {
		return nil, err
	}
	return &dataset, nil
}

// ListDatasets lists all datasets, newest first.
func (r *Repository) ListDatasets(ctx context.Context) ([]config.Dataset, error) {
	var datasets []config.Dataset
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&datasets).Error; err != nil {
		return nil, err
	}
	return datasets, nil
}

// DeleteDataset soft deletes a dataset.
func (r *Repository) DeleteDataset(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&config.Dataset{}, id).Error
}

// CommitDatasetUpload records a validated file in one write: storage URI plus
// the inferred tabular schema. Callers promote the staged object first, so a
// reader never observes a URI pointing at unvalidated data.
func (r *Repository) CommitDatasetUpload(ctx context.Context, id uint, uri string, nRows int64, columns string) error {
	result := r.db.WithContext(ctx).Model(&config.Dataset{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"uri":        uri,
			"n_rows":     nRows,
			"columns":    columns,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to commit dataset upload: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ---- projects ----

// CreateProject creates a project row.
func (r *Repository) CreateProject(ctx context.Context, project *config.Project) error {
	if err := r.db.WithContext(ctx).Create(project).Error; err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID
func (r *Repository) GetProject(ctx context.Context, id uint) (*config.Project, error) {
	var project config.Project
	if err := r.db.WithContext(ctx).First(&project, id).Error; err != nil {
		return nil, err
	}
	return &project, nil
}

// ListProjects lists all projects, newest first.
func (r *Repository) ListProjects(ctx context.Context) ([]config.Project, error) {
	var projects []config.Project
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&projects).Error; err != nil {
		return nil, err
	}
	return projects, nil
}

// LinkProjectDataset points a project at a dataset.
func (r *Repository) LinkProjectDataset(ctx context.Context, projectID, datasetID uint) error {
	return r.db.WithContext(ctx).Model(&config.Project{}).
		Where("id = ?", projectID).
		Updates(map[string]interface{}{"dataset_id": datasetID, "updated_at": time.Now()}).Error
}

// LinkProjectModel points a project at a model.
func (r *Repository) LinkProjectModel(ctx context.Context, projectID, modelID uint) error {
	return r.db.WithContext(ctx).Model(&config.Project{}).
		Where("id = ?", projectID).
		Updates(map[string]interface{}{"model_id": modelID, "updated_at": time.Now()}).Error
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
