package models

import (
	"encoding/json"
	"time"

	"github.com/forgeml/forge/config"
)

// SubmitJobRequest is the training submission payload.
type SubmitJobRequest struct {
	Name              string                 `json:"name" binding:"required"`
	Description       *string                `json:"description"`
	Kind              string                 `json:"kind" binding:"required"`
	Task              string                 `json:"task" binding:"required"`
	TrainingDatasetID uint                   `json:"training_dataset_id" binding:"required"`
	Hyperparameters   map[string]interface{} `json:"hyperparameters"`
	DerivedFromID     *uint                  `json:"derived_from_id"`
	Queue             string                 `json:"queue"`
}

// SubmitJobResponse returns the created job's id; the caller polls for
// completion, submission never blocks on training.
type SubmitJobResponse struct {
	TrainingJobID uint `json:"training_job_id"`
}

// TrainingJobResponse represents a training job to clients.
type TrainingJobResponse struct {
	ID              uint            `json:"id"`
	OwnerID         int             `json:"owner_id"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	EndReason       *string         `json:"end_reason,omitempty"`
	DatasetID       uint            `json:"dataset_id"`
	ModelID         uint            `json:"model_id"`
	Hyperparameters json.RawMessage `json:"hyperparameters"`
	Report          *string         `json:"report,omitempty"`
	Queue           string          `json:"queue"`
	Attempts        int             `json:"attempts"`
}

// ToTrainingJobResponse converts a job row to its API shape.
func ToTrainingJobResponse(job *config.TrainingJob) *TrainingJobResponse {
	return &TrainingJobResponse{
		ID:              job.ID,
		OwnerID:         job.OwnerID,
		Status:          job.Status,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		EndedAt:         job.EndedAt,
		EndReason:       job.EndReason,
		DatasetID:       job.DatasetID,
		ModelID:         job.ModelID,
		Hyperparameters: json.RawMessage(job.Hyperparameters),
		Report:          job.Report,
		Queue:           job.Queue,
		Attempts:        job.Attempts,
	}
}

// JobStatusResponse is the lightweight polling shape.
type JobStatusResponse struct {
	ID        uint       `json:"id"`
	Status    string     `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason *string    `json:"end_reason,omitempty"`
}

// ModelResponse represents a model to clients.
type ModelResponse struct {
	ID            uint      `json:"id"`
	Name          string    `json:"name"`
	Description   *string   `json:"description,omitempty"`
	OwnerID       int       `json:"owner_id"`
	Task          string    `json:"task"`
	Kind          string    `json:"kind"`
	Size          int64     `json:"size"`
	URI           *string   `json:"uri,omitempty"`
	DerivedFromID *uint     `json:"derived_from_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ToModelResponse converts a model row to its API shape.
func ToModelResponse(m *config.Model) *ModelResponse {
	return &ModelResponse{
		ID:            m.ID,
		Name:          m.Name,
		Description:   m.Description,
		OwnerID:       m.OwnerID,
		Task:          m.Task,
		Kind:          m.Kind,
		Size:          m.Size,
		URI:           m.URI,
		DerivedFromID: m.DerivedFromID,
		CreatedAt:     m.CreatedAt,
	}
}

// CreateDatasetRequest creates a dataset record; its file arrives later
// through the upload endpoint.
type CreateDatasetRequest struct {
	Name        string  `json:"name" binding:"required"`
	Description *string `json:"description"`
	Kind        string  `json:"kind" binding:"required"`
}

// DatasetResponse represents a dataset to clients.
type DatasetResponse struct {
	ID          uint      `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	OwnerID     int       `json:"owner_id"`
	Kind        string    `json:"kind"`
	URI         *string   `json:"uri,omitempty"`
	NRows       *int64    `json:"n_rows,omitempty"`
	Columns     *string   `json:"columns,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ToDatasetResponse converts a dataset row to its API shape.
func ToDatasetResponse(d *config.Dataset) *DatasetResponse {
	return &DatasetResponse{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		OwnerID:     d.OwnerID,
		Kind:        d.Kind,
		URI:         d.URI,
		NRows:       d.NRows,
		Columns:     d.Columns,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

// CreateProjectRequest creates a project.
type CreateProjectRequest struct {
	Name        string  `json:"name" binding:"required"`
	Description *string `json:"description"`
	ProjectType string  `json:"project_type" binding:"required"`
}

// ProjectResponse represents a project to clients.
type ProjectResponse struct {
	ID          uint      `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	OwnerID     int       `json:"owner_id"`
	ProjectType string    `json:"project_type"`
	DatasetID   *uint     `json:"dataset_id,omitempty"`
	ModelID     *uint     `json:"model_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ToProjectResponse converts a project row to its API shape.
func ToProjectResponse(p *config.Project) *ProjectResponse {
	return &ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		OwnerID:     p.OwnerID,
		ProjectType: p.ProjectType,
		DatasetID:   p.DatasetID,
		ModelID:     p.ModelID,
		CreatedAt:   p.CreatedAt,
	}
}

// LinkDatasetRequest links a dataset to a project.
type LinkDatasetRequest struct {
	DatasetID uint `json:"dataset_id" binding:"required"`
}

// LinkModelRequest links a model to a project.
type LinkModelRequest struct {
	ModelID uint `json:"model_id" binding:"required"`
}
