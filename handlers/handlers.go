package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/forgeml/forge/dispatch"
	"github.com/forgeml/forge/middleware"
	"github.com/forgeml/forge/models"
	"github.com/forgeml/forge/repository"
	"github.com/forgeml/forge/storage"
	"github.com/forgeml/forge/training"
)

// Handler handles HTTP requests
type Handler struct {
	repo       *repository.Repository
	dispatcher *dispatch.Dispatcher
	registry   *training.Registry
	store      *storage.Client
}

// NewHandler creates a new handler instance
func NewHandler(repo *repository.Repository, dispatcher *dispatch.Dispatcher, registry *training.Registry, store *storage.Client) *Handler {
	return &Handler{
		repo:       repo,
		dispatcher: dispatcher,
		registry:   registry,
		store:      store,
	}
}

// respondError maps domain errors to HTTP statuses. Client-input errors
// stay 4xx; invariant violations surface as 5xx.
func respondError(c *gin.Context, err error) {
	var invalid *training.InvalidHyperparametersError
	switch {
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid hyperparameters", "fields": invalid.Fields})
	case errors.Is(err, training.ErrUnknownKind):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown model kind", "details": err.Error()})
	case errors.Is(err, dispatch.ErrParentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Parent model not found", "details": err.Error()})
	case errors.Is(err, dispatch.ErrIncompatibleLineage),
		errors.Is(err, dispatch.ErrIncompatibleDataset),
		errors.Is(err, dispatch.ErrTaskMismatch),
		errors.Is(err, dispatch.ErrUnknownQueue):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid submission", "details": err.Error()})
	case errors.Is(err, dispatch.ErrDatasetNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": "Dataset has no committed data file", "details": err.Error()})
	case errors.Is(err, repository.ErrModelInUse):
		c.JSON(http.StatusConflict, gin.H{"error": "Model is in use", "details": err.Error()})
	case errors.Is(err, repository.ErrCycleDetected):
		log.Printf("Lineage invariant violated: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Model lineage is corrupt", "details": err.Error()})
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	default:
		log.Printf("Request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

func pathID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}
	return uint(id), true
}

// SubmitTrainingJob handles POST /api/v1/jobs
func (h *Handler) SubmitTrainingJob(c *gin.Context) {
	var req models.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
		return
	}

	jobID, err := h.dispatcher.Submit(c.Request.Context(), dispatch.SubmitRequest{
		Name:            req.Name,
		Description:     req.Description,
		OwnerID:         middleware.GetOwnerID(c),
		Kind:            req.Kind,
		Task:            req.Task,
		DerivedFromID:   req.DerivedFromID,
		DatasetID:       req.TrainingDatasetID,
		Hyperparameters: req.Hyperparameters,
		Queue:           req.Queue,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.SubmitJobResponse{TrainingJobID: jobID})
}

// ListTrainingJobs handles GET /api/v1/jobs
func (h *Handler) ListTrainingJobs(c *gin.Context) {
	jobs, err := h.repo.ListTrainingJobs(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	responses := make([]*models.TrainingJobResponse, 0, len(jobs))
	for i := range jobs {
		responses = append(responses, models.ToTrainingJobResponse(&jobs[i]))
	}
	c.JSON(http.StatusOK, responses)
}

// GetTrainingJob handles GET /api/v1/jobs/:id
func (h *Handler) GetTrainingJob(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	job, err := h.repo.GetTrainingJob(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.ToTrainingJobResponse(job))
}

// GetTrainingJobStatus handles GET /api/v1/jobs/:id/status
func (h *Handler) GetTrainingJobStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	job, err := h.repo.GetTrainingJob(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.JobStatusResponse{
		ID:        job.ID,
		Status:    job.Status,
		StartedAt: job.StartedAt,
		EndedAt:   job.EndedAt,
		EndReason: job.EndReason,
	})
}

// ListKinds handles GET /api/v1/kinds
func (h *Handler) ListKinds(c *gin.Context) {
	task := c.Query("task")
	if task != "" {
		c.JSON(http.StatusOK, gin.H{"kinds": h.registry.KindsForTask(task)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"kinds": h.registry.ListKinds()})
}

// GetKindSchema handles GET /api/v1/kinds/:id/schema. Schemas are served
// from the registry without touching training code.
func (h *Handler) GetKindSchema(c *gin.Context) {
	kind, err := h.registry.Resolve(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"kind":            kind.Name(),
		"task":            kind.Task(),
		"default_queue":   kind.DefaultQueue(),
		"hyperparameters": kind.HyperparameterSchema(),
	})
}
