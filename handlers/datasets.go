package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forgeml/forge/config"
	"github.com/forgeml/forge/dataset"
	"github.com/forgeml/forge/middleware"
	"github.com/forgeml/forge/models"
)

var validDatasetKinds = map[string]bool{
	config.DatasetKindGeneric:    true,
	config.DatasetKindTabular:    true,
	config.DatasetKindTimeseries: true,
}

// CreateDataset handles POST /api/v1/datasets
func (h *Handler) CreateDataset(c *gin.Context) {
	var req models.CreateDatasetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
		return
	}
	if !validDatasetKinds[req.Kind] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown dataset kind", "details": req.Kind})
		return
	}

	ds := &config.Dataset{
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     middleware.GetOwnerID(c),
		Kind:        req.Kind,
	}
	if err := h.repo.CreateDataset(c.Request.Context(), ds); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.ToDatasetResponse(ds))
}

// ListDatasets handles GET /api/v1/datasets
func (h *Handler) ListDatasets(c *gin.Context) {
	datasets, err := h.repo.ListDatasets(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	responses := make([]*models.DatasetResponse, 0, len(datasets))
	for i := range datasets {
		responses = append(responses, models.ToDatasetResponse(&datasets[i]))
	}
	c.JSON(http.StatusOK, responses)
}

// GetDataset handles GET /api/v1/datasets/:id
func (h *Handler) GetDataset(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ds, err := h.repo.GetDataset(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.ToDatasetResponse(ds))
}

// UploadDataset handles POST /api/v1/datasets/:id/upload. The file is staged
// in object storage first, validated there, then promoted and committed, so a
// failed validation never leaves a half-attached dataset.
func (h *Handler) UploadDataset(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	ds, err := h.repo.GetDataset(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing file field", "details": err.Error()})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable upload", "details": err.Error()})
		return
	}
	defer file.Close()

	stagingKey, err := h.store.StageDatasetUpload(ctx, ds.ID, fileHeader.Filename, file, fileHeader.Size, fileHeader.Header.Get("Content-Type"))
	if err != nil {
		respondError(c, err)
		return
	}

	staged, err := h.store.ReadStaged(ctx, stagingKey)
	if err != nil {
		h.store.DiscardStaged(ctx, stagingKey)
		respondError(c, err)
		return
	}
	schema, err := dataset.InferSchema(staged)
	staged.Close()
	if err != nil {
		h.store.DiscardStaged(ctx, stagingKey)
		if errors.Is(err, dataset.ErrInvalidFile) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid dataset file", "details": err.Error()})
			return
		}
		respondError(c, err)
		return
	}

	uri, err := h.store.PromoteDataset(ctx, stagingKey, ds.ID, fileHeader.Filename)
	if err != nil {
		h.store.DiscardStaged(ctx, stagingKey)
		respondError(c, err)
		return
	}

	if err := h.repo.CommitDatasetUpload(ctx, ds.ID, uri, schema.NRows, schema.String()); err != nil {
		respondError(c, err)
		return
	}

	log.Printf("Dataset %d: committed %s (%d rows)", ds.ID, fileHeader.Filename, schema.NRows)

	updated, err := h.repo.GetDataset(ctx, ds.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.ToDatasetResponse(updated))
}

// DeleteDataset handles DELETE /api/v1/datasets/:id
func (h *Handler) DeleteDataset(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := h.repo.GetDataset(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	if err := h.repo.DeleteDataset(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Dataset deleted"})
}
