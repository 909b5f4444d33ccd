package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forgeml/forge/config"
	"github.com/forgeml/forge/middleware"
	"github.com/forgeml/forge/models"
	"github.com/forgeml/forge/training"
)

// CreateProject handles POST /api/v1/projects
func (h *Handler) CreateProject(c *gin.Context) {
	var req models.CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
		return
	}
	if !training.ValidTask(req.ProjectType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown project type", "details": req.ProjectType})
		return
	}

	project := &config.Project{
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     middleware.GetOwnerID(c),
		ProjectType: req.ProjectType,
	}
	if err := h.repo.CreateProject(c.Request.Context(), project); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.ToProjectResponse(project))
}

// ListProjects handles GET /api/v1/projects
func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.repo.ListProjects(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	responses := make([]*models.ProjectResponse, 0, len(projects))
	for i := range projects {
		responses = append(responses, models.ToProjectResponse(&projects[i]))
	}
	c.JSON(http.StatusOK, responses)
}

// GetProject handles GET /api/v1/projects/:id
func (h *Handler) GetProject(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	project, err := h.repo.GetProject(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.ToProjectResponse(project))
}

// LinkProjectDataset handles POST /api/v1/projects/:id/dataset
func (h *Handler) LinkProjectDataset(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req models.LinkDatasetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
		return
	}
	ctx := c.Request.Context()

	project, err := h.repo.GetProject(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	ds, err := h.repo.GetDataset(ctx, req.DatasetID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !training.DatasetCompatible(project.ProjectType, ds.Kind) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Dataset kind does not fit project type",
			"details": ds.Kind + " cannot serve " + project.ProjectType,
		})
		return
	}

	if err := h.repo.LinkProjectDataset(ctx, project.ID, ds.ID); err != nil {
		respondError(c, err)
		return
	}
	project.DatasetID = &ds.ID
	c.JSON(http.StatusOK, models.ToProjectResponse(project))
}

// LinkProjectModel handles POST /api/v1/projects/:id/model
func (h *Handler) LinkProjectModel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req models.LinkModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
		return
	}
	ctx := c.Request.Context()

	project, err := h.repo.GetProject(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	model, err := h.repo.GetModel(ctx, req.ModelID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !training.ModelCompatible(project.ProjectType, model.Task) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Model task does not fit project type",
			"details": model.Task + " cannot serve " + project.ProjectType,
		})
		return
	}

	if err := h.repo.LinkProjectModel(ctx, project.ID, model.ID); err != nil {
		respondError(c, err)
		return
	}
	project.ModelID = &model.ID
	c.JSON(http.StatusOK, models.ToProjectResponse(project))
}
