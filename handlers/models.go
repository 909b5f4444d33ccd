package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forgeml/forge/models"
)

// ListModels handles GET /api/v1/models
func (h *Handler) ListModels(c *gin.Context) {
	rows, err := h.repo.ListModels(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	responses := make([]*models.ModelResponse, 0, len(rows))
	for i := range rows {
		responses = append(responses, models.ToModelResponse(&rows[i]))
	}
	c.JSON(http.StatusOK, responses)
}

// GetModel handles GET /api/v1/models/:id
func (h *Handler) GetModel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	model, err := h.repo.GetModel(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.ToModelResponse(model))
}

// GetModelAncestors handles GET /api/v1/models/:id/ancestors. Results are
// ordered nearest parent first.
func (h *Handler) GetModelAncestors(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := h.repo.GetModel(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	chain, err := h.repo.Ancestors(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	responses := make([]*models.ModelResponse, 0, len(chain))
	for i := range chain {
		responses = append(responses, models.ToModelResponse(&chain[i]))
	}
	c.JSON(http.StatusOK, responses)
}

// GetModelDescendants handles GET /api/v1/models/:id/descendants
func (h *Handler) GetModelDescendants(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := h.repo.GetModel(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	tree, err := h.repo.Descendants(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	responses := make([]*models.ModelResponse, 0, len(tree))
	for i := range tree {
		responses = append(responses, models.ToModelResponse(&tree[i]))
	}
	c.JSON(http.StatusOK, responses)
}

// DeleteModel handles DELETE /api/v1/models/:id
func (h *Handler) DeleteModel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := h.repo.GetModel(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	if err := h.repo.DeleteModel(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Model deleted"})
}
