package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/forgeml/forge/config"
)

// ErrCycleDetected means the derived_from chain loops. Submission-time checks
// should make this impossible; traversal still refuses to spin.
var ErrCycleDetected = errors.New("cycle in model lineage")

// Ancestors returns the derivation chain of a model, nearest parent first,
// by following derived_from_id until null. A visited set guards against
// cycles instead of trusting write-time prevention.
func (r *Repository) Ancestors(ctx context.Context, modelID uint) ([]config.Model, error) {
	start, err := r.GetModel(ctx, modelID)
	if err != nil {
		return nil, err
	}

	visited := map[uint]bool{start.ID: true}
	ancestors := []config.Model{}
	current := start
	for current.DerivedFromID != nil {
		parentID := *current.DerivedFromID
		if visited[parentID] {
			return nil, fmt.Errorf("model %d: %w", modelID, ErrCycleDetected)
		}
		parent, err := r.GetModel(ctx, parentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load ancestor %d of model %d: %w", parentID, modelID, err)
		}
		visited[parentID] = true
		ancestors = append(ancestors, *parent)
		current = parent
	}
	return ancestors, nil
}

// Descendants returns every model derived, directly or transitively, from
// the given model. Breadth-first over the inverse relation; fan-out is
// unbounded.
func (r *Repository) Descendants(ctx context.Context, modelID uint) ([]config.Model, error) {
	if _, err := r.GetModel(ctx, modelID); err != nil {
		return nil, err
	}

	visited := map[uint]bool{modelID: true}
	descendants := []config.Model{}
	frontier := []uint{modelID}
	for len(frontier) > 0 {
		var children []config.Model
		if err := r.db.WithContext(ctx).Where("derived_from_id IN ?", frontier).Order("id").Find(&children).Error; err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, child := range children {
			if visited[child.ID] {
				return nil, fmt.Errorf("model %d: %w", modelID, ErrCycleDetected)
			}
			visited[child.ID] = true
			descendants = append(descendants, child)
			frontier = append(frontier, child.ID)
		}
	}
	return descendants, nil
}

// WouldCycle reports whether creating a model derived from parentID that
// itself is an ancestor chain member would close a loop. Used by the
// dispatcher before inserting a derived model.
func (r *Repository) WouldCycle(ctx context.Context, parentID uint) (bool, error) {
	_, err := r.Ancestors(ctx, parentID)
	if errors.Is(err, ErrCycleDetected) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}
