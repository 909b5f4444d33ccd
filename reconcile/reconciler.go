// Package reconcile writes worker outcomes back into durable job and model
// state. Reconciliation is idempotent under the broker's at-least-once
// delivery: the same terminal outcome twice is a no-op, a divergent outcome
// is surfaced as a data-integrity error and never overwrites what is stored.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/forgeml/forge/repository"
)

// Failure classes recorded in end_reason. The class leads, the human
// message follows after a colon.
const (
	FailureTraining         = "training_error"
	FailureCorruptDataset   = "corrupt_dataset"
	FailureRetriesExhausted = "retries_exhausted"
	FailurePanic            = "panic"
	FailureUnknownKind      = "unknown_kind"
)

// Outcome is a worker's terminal result for one job.
type Outcome struct {
	Success      bool
	ModelURI     string
	ReportURI    string
	Size         int64
	ErrorClass   string
	ErrorMessage string
}

// SuccessOutcome builds a success outcome.
func SuccessOutcome(modelURI, reportURI string, size int64) Outcome {
	return Outcome{Success: true, ModelURI: modelURI, ReportURI: reportURI, Size: size}
}

// FailureOutcome builds a failure outcome.
func FailureOutcome(class, message string, reportURI string) Outcome {
	return Outcome{Success: false, ErrorClass: class, ErrorMessage: message, ReportURI: reportURI}
}

// Reconciler applies outcomes to the job record store.
type Reconciler struct {
	repo *repository.Repository
}

// NewReconciler creates a reconciler over the given store.
func NewReconciler(repo *repository.Repository) *Reconciler {
	return &Reconciler{repo: repo}
}

// Reconcile records the outcome for jobID. On success the job completes and
// the model row gets its artifact URI; on failure the job fails and the
// model URI stays null. A conflicting result is logged loudly and returned,
// leaving the prior terminal state intact.
func (r *Reconciler) Reconcile(ctx context.Context, jobID uint, outcome Outcome) error {
	var err error
	if outcome.Success {
		err = r.repo.CompleteJob(ctx, jobID, outcome.ModelURI, outcome.ReportURI, outcome.Size)
	} else {
		reason := outcome.ErrorClass
		if outcome.ErrorMessage != "" {
			reason = fmt.Sprintf("%s: %s", outcome.ErrorClass, outcome.ErrorMessage)
		}
		var report *string
		if outcome.ReportURI != "" {
			report = &outcome.ReportURI
		}
		err = r.repo.FailJob(ctx, jobID, reason, report)
	}

	if errors.Is(err, repository.ErrConflictingResult) {
		// A job reported both success and failure. Do not touch the stored
		// state; this needs an operator, not a retry.
		log.Printf("ALERT: conflicting result for job %d (success=%v): %v", jobID, outcome.Success, err)
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to reconcile job %d: %w", jobID, err)
	}
	return nil
}
