package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// ErrUnknownKind is returned when a kind identifier has no registration.
var ErrUnknownKind = errors.New("unknown model kind")

// ErrCorruptDataset marks a deterministic failure caused by the dataset
// content itself. Never retried.
var ErrCorruptDataset = errors.New("corrupt dataset")

// TrainInput carries everything a training routine may use: the dataset
// content, the validated hyperparameters, and a sink for produced artifacts.
type TrainInput struct {
	JobID           uint
	DatasetURI      string
	Data            io.Reader
	Hyperparameters map[string]interface{}
	Artifacts       ArtifactSink
}

// TrainOutput is the terminal result of a successful training run.
type TrainOutput struct {
	ModelURI  string
	ReportURI string
	Size      int64
}

// ArtifactSink stores a named artifact and returns its URI.
type ArtifactSink interface {
	Put(ctx context.Context, name string, content []byte, contentType string) (string, error)
}

// Kind is the capability interface every trainable model kind implements.
// HyperparameterSchema must be introspectable without running training code.
type Kind interface {
	Name() string
	Task() string
	DefaultQueue() string
	HyperparameterSchema() Schema
	Train(ctx context.Context, in TrainInput) (TrainOutput, error)
}

// Registry is the catalog of model kinds. Populated once at process start
// by RegisterBuiltins; read-only afterwards.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: map[string]Kind{}}
}

// Register adds a kind to the catalog. Registering the same name twice is a
// programming error and panics at startup rather than silently replacing.
func (r *Registry) Register(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[kind.Name()]; exists {
		panic(fmt.Sprintf("model kind %q registered twice", kind.Name()))
	}
	r.kinds[kind.Name()] = kind
}

// Resolve looks up a kind by identifier.
func (r *Registry) Resolve(name string) (Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.kinds[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
	return kind, nil
}

// ListKinds returns all registered kind identifiers, sorted.
func (r *Registry) ListKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// KindsForTask returns the identifiers of kinds solving the given task.
func (r *Registry) KindsForTask(task string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0)
	for name, kind := range r.kinds {
		if kind.Task() == task {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// TransientError marks a training failure worth retrying (resource
// exhaustion, flaky I/O). Anything else is treated as deterministic and
// fails the job immediately.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
