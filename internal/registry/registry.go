package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ProgressFunc receives one progress message from a running executor. The
// dispatcher forwards each call to the task's progress log as it arrives.
type ProgressFunc func(message string)

// Executor performs the external action for one task type. Execute blocks
// until the action finishes, emitting progress through report along the way,
// and returns either a result payload or an error. Wrap an error in
// FatalError to skip the retry budget.
type Executor interface {
	Execute(ctx context.Context, input map[string]any, report ProgressFunc) (map[string]any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, input map[string]any, report ProgressFunc) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, input map[string]any, report ProgressFunc) (map[string]any, error) {
	return f(ctx, input, report)
}

// FatalError marks an execution failure that retrying cannot fix, e.g. a
// declined payment discovered at checkout.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err carries a FatalError anywhere in its chain.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// ValidationError reports missing or malformed input fields.
type ValidationError struct {
	TaskType string
	Fields   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input for %s: missing required field(s) %s", e.TaskType, strings.Join(e.Fields, ", "))
}

// ErrUnknownType is returned for a task type with no registered executor.
var ErrUnknownType = errors.New("unknown task type")

type entry struct {
	exec     Executor
	required []string
}

// Registry maps task-type tags to executors and their input schemas.
// Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func New() *Registry {
	return &Registry{entries: map[string]entry{}}
}

// Register binds a task type to an executor. required lists the input_data
// fields the admission gate must see before accepting a task of this type.
func (r *Registry) Register(taskType string, exec Executor, required ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[taskType] = entry{exec: exec, required: required}
}

// Executor returns the executor for taskType.
func (r *Registry) Executor(taskType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, taskType)
	}
	return e.exec, nil
}

// ValidateInput checks taskType is registered and input carries every
// required field with a non-empty value.
func (r *Registry) ValidateInput(taskType string, input map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[taskType]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, taskType)
	}
	var missing []string
	for _, field := range e.required {
		v, present := input[field]
		if !present || v == nil {
			missing = append(missing, field)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{TaskType: taskType, Fields: missing}
	}
	return nil
}

// Types returns registered task types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
