package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Configuration failures. These are always fatal and non-retryable: they mean
// the stage graph itself is wrong, not that an attempt failed.
var (
	ErrCircularDependency = errors.New("circular dependency in stage graph")
	ErrUnknownStage       = errors.New("stage not found in pipeline")
	ErrCannotResume       = errors.New("cannot resume: stage is not asynchronous")
	ErrMissingKey         = errors.New("required context key missing at stage entry")
)

// IsConfigError reports whether err is a pipeline configuration failure
// rather than a stage attempt failure.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrCircularDependency) ||
		errors.Is(err, ErrUnknownStage) ||
		errors.Is(err, ErrCannotResume) ||
		errors.Is(err, ErrMissingKey)
}

// Stage is a single step in a workflow pipeline. A stage is light when only
// Execute is set: it runs to completion synchronously. A stage is heavy when
// Start is set: Start launches external asynchronous work and the pipeline
// suspends until a completion event for EventType arrives; GetResult then
// fetches the result and Resume (optional) finalizes it into the context.
//
// DependsOn orders stages; ties are broken by declaration order. Reads lists
// context keys the stage requires at entry; a missing key fails fast with
// ErrMissingKey instead of a nil dereference deep inside the stage. Writes
// lists keys the stage produces and feeds the delta serializer's
// significant-field set.
type Stage struct {
	Name      string
	DependsOn []string
	Reads     []string
	Writes    []string

	// CanExecute, when set, gates the stage; returning false skips it (not an error).
	CanExecute func(pc *Context) bool

	// Execute runs a light stage. The returned context replaces pc when non-nil.
	Execute func(ctx context.Context, pc *Context) (*Context, error)

	// Compensate is called best-effort when this stage fails; its error is
	// logged and never masks the original failure.
	Compensate func(ctx context.Context, pc *Context) error

	// Heavy-stage contract.
	EventType string
	Timeout   time.Duration
	Start     func(ctx context.Context, pc *Context) (taskID string, err error)
	GetResult func(ctx context.Context, pc *Context, taskID string) (*Context, error)
	Resume    func(ctx context.Context, pc *Context) (*Context, error)
}

// Heavy reports whether the stage suspends the pipeline for external work.
func (s Stage) Heavy() bool { return s.Start != nil }

// ValidateStages checks the stage set for structural problems: duplicate or
// empty names, dependencies on unknown stages, and incomplete light/heavy
// contracts. It does not check for cycles; SortStages does.
func ValidateStages(stages []Stage) error {
	names := make(map[string]bool, len(stages))
	for i, s := range stages {
		if s.Name == "" {
			return fmt.Errorf("stage %d: name required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("stage %q: duplicate name", s.Name)
		}
		names[s.Name] = true
		if s.Heavy() {
			if s.GetResult == nil {
				return fmt.Errorf("stage %q: heavy stage requires GetResult", s.Name)
			}
			if s.EventType == "" {
				return fmt.Errorf("stage %q: heavy stage requires EventType", s.Name)
			}
		} else if s.Execute == nil {
			return fmt.Errorf("stage %q: light stage requires Execute", s.Name)
		}
	}
	for _, s := range stages {
		for _, dep := range s.DependsOn {
			if !names[dep] {
				return fmt.Errorf("stage %q depends on %q: %w", s.Name, dep, ErrUnknownStage)
			}
		}
	}
	return nil
}

// requireReads fails fast when a declared read key is absent from the context.
func requireReads(s Stage, pc *Context) error {
	for _, key := range s.Reads {
		if _, ok := pc.Get(key); !ok {
			return fmt.Errorf("stage %q requires key %q: %w", s.Name, key, ErrMissingKey)
		}
	}
	return nil
}
