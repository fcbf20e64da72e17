// Package state persists and reloads pipeline execution state keyed by job
// id. It is a thin façade over the job store: it never touches job status —
// status transitions belong to the engine.
package state

import (
	"context"
	"errors"
	"fmt"

	"reviewflow/internal/pipeline"
)

// ErrStateNotFound is returned when a job does not exist or has no persisted
// pipeline state to resume from.
var ErrStateNotFound = errors.New("pipeline state not found")

// Store is the slice of the job store the manager needs. GetPipelineState
// returns (nil, nil) when the job exists but has no checkpoint yet, and an
// error when the job itself is missing.
type Store interface {
	GetPipelineState(ctx context.Context, jobID string) ([]byte, error)
	SavePipelineState(ctx context.Context, jobID string, st []byte, currentStage string) error
}

// Manager serializes contexts under a configured strategy and reads/writes
// them on the job record.
type Manager struct {
	store      Store
	serializer *pipeline.Serializer
	strategy   pipeline.Strategy
}

// NewManager returns a state manager writing checkpoints with the given
// strategy. An empty strategy means full snapshots.
func NewManager(store Store, ser *pipeline.Serializer, strategy pipeline.Strategy) *Manager {
	if strategy == "" {
		strategy = pipeline.StrategyFull
	}
	return &Manager{store: store, serializer: ser, strategy: strategy}
}

// SaveState checkpoints pc onto the job record. For the delta strategy the
// previous snapshot is loaded as the diff base and the stored value is the
// delta applied back onto that base, so the persisted state stays
// self-contained for resume. significantKeys extends the delta
// significant-field set (stage Writes).
func (m *Manager) SaveState(ctx context.Context, jobID string, pc *pipeline.Context, significantKeys []string) error {
	opts := pipeline.Options{Strategy: m.strategy, SignificantKeys: significantKeys}
	if m.strategy == pipeline.StrategyDelta {
		prev, err := m.store.GetPipelineState(ctx, jobID)
		if err != nil {
			return fmt.Errorf("load previous state: %w", err)
		}
		opts.PreviousState = prev
	}
	data, err := m.serializer.Serialize(pc, opts)
	if err != nil {
		return fmt.Errorf("serialize state: %w", err)
	}
	if m.strategy == pipeline.StrategyDelta && len(opts.PreviousState) > 0 {
		data, err = m.serializer.ApplyDelta(opts.PreviousState, data)
		if err != nil {
			return fmt.Errorf("apply delta: %w", err)
		}
	}
	if err := m.store.SavePipelineState(ctx, jobID, data, pc.CurrentStage); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// ResumeFromState loads and deserializes the persisted context for jobID.
// Returns ErrStateNotFound when the job or its state is missing.
func (m *Manager) ResumeFromState(ctx context.Context, jobID string) (*pipeline.Context, error) {
	data, err := m.store.GetPipelineState(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrStateNotFound)
	}
	pc, err := m.serializer.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("deserialize state for job %s: %w", jobID, err)
	}
	return pc, nil
}

// GetState returns the raw persisted state without reconstructing a context.
func (m *Manager) GetState(ctx context.Context, jobID string) ([]byte, error) {
	return m.store.GetPipelineState(ctx, jobID)
}
