package engine

import (
	"context"
	"fmt"
	"time"

	"reviewflow/internal/model"
	"reviewflow/internal/pipeline"
	"reviewflow/internal/state"
)

// checkpointer adapts the state manager and job store to the executor's
// Checkpointer contract. SaveCheckpoint only writes pipeline state;
// MarkWaiting is the one place the executor path changes job status, parking
// the job on its heavy-stage event.
type checkpointer struct {
	states      *state.Manager
	jobs        Jobs
	now         func() time.Time
	significant []string
}

func (c *checkpointer) SaveCheckpoint(ctx context.Context, jobID string, pc *pipeline.Context) error {
	return c.states.SaveState(ctx, jobID, pc, c.significant)
}

func (c *checkpointer) MarkWaiting(ctx context.Context, jobID string, pc *pipeline.Context, p pipeline.Pause) error {
	if err := c.states.SaveState(ctx, jobID, pc, c.significant); err != nil {
		return err
	}
	w := model.WaitingForEvent{
		EventType: p.EventType,
		EventKey:  p.TaskID,
		TimeoutMs: p.Timeout.Milliseconds(),
		PausedAt:  c.now(),
	}
	if err := c.jobs.MarkWaiting(ctx, jobID, w); err != nil {
		return fmt.Errorf("mark waiting: %w", err)
	}
	return nil
}

// resultFromErr wraps a plain handler error into a tagged result.
func resultFromErr(err error) pipeline.Result {
	if err != nil {
		return pipeline.Result{Status: pipeline.Failed, Err: err}
	}
	return pipeline.Result{Status: pipeline.Completed}
}
