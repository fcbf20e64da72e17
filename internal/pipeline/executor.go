package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"
)

// ResultStatus tags the outcome of an Execute or Resume call. Pausing on a
// heavy stage is an expected outcome, not an error, so it gets its own tag
// instead of riding on the error return.
type ResultStatus int

const (
	Completed ResultStatus = iota
	Paused
	Failed
	Skipped
)

func (s ResultStatus) String() string {
	switch s {
	case Completed:
		return "completed"
	case Paused:
		return "paused"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// Pause describes the suspension point of a paused pipeline.
type Pause struct {
	EventType string
	TaskID    string
	StageName string
	Timeout   time.Duration
}

// Result is the tagged outcome of a pipeline run:
// Completed(Context) | Paused(Pause) | Failed(Err, FailedStage) | Skipped.
type Result struct {
	Status      ResultStatus
	Context     *Context
	Pause       *Pause
	Err         error
	FailedStage string
}

// Checkpointer persists execution state between stages. SaveCheckpoint writes
// the context after each completed stage; MarkWaiting additionally parks the
// job on a heavy-stage suspension. Implementations must not be invoked for
// status transitions other than the waiting park — status is otherwise the
// caller's responsibility.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, jobID string, pc *Context) error
	MarkWaiting(ctx context.Context, jobID string, pc *Context, p Pause) error
}

// Executor runs a stage set in dependency order for one job at a time.
// Light stages run synchronously with a checkpoint after each; a heavy stage
// suspends the pipeline after Start and the run resumes later via Resume.
type Executor struct {
	checkpoints Checkpointer
	now         func() time.Time
}

// NewExecutor returns an executor that checkpoints through cp.
func NewExecutor(cp Checkpointer) *Executor {
	return &Executor{checkpoints: cp, now: time.Now}
}

// Execute runs all stages for the job in dependency order. It returns a
// tagged Result; only configuration problems and stage failures produce
// Status == Failed. A heavy stage produces Status == Paused after its
// external task is started and the waiting checkpoint is persisted.
func (e *Executor) Execute(ctx context.Context, jobID string, stages []Stage, pc *Context) Result {
	if pc.Skipped() {
		return Result{Status: Skipped, Context: pc}
	}
	ordered, err := SortStages(stages)
	if err != nil {
		return Result{Status: Failed, Err: err, Context: pc}
	}
	if err := e.checkpoints.SaveCheckpoint(ctx, jobID, pc); err != nil {
		return Result{Status: Failed, Err: fmt.Errorf("initial checkpoint: %w", err), Context: pc}
	}
	return e.runFrom(ctx, jobID, ordered, 0, pc)
}

// Resume continues a suspended pipeline. The context's CurrentStage must name
// a heavy stage; the stage's GetResult merges the external task's output and
// its optional Resume hook finalizes it, then execution continues with the
// stages after it in dependency order. Both checks happen before any state is
// written, so resuming a light or unknown stage leaves persisted state intact.
func (e *Executor) Resume(ctx context.Context, jobID string, stages []Stage, pc *Context, taskID string) Result {
	ordered, err := SortStages(stages)
	if err != nil {
		return Result{Status: Failed, Err: err, Context: pc}
	}
	idx := -1
	for i, s := range ordered {
		if s.Name == pc.CurrentStage {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Result{
			Status:  Failed,
			Err:     fmt.Errorf("resume stage %q: %w", pc.CurrentStage, ErrUnknownStage),
			Context: pc,
		}
	}
	st := ordered[idx]
	if !st.Heavy() {
		return Result{
			Status:      Failed,
			Err:         fmt.Errorf("resume stage %q: %w", st.Name, ErrCannotResume),
			Context:     pc,
			FailedStage: st.Name,
		}
	}

	next, err := st.GetResult(ctx, pc, taskID)
	if err != nil {
		return e.fail(ctx, st, pc, fmt.Errorf("get result: %w", err))
	}
	if next != nil {
		pc = next
	}
	if st.Resume != nil {
		next, err = st.Resume(ctx, pc)
		if err != nil {
			return e.fail(ctx, st, pc, fmt.Errorf("resume: %w", err))
		}
		if next != nil {
			pc = next
		}
	}
	pc.UpdatedAt = e.now()
	if err := e.checkpoints.SaveCheckpoint(ctx, jobID, pc); err != nil {
		return Result{Status: Failed, Err: fmt.Errorf("checkpoint after %q: %w", st.Name, err), Context: pc, FailedStage: st.Name}
	}
	return e.runFrom(ctx, jobID, ordered, idx+1, pc)
}

func (e *Executor) runFrom(ctx context.Context, jobID string, ordered []Stage, start int, pc *Context) Result {
	for i := start; i < len(ordered); i++ {
		st := ordered[i]
		if st.CanExecute != nil && !st.CanExecute(pc) {
			log.Printf("job_id=%s stage=%s skipped by canExecute", jobID, st.Name)
			continue
		}
		if err := requireReads(st, pc); err != nil {
			return Result{Status: Failed, Err: err, Context: pc, FailedStage: st.Name}
		}
		pc.CurrentStage = st.Name

		if st.Heavy() {
			taskID, err := st.Start(ctx, pc)
			if err != nil {
				return e.fail(ctx, st, pc, fmt.Errorf("start: %w", err))
			}
			pause := Pause{
				EventType: st.EventType,
				TaskID:    taskID,
				StageName: st.Name,
				Timeout:   st.Timeout,
			}
			pc.UpdatedAt = e.now()
			if err := e.checkpoints.MarkWaiting(ctx, jobID, pc, pause); err != nil {
				return Result{Status: Failed, Err: fmt.Errorf("park %q: %w", st.Name, err), Context: pc, FailedStage: st.Name}
			}
			return Result{Status: Paused, Context: pc, Pause: &pause}
		}

		next, err := st.Execute(ctx, pc)
		if err != nil {
			return e.fail(ctx, st, pc, err)
		}
		if next != nil {
			pc = next
		}
		pc.UpdatedAt = e.now()
		if err := e.checkpoints.SaveCheckpoint(ctx, jobID, pc); err != nil {
			return Result{Status: Failed, Err: fmt.Errorf("checkpoint after %q: %w", st.Name, err), Context: pc, FailedStage: st.Name}
		}
	}
	return Result{Status: Completed, Context: pc}
}

// fail runs the stage's compensation (best effort, never masking the
// original error) and returns a Failed result.
func (e *Executor) fail(ctx context.Context, st Stage, pc *Context, err error) Result {
	if st.Compensate != nil {
		if cerr := st.Compensate(ctx, pc); cerr != nil {
			log.Printf("job_id=%s stage=%s compensation failed: %v", pc.JobID, st.Name, cerr)
		}
	}
	return Result{
		Status:      Failed,
		Err:         fmt.Errorf("stage %s: %w", st.Name, err),
		Context:     pc,
		FailedStage: st.Name,
	}
}
