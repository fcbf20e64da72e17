// Package engine is the exposed surface of the workflow engine: enqueue,
// execute, resume, cancel, and the worker message loop. It owns job status
// transitions and the business retry policy; stage semantics live in
// internal/pipeline and transport retries in internal/broker.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"reviewflow/internal/broker"
	"reviewflow/internal/model"
	"reviewflow/internal/pipeline"
	"reviewflow/internal/state"
)

const defaultMaxRetries = 3

// Jobs is the slice of the job store the engine needs.
type Jobs interface {
	Create(ctx context.Context, job *model.WorkflowJob) (bool, error)
	Get(ctx context.Context, id string) (*model.WorkflowJob, error)
	Claim(ctx context.Context, id, workerID string) (bool, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, class model.ErrorClassification, lastError, stage string) error
	ResetForRetry(ctx context.Context, id string, retryCount int, class model.ErrorClassification, lastError string) error
	MarkWaiting(ctx context.Context, id string, w model.WaitingForEvent) error
	RecordAttempt(ctx context.Context, att *model.ExecutionAttempt) error
	Cancel(ctx context.Context, id string) (bool, error)
	RequeueStuck(ctx context.Context, olderThan time.Duration) ([]model.WorkflowJob, error)
}

// Inbox deduplicates message consumption in two phases: Record claims a
// message id, MarkProcessed finalizes it after successful handling, Release
// returns the claim so a transport retry of the same id is handled again.
type Inbox interface {
	Record(ctx context.Context, messageID, jobID, consumerID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
	Release(ctx context.Context, messageID string) error
}

// Engine wires the job store, pipeline executor, state manager, and broker
// publisher into the workflow surface.
type Engine struct {
	jobs     Jobs
	inbox    Inbox
	states   *state.Manager
	pub      broker.Publisher
	registry *Registry
	exchange string
	workerID string
	now      func() time.Time
}

// New returns an engine publishing to the given base exchange.
func New(jobs Jobs, inbox Inbox, states *state.Manager, pub broker.Publisher, registry *Registry, exchange, workerID string) *Engine {
	return &Engine{
		jobs:     jobs,
		inbox:    inbox,
		states:   states,
		pub:      pub,
		registry: registry,
		exchange: exchange,
		workerID: workerID,
		now:      time.Now,
	}
}

// ExecuteCommand is the body of an execute message on a workflow queue.
type ExecuteCommand struct {
	JobID         string `json:"jobId"`
	CorrelationID string `json:"correlationId"`
}

// Enqueue creates a job for the workflow and publishes its execute command.
// Creation is idempotent on correlationID: when the job already exists it is
// returned unchanged and nothing is published.
func (e *Engine) Enqueue(ctx context.Context, wt model.WorkflowType, payload map[string]any, correlationID string, priority int) (*model.WorkflowJob, error) {
	handler, ok := e.registry.Get(wt)
	if !ok {
		return nil, fmt.Errorf("workflow %s not registered", wt)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	maxRetries := handler.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	job := &model.WorkflowJob{
		ID:            uuid.New().String(),
		CorrelationID: correlationID,
		WorkflowType:  wt,
		HandlerType:   handler.Type,
		Payload:       body,
		Status:        model.StatusPending,
		Priority:      priority,
		MaxRetries:    maxRetries,
		Metadata:      reviewMetadata(payload),
	}
	created, err := e.jobs.Create(ctx, job)
	if err != nil {
		return nil, err
	}
	if !created {
		log.Printf("job_id=%s correlation_id=%s already enqueued, skipping", job.ID, correlationID)
		return job, nil
	}
	if err := e.publishCommand(ctx, job, broker.CommandExecute); err != nil {
		return nil, err
	}
	log.Printf("job_id=%s correlation_id=%s workflow=%s enqueued", job.ID, correlationID, wt)
	return job, nil
}

// ExecutePipeline claims the job and runs its handler from the beginning (or
// from its last checkpoint after a business retry). Stage failures are fully
// recorded on the job and do not surface as an error; only infrastructure
// failures do, so the transport layer retries the message.
func (e *Engine) ExecutePipeline(ctx context.Context, jobID string) (pipeline.Result, error) {
	job, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return pipeline.Result{}, err
	}
	if job.Status != model.StatusPending {
		log.Printf("job_id=%s status=%s not runnable, skipping execute", jobID, job.Status)
		return pipeline.Result{Status: pipeline.Skipped}, nil
	}
	claimed, err := e.jobs.Claim(ctx, jobID, e.workerID)
	if err != nil {
		return pipeline.Result{}, err
	}
	if !claimed {
		log.Printf("job_id=%s lost claim race, skipping", jobID)
		return pipeline.Result{Status: pipeline.Skipped}, nil
	}

	handler, ok := e.registry.Get(job.WorkflowType)
	if !ok {
		return e.finishConfigFailure(ctx, job, fmt.Errorf("workflow %s not registered", job.WorkflowType))
	}
	startedAt := e.now()

	switch handler.Type {
	case model.HandlerSimpleFunction:
		return e.finish(ctx, job, startedAt, resultFromErr(handler.Func(ctx, job)))
	case model.HandlerWebhookRaw:
		return e.finish(ctx, job, startedAt, resultFromErr(handler.Raw(ctx, job.Payload)))
	}

	pc, err := e.loadContext(ctx, job)
	if err != nil {
		return pipeline.Result{}, err
	}
	exec := pipeline.NewExecutor(e.checkpointer(handler))
	return e.finish(ctx, job, startedAt, exec.Execute(ctx, job.ID, handler.Stages, pc))
}

// ResumePipeline continues a job parked on a heavy stage once its external
// task (taskID) completed. Resuming a finished or cancelled job is a no-op.
func (e *Engine) ResumePipeline(ctx context.Context, jobID, taskID string) (pipeline.Result, error) {
	job, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return pipeline.Result{}, err
	}
	if job.Status.Terminal() {
		log.Printf("job_id=%s status=%s resume is a no-op", jobID, job.Status)
		return pipeline.Result{Status: pipeline.Skipped}, nil
	}
	claimed, err := e.jobs.Claim(ctx, jobID, e.workerID)
	if err != nil {
		return pipeline.Result{}, err
	}
	if !claimed {
		log.Printf("job_id=%s lost claim race on resume, skipping", jobID)
		return pipeline.Result{Status: pipeline.Skipped}, nil
	}

	handler, ok := e.registry.Get(job.WorkflowType)
	if !ok {
		return e.finishConfigFailure(ctx, job, fmt.Errorf("workflow %s not registered", job.WorkflowType))
	}
	if handler.Type != model.HandlerPipelineSync && handler.Type != model.HandlerPipelineAsync {
		return e.finishConfigFailure(ctx, job, fmt.Errorf("workflow %s handler %s cannot resume", job.WorkflowType, handler.Type))
	}
	pc, err := e.states.ResumeFromState(ctx, jobID)
	if err != nil {
		if errors.Is(err, state.ErrStateNotFound) {
			return e.finishConfigFailure(ctx, job, err)
		}
		return pipeline.Result{}, err
	}
	startedAt := e.now()
	exec := pipeline.NewExecutor(e.checkpointer(handler))
	return e.finish(ctx, job, startedAt, exec.Resume(ctx, job.ID, handler.Stages, pc, taskID))
}

// CancelJob cancels a PENDING or PROCESSING job. A parked job's external
// task keeps running; cancellation only stops the resumer from reactivating
// the job.
func (e *Engine) CancelJob(ctx context.Context, jobID string) (bool, error) {
	return e.jobs.Cancel(ctx, jobID)
}

// RequeueStuck returns crashed-worker jobs to PENDING and republishes an
// execute command for each. Workers are message-driven and the original
// command was consumed by the worker that died, so the status reset alone
// would leave the job PENDING with nothing to pick it up.
func (e *Engine) RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	jobs, err := e.jobs.RequeueStuck(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	for i := range jobs {
		if err := e.publishCommand(ctx, &jobs[i], broker.CommandExecute); err != nil {
			return i, err
		}
		log.Printf("job_id=%s stale lock released, execute republished", jobs[i].ID)
	}
	return len(jobs), nil
}

// loadContext resumes from the last checkpoint when one exists (business
// retry of a partially completed run), otherwise seeds a fresh context from
// the payload.
func (e *Engine) loadContext(ctx context.Context, job *model.WorkflowJob) (*pipeline.Context, error) {
	if len(job.PipelineState) > 0 {
		pc, err := e.states.ResumeFromState(ctx, job.ID)
		if err == nil {
			return pc, nil
		}
		if !errors.Is(err, state.ErrStateNotFound) {
			return nil, err
		}
	}
	payload, err := job.PayloadMap()
	if err != nil {
		return nil, err
	}
	return pipeline.NewContext(job.ID, uuid.New().String(), job.CorrelationID, payload), nil
}

func (e *Engine) checkpointer(h Handler) pipeline.Checkpointer {
	return &checkpointer{
		states:      e.states,
		jobs:        e.jobs,
		now:         e.now,
		significant: h.significantKeys(),
	}
}

// finish records the attempt and applies the business retry policy to the
// run outcome. Pipeline failures are consumed here; the returned error is
// reserved for infrastructure problems.
func (e *Engine) finish(ctx context.Context, job *model.WorkflowJob, startedAt time.Time, res pipeline.Result) (pipeline.Result, error) {
	completedAt := e.now()
	attempt := &model.ExecutionAttempt{
		JobID:         job.ID,
		AttemptNumber: job.RetryCount + 1,
		StartedAt:     startedAt,
		CompletedAt:   &completedAt,
	}
	durationMs := completedAt.Sub(startedAt).Milliseconds()
	attempt.DurationMs = &durationMs

	switch res.Status {
	case pipeline.Completed, pipeline.Skipped:
		attempt.Status = model.StatusCompleted
		if res.Status == pipeline.Skipped {
			attempt.Metadata = map[string]any{"skipped": true}
		}
		if err := e.jobs.MarkCompleted(ctx, job.ID); err != nil {
			return res, err
		}
		log.Printf("job_id=%s %s", job.ID, res.Status)

	case pipeline.Paused:
		// Status and the waiting marker were persisted by the checkpointer
		// when the heavy stage started; only the audit trail is left to write.
		attempt.Status = model.StatusWaitingForEvent
		attempt.Metadata = map[string]any{
			"eventType": res.Pause.EventType,
			"eventKey":  res.Pause.TaskID,
			"stage":     res.Pause.StageName,
		}
		log.Printf("job_id=%s paused at stage=%s waiting for event_type=%s key=%s",
			job.ID, res.Pause.StageName, res.Pause.EventType, res.Pause.TaskID)

	case pipeline.Failed:
		return e.finishFailed(ctx, job, attempt, res)
	}

	if err := e.jobs.RecordAttempt(ctx, attempt); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) finishFailed(ctx context.Context, job *model.WorkflowJob, attempt *model.ExecutionAttempt, res pipeline.Result) (pipeline.Result, error) {
	class := classify(res.Err)
	errMsg := res.Err.Error()
	errType := string(class)
	attempt.Status = model.StatusFailed
	attempt.ErrorType = &errType
	attempt.ErrorMessage = &errMsg

	newRetryCount := job.RetryCount + 1
	retryable := class == model.ClassRetryable || class == model.ClassCircuitOpen

	switch {
	case retryable && newRetryCount <= job.MaxRetries:
		if err := e.jobs.ResetForRetry(ctx, job.ID, newRetryCount, class, errMsg); err != nil {
			return res, err
		}
		if err := e.publishCommand(ctx, job, broker.CommandExecute); err != nil {
			return res, err
		}
		log.Printf("job_id=%s stage=%s attempt %d/%d failed, retrying: %v",
			job.ID, res.FailedStage, newRetryCount, job.MaxRetries, res.Err)
	case retryable:
		// Budget exhausted: the failure becomes permanent.
		if err := e.jobs.MarkFailed(ctx, job.ID, model.ClassPermanent, errMsg, res.FailedStage); err != nil {
			return res, err
		}
		log.Printf("job_id=%s stage=%s failed permanently after %d attempts: %v",
			job.ID, res.FailedStage, job.MaxRetries, res.Err)
	default:
		if err := e.jobs.MarkFailed(ctx, job.ID, class, errMsg, res.FailedStage); err != nil {
			return res, err
		}
		log.Printf("job_id=%s stage=%s failed (%s): %v", job.ID, res.FailedStage, class, res.Err)
	}

	if err := e.jobs.RecordAttempt(ctx, attempt); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) finishConfigFailure(ctx context.Context, job *model.WorkflowJob, err error) (pipeline.Result, error) {
	res := pipeline.Result{Status: pipeline.Failed, Err: model.Classified(model.ClassNonRetryable, err)}
	return e.finish(ctx, job, e.now(), res)
}

// classify maps a run error to its business classification. Configuration
// failures are never retryable; stages opt into other classifications via
// model.Classified; everything else defaults to RETRYABLE.
func classify(err error) model.ErrorClassification {
	if pipeline.IsConfigError(err) {
		return model.ClassNonRetryable
	}
	var ce *model.ClassifiedError
	if errors.As(err, &ce) {
		return ce.Classification
	}
	return model.ClassRetryable
}

func (e *Engine) publishCommand(ctx context.Context, job *model.WorkflowJob, command string) error {
	body, err := json.Marshal(ExecuteCommand{JobID: job.ID, CorrelationID: job.CorrelationID})
	if err != nil {
		return fmt.Errorf("marshal %s command: %w", command, err)
	}
	msg := broker.Message{
		MessageID:     uuid.New().String(),
		CorrelationID: job.CorrelationID,
		Headers: map[string]any{
			broker.HeaderCommand:       command,
			broker.HeaderCorrelationID: job.CorrelationID,
			broker.HeaderWorkflowType:  string(job.WorkflowType),
			broker.HeaderJobID:         job.ID,
		},
		Body: body,
	}
	if err := e.pub.Publish(ctx, e.exchange, string(job.WorkflowType), msg); err != nil {
		return fmt.Errorf("publish %s for job %s: %w", command, job.ID, err)
	}
	return nil
}

// reviewMetadata lifts the review-target identifiers out of the payload so
// the partial unique index on (platform, repository, PR) applies.
func reviewMetadata(payload map[string]any) map[string]any {
	meta := map[string]any{}
	for _, key := range []string{"platformType", "repositoryId", "pullRequestNumber"} {
		if v, ok := payload[key]; ok {
			meta[key] = v
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
