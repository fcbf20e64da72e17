// Package store is the persistence layer: gorm repositories over
// workflow_jobs, job_execution_history, and inbox_messages.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"reviewflow/internal/model"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// JobStore persists workflow jobs and their execution history.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore returns a store over the given database handle.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

// Create inserts the job, deduplicating on correlation id. When a job with
// the same correlation id already exists the insert is a no-op, the existing
// row is loaded into job, and created is false.
func (s *JobStore) Create(ctx context.Context, job *model.WorkflowJob) (created bool, err error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "correlation_id"}},
			DoNothing: true,
		}).
		Create(job)
	if res.Error != nil {
		return false, fmt.Errorf("create job: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	existing, err := s.GetByCorrelationID(ctx, job.CorrelationID)
	if err != nil {
		return false, err
	}
	*job = *existing
	return false, nil
}

// Get loads a job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*model.WorkflowJob, error) {
	var job model.WorkflowJob
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &job, nil
}

// GetByCorrelationID loads a job by its correlation id.
func (s *JobStore) GetByCorrelationID(ctx context.Context, correlationID string) (*model.WorkflowJob, error) {
	var job model.WorkflowJob
	err := s.db.WithContext(ctx).First(&job, "correlation_id = ?", correlationID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("correlation %s: %w", correlationID, ErrNotFound)
		}
		return nil, fmt.Errorf("get job by correlation %s: %w", correlationID, err)
	}
	return &job, nil
}

// Claim moves the job PENDING -> PROCESSING for workerID. The transition is a
// conditional update: a worker that loses the race gets claimed == false and
// must not execute the job.
func (s *JobStore) Claim(ctx context.Context, id, workerID string) (claimed bool, err error) {
	res := s.db.WithContext(ctx).Exec(`
update workflow_jobs
set status = ?, locked_by = ?, locked_at = now(), started_at = coalesce(started_at, now()), updated_at = now()
where id = ? and status = ?`,
		model.StatusProcessing, workerID, id, model.StatusPending)
	if res.Error != nil {
		return false, fmt.Errorf("claim job %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkCompleted finishes the job successfully and releases the worker lock.
func (s *JobStore) MarkCompleted(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Exec(`
update workflow_jobs
set status = ?, completed_at = now(), locked_by = null, locked_at = null, updated_at = now()
where id = ?`, model.StatusCompleted, id).Error
}

// MarkFailed finishes the job with a classification, the last error text,
// and the stage it failed at.
func (s *JobStore) MarkFailed(ctx context.Context, id string, class model.ErrorClassification, lastError, stage string) error {
	return s.db.WithContext(ctx).Exec(`
update workflow_jobs
set status = ?, error_classification = ?, last_error = ?, current_stage = ?,
    completed_at = now(), locked_by = null, locked_at = null, updated_at = now()
where id = ?`, model.StatusFailed, class, lastError, stage, id).Error
}

// ResetForRetry returns a failed attempt's job to PENDING with the new retry
// count and the error that caused the attempt to fail.
func (s *JobStore) ResetForRetry(ctx context.Context, id string, retryCount int, class model.ErrorClassification, lastError string) error {
	return s.db.WithContext(ctx).Exec(`
update workflow_jobs
set status = ?, retry_count = ?, error_classification = ?, last_error = ?,
    locked_by = null, locked_at = null, updated_at = now()
where id = ?`, model.StatusPending, retryCount, class, lastError, id).Error
}

// MarkWaiting parks the job on an external completion event. The waiting
// document is populated iff the status is WAITING_FOR_EVENT.
func (s *JobStore) MarkWaiting(ctx context.Context, id string, w model.WaitingForEvent) error {
	doc, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal waiting_for_event: %w", err)
	}
	return s.db.WithContext(ctx).Exec(`
update workflow_jobs
set status = ?, waiting_for_event = ?,
    locked_by = null, locked_at = null, updated_at = now()
where id = ?`, model.StatusWaitingForEvent, doc, id).Error
}

// FindWaiting returns all jobs parked on the given event type and key.
func (s *JobStore) FindWaiting(ctx context.Context, eventType, eventKey string) ([]model.WorkflowJob, error) {
	var jobs []model.WorkflowJob
	err := s.db.WithContext(ctx).
		Where("status = ?", model.StatusWaitingForEvent).
		Where("waiting_for_event->>'eventType' = ?", eventType).
		Where("waiting_for_event->>'eventKey' = ?", eventKey).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("find waiting jobs: %w", err)
	}
	return jobs, nil
}

// ResumeWaiting flips a parked job back to PENDING, clears the waiting
// document, and merges the completion result into the job metadata. The
// update is guarded on WAITING_FOR_EVENT; a job already resumed, cancelled,
// or timed out returns resumed == false.
func (s *JobStore) ResumeWaiting(ctx context.Context, id string, result map[string]any) (resumed bool, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job model.WorkflowJob
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("job %s: %w", id, ErrNotFound)
			}
			return err
		}
		if job.Status != model.StatusWaitingForEvent {
			return nil
		}
		meta := job.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		for k, v := range result {
			meta[k] = v
		}
		res := tx.Exec(`
update workflow_jobs
set status = ?, waiting_for_event = null, metadata = ?, updated_at = now()
where id = ? and status = ?`, model.StatusPending, meta, id, model.StatusWaitingForEvent)
		if res.Error != nil {
			return res.Error
		}
		resumed = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("resume waiting job %s: %w", id, err)
	}
	return resumed, nil
}

// Cancel cancels a job that has not finished. Only PENDING and PROCESSING
// jobs are cancellable; a parked job's external task is never interrupted —
// cancellation only prevents the resumer from reactivating it later.
func (s *JobStore) Cancel(ctx context.Context, id string) (cancelled bool, err error) {
	res := s.db.WithContext(ctx).Exec(`
update workflow_jobs
set status = ?, completed_at = now(), locked_by = null, locked_at = null, updated_at = now()
where id = ? and status in ?`,
		model.StatusCancelled, id, []model.JobStatus{model.StatusPending, model.StatusProcessing})
	if res.Error != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetPipelineState returns the raw persisted pipeline state, or (nil, nil)
// when the job exists without a checkpoint.
func (s *JobStore) GetPipelineState(ctx context.Context, jobID string) ([]byte, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if len(job.PipelineState) == 0 {
		return nil, nil
	}
	return job.PipelineState, nil
}

// SavePipelineState writes the checkpoint and the last-attempted stage onto
// the job record. Status is deliberately untouched.
func (s *JobStore) SavePipelineState(ctx context.Context, jobID string, st []byte, currentStage string) error {
	res := s.db.WithContext(ctx).Exec(`
update workflow_jobs
set pipeline_state = ?, current_stage = ?, updated_at = now()
where id = ?`, st, currentStage, jobID)
	if res.Error != nil {
		return fmt.Errorf("save pipeline state for %s: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return nil
}

// RecordAttempt appends one execution attempt to the audit trail.
func (s *JobStore) RecordAttempt(ctx context.Context, att *model.ExecutionAttempt) error {
	if err := s.db.WithContext(ctx).Create(att).Error; err != nil {
		return fmt.Errorf("record attempt for %s: %w", att.JobID, err)
	}
	return nil
}

// RequeueStuck returns PROCESSING jobs whose worker lock went stale (crashed
// worker) to PENDING and reports which jobs it reset. The caller must
// re-dispatch an execute command per reset job: the original message was
// consumed by the worker that crashed, so without a fresh command the job
// would sit PENDING forever.
func (s *JobStore) RequeueStuck(ctx context.Context, olderThan time.Duration) ([]model.WorkflowJob, error) {
	var jobs []model.WorkflowJob
	err := s.db.WithContext(ctx).Raw(`
update workflow_jobs
set status = ?, locked_by = null, locked_at = null, updated_at = now()
where status = ? and locked_at is not null and locked_at < now() - ?::interval
returning *;`,
		model.StatusPending, model.StatusProcessing,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds()))).Scan(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("requeue stuck jobs: %w", err)
	}
	return jobs, nil
}
