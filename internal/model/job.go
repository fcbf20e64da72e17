package model

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// JobStatus enumerates the lifecycle states of a workflow job.
type JobStatus string

const (
	StatusPending         JobStatus = "PENDING"
	StatusProcessing      JobStatus = "PROCESSING"
	StatusCompleted       JobStatus = "COMPLETED"
	StatusFailed          JobStatus = "FAILED"
	StatusWaitingForEvent JobStatus = "WAITING_FOR_EVENT"
	StatusCancelled       JobStatus = "CANCELLED"
)

// Terminal reports whether the status can never change again.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// WorkflowType identifies which pipeline definition a job runs.
type WorkflowType string

const (
	WorkflowCodeReview        WorkflowType = "CODE_REVIEW"
	WorkflowWebhookProcessing WorkflowType = "WEBHOOK_PROCESSING"
	WorkflowCronCleanup       WorkflowType = "CRON_CLEANUP"
	WorkflowCronReconcile     WorkflowType = "CRON_RECONCILE"
)

// HandlerType selects the executor strategy for a job.
type HandlerType string

const (
	HandlerPipelineSync   HandlerType = "PIPELINE_SYNC"
	HandlerPipelineAsync  HandlerType = "PIPELINE_ASYNC"
	HandlerSimpleFunction HandlerType = "SIMPLE_FUNCTION"
	HandlerWebhookRaw     HandlerType = "WEBHOOK_RAW"
)

// ErrorClassification records how a failure should be treated by the
// business retry policy. It is independent of transport-level retries.
type ErrorClassification string

const (
	ClassRetryable    ErrorClassification = "RETRYABLE"
	ClassNonRetryable ErrorClassification = "NON_RETRYABLE"
	ClassCircuitOpen  ErrorClassification = "CIRCUIT_OPEN"
	ClassPermanent    ErrorClassification = "PERMANENT"
)

// ClassifiedError carries an ErrorClassification alongside the underlying
// error. Stages wrap errors with Classified so the engine records the right
// classification; unwrapped errors default to RETRYABLE.
type ClassifiedError struct {
	Classification ErrorClassification
	Err            error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classified wraps err with the given classification.
func Classified(class ErrorClassification, err error) error {
	return &ClassifiedError{Classification: class, Err: err}
}

// WaitingForEvent describes the external completion signal a parked job is
// waiting on. Non-nil iff the job status is WAITING_FOR_EVENT.
type WaitingForEvent struct {
	EventType string    `json:"eventType"`
	EventKey  string    `json:"eventKey"`
	TimeoutMs int64     `json:"timeoutMs"`
	PausedAt  time.Time `json:"pausedAt"`
}

// WorkflowJob is one row in workflow_jobs: the durable unit of work.
type WorkflowJob struct {
	ID            string `gorm:"type:uuid;primaryKey"`
	CorrelationID string `gorm:"uniqueIndex;not null"`

	WorkflowType WorkflowType `gorm:"index;not null"`
	HandlerType  HandlerType  `gorm:"not null"`

	Payload datatypes.JSON `gorm:"type:jsonb"`
	Status  JobStatus      `gorm:"index;not null;default:'PENDING'"`

	Priority   int `gorm:"not null;default:0"`
	RetryCount int `gorm:"not null;default:0"`
	MaxRetries int `gorm:"not null;default:3"`

	ErrorClassification *ErrorClassification `gorm:"type:text"`
	LastError           *string              `gorm:"type:text"`

	ScheduledAt *time.Time `gorm:"index"`
	StartedAt   *time.Time
	CompletedAt *time.Time

	CurrentStage *string           `gorm:"type:text"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb"`

	WaitingForEvent datatypes.JSON `gorm:"type:jsonb"`
	PipelineState   datatypes.JSON `gorm:"type:jsonb"`

	LockedBy *string    `gorm:"type:text"`
	LockedAt *time.Time `gorm:"type:timestamptz"`

	CreatedAt time.Time `gorm:"not null;default:now()"`
	UpdatedAt time.Time `gorm:"not null;default:now()"`

	History []ExecutionAttempt `gorm:"foreignKey:JobID"`
}

func (WorkflowJob) TableName() string { return "workflow_jobs" }

// Waiting decodes the waiting-for-event document, or returns nil when the
// job is not parked.
func (j *WorkflowJob) Waiting() (*WaitingForEvent, error) {
	if len(j.WaitingForEvent) == 0 {
		return nil, nil
	}
	var w WaitingForEvent
	if err := json.Unmarshal(j.WaitingForEvent, &w); err != nil {
		return nil, fmt.Errorf("decode waiting_for_event: %w", err)
	}
	return &w, nil
}

// PayloadMap decodes the payload column into a key/value map. A missing
// payload yields an empty map.
func (j *WorkflowJob) PayloadMap() (map[string]any, error) {
	if len(j.Payload) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(j.Payload, &m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return m, nil
}

// ExecutionAttempt is one row in job_execution_history: the append-only
// audit trail, one entry per attempt.
type ExecutionAttempt struct {
	ID            uint      `gorm:"primaryKey"`
	JobID         string    `gorm:"type:uuid;index;not null"`
	AttemptNumber int       `gorm:"not null"`
	Status        JobStatus `gorm:"not null"`
	StartedAt     time.Time `gorm:"not null"`
	CompletedAt   *time.Time
	DurationMs    *int64
	ErrorType     *string           `gorm:"type:text"`
	ErrorMessage  *string           `gorm:"type:text"`
	Metadata      datatypes.JSONMap `gorm:"type:jsonb"`
}

func (ExecutionAttempt) TableName() string { return "job_execution_history" }

// InboxMessage is one row in inbox_messages: the dedup record that makes
// message consumption idempotent.
type InboxMessage struct {
	MessageID   string  `gorm:"primaryKey"`
	JobID       *string `gorm:"type:uuid;index"`
	ConsumerID  *string `gorm:"type:text"`
	Processed   bool    `gorm:"not null;default:false"`
	ProcessedAt *time.Time
	CreatedAt   time.Time `gorm:"not null;default:now()"`
}

func (InboxMessage) TableName() string { return "inbox_messages" }

// ReviewCorrelationID builds the correlation id for a review job. One job
// exists per (platform, repository, pull request) tuple; uniqueness rides on
// the workflow_jobs correlation_id index plus a partial index on metadata.
func ReviewCorrelationID(platform, repositoryID string, pullRequestNumber int) string {
	return fmt.Sprintf("%s:%s:%d", platform, repositoryID, pullRequestNumber)
}
