// Package resume reactivates jobs parked on external asynchronous work when
// the matching completion event arrives.
package resume

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"reviewflow/internal/broker"
	"reviewflow/internal/model"
)

// WaitingStore is the slice of the job store the resumer needs.
type WaitingStore interface {
	FindWaiting(ctx context.Context, eventType, eventKey string) ([]model.WorkflowJob, error)
	ResumeWaiting(ctx context.Context, id string, result map[string]any) (bool, error)
}

// Command is the resume message published for a reactivated job; a worker
// consumes it and calls the executor's resume path.
type Command struct {
	JobID         string `json:"jobId"`
	CorrelationID string `json:"correlationId"`
	TaskID        string `json:"taskId"`
}

// Resumer listens for completion events of external long-running tasks and
// flips matching parked jobs back to runnable.
type Resumer struct {
	jobs     WaitingStore
	pub      broker.Publisher
	exchange string
}

// NewResumer returns a resumer publishing resume commands to the given base
// exchange.
func NewResumer(jobs WaitingStore, pub broker.Publisher, exchange string) *Resumer {
	return &Resumer{jobs: jobs, pub: pub, exchange: exchange}
}

// HandleCompletionEvent reactivates every job waiting on (eventType,
// eventKey): the waiting marker is cleared, the job returns to PENDING with
// the event result merged into its metadata, and a resume command is
// published so a worker picks it up. Zero matches is a normal outcome (the
// work may have timed out already) and is only logged.
func (r *Resumer) HandleCompletionEvent(ctx context.Context, eventType, eventKey string, result map[string]any) error {
	jobs, err := r.jobs.FindWaiting(ctx, eventType, eventKey)
	if err != nil {
		return fmt.Errorf("find jobs waiting on %s/%s: %w", eventType, eventKey, err)
	}
	if len(jobs) == 0 {
		log.Printf("event_type=%s event_key=%s no jobs waiting, ignoring", eventType, eventKey)
		return nil
	}
	for _, job := range jobs {
		resumed, err := r.jobs.ResumeWaiting(ctx, job.ID, result)
		if err != nil {
			return fmt.Errorf("reactivate job %s: %w", job.ID, err)
		}
		if !resumed {
			// Lost a race with another consumer or a cancellation; nothing to publish.
			log.Printf("job_id=%s no longer waiting, skipping resume publish", job.ID)
			continue
		}
		if err := r.publishResume(ctx, job, eventKey); err != nil {
			return err
		}
		log.Printf("job_id=%s event_type=%s resumed", job.ID, eventType)
	}
	return nil
}

func (r *Resumer) publishResume(ctx context.Context, job model.WorkflowJob, taskID string) error {
	body, err := json.Marshal(Command{
		JobID:         job.ID,
		CorrelationID: job.CorrelationID,
		TaskID:        taskID,
	})
	if err != nil {
		return fmt.Errorf("marshal resume command: %w", err)
	}
	msg := broker.Message{
		MessageID:     uuid.New().String(),
		CorrelationID: job.CorrelationID,
		Headers: map[string]any{
			broker.HeaderCommand:       broker.CommandResume,
			broker.HeaderCorrelationID: job.CorrelationID,
			broker.HeaderWorkflowType:  string(job.WorkflowType),
			broker.HeaderJobID:         job.ID,
		},
		Body: body,
	}
	if err := r.pub.Publish(ctx, r.exchange, string(job.WorkflowType), msg); err != nil {
		return fmt.Errorf("publish resume for job %s: %w", job.ID, err)
	}
	return nil
}
