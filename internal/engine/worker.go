package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"reviewflow/internal/broker"
	"reviewflow/internal/resume"
)

// HandleMessage is the worker-side entry point for one delivery from a
// workflow queue. Consumption is idempotent: the message id is claimed in
// the inbox first and duplicate deliveries are dropped without touching the
// job. The claim is finalized only after the handler succeeds — a failed
// handling releases it, so the reliability layer's retries of the same
// message id are not mistaken for duplicates. Returned errors are
// infrastructure failures; the broker reliability layer retries or
// dead-letters them.
func (e *Engine) HandleMessage(ctx context.Context, msg broker.Message) error {
	if msg.MessageID == "" {
		return fmt.Errorf("message without message id (correlation_id=%s)", msg.CorrelationID)
	}
	jobID, _ := msg.Headers[broker.HeaderJobID].(string)
	first, err := e.inbox.Record(ctx, msg.MessageID, jobID, e.workerID)
	if err != nil {
		return err
	}
	if !first {
		log.Printf("message_id=%s duplicate delivery, skipping", msg.MessageID)
		return nil
	}

	if err := e.dispatch(ctx, msg); err != nil {
		if relErr := e.inbox.Release(ctx, msg.MessageID); relErr != nil {
			log.Printf("message_id=%s inbox release failed: %v", msg.MessageID, relErr)
		}
		return err
	}
	return e.inbox.MarkProcessed(ctx, msg.MessageID)
}

func (e *Engine) dispatch(ctx context.Context, msg broker.Message) error {
	command, _ := msg.Headers[broker.HeaderCommand].(string)
	switch command {
	case broker.CommandResume:
		var cmd resume.Command
		if err := json.Unmarshal(msg.Body, &cmd); err != nil {
			return fmt.Errorf("decode resume command: %w", err)
		}
		_, err := e.ResumePipeline(ctx, cmd.JobID, cmd.TaskID)
		return err
	case broker.CommandExecute, "":
		var cmd ExecuteCommand
		if err := json.Unmarshal(msg.Body, &cmd); err != nil {
			return fmt.Errorf("decode execute command: %w", err)
		}
		_, err := e.ExecutePipeline(ctx, cmd.JobID)
		return err
	default:
		return fmt.Errorf("command %q not supported", command)
	}
}
