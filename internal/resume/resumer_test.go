package resume

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"reviewflow/internal/broker"
	"reviewflow/internal/model"
)

// fakeWaitingStore serves canned waiting jobs and records reactivations.
type fakeWaitingStore struct {
	waiting    []model.WorkflowJob
	notWaiting map[string]bool // jobs that lose the reactivation race
	resumed    []string
	results    []map[string]any
	findErr    error
}

func (f *fakeWaitingStore) FindWaiting(_ context.Context, eventType, eventKey string) ([]model.WorkflowJob, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []model.WorkflowJob
	for _, j := range f.waiting {
		w, err := j.Waiting()
		if err != nil || w == nil {
			continue
		}
		if w.EventType == eventType && w.EventKey == eventKey {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeWaitingStore) ResumeWaiting(_ context.Context, id string, result map[string]any) (bool, error) {
	if f.notWaiting[id] {
		return false, nil
	}
	f.resumed = append(f.resumed, id)
	f.results = append(f.results, result)
	return true, nil
}

type fakePublisher struct {
	calls []struct {
		exchange, routingKey string
		msg                  broker.Message
	}
	err error
}

func (f *fakePublisher) Publish(_ context.Context, exchange, routingKey string, msg broker.Message) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, struct {
		exchange, routingKey string
		msg                  broker.Message
	}{exchange, routingKey, msg})
	return nil
}

func waitingJob(id, taskID string) model.WorkflowJob {
	doc, _ := json.Marshal(model.WaitingForEvent{EventType: "analysis", EventKey: taskID})
	return model.WorkflowJob{
		ID:              id,
		CorrelationID:   "corr-" + id,
		WorkflowType:    model.WorkflowCodeReview,
		Status:          model.StatusWaitingForEvent,
		WaitingForEvent: doc,
	}
}

func TestHandleCompletionEvent_ResumesMatchingJob(t *testing.T) {
	jobs := &fakeWaitingStore{waiting: []model.WorkflowJob{waitingJob("job-1", "task-9")}}
	pub := &fakePublisher{}
	r := NewResumer(jobs, pub, "workflow")

	result := map[string]any{"suggestions": []any{"s1"}}
	if err := r.HandleCompletionEvent(context.Background(), "analysis", "task-9", result); err != nil {
		t.Fatal(err)
	}
	if len(jobs.resumed) != 1 || jobs.resumed[0] != "job-1" {
		t.Fatalf("resumed = %v", jobs.resumed)
	}
	if len(pub.calls) != 1 {
		t.Fatalf("publishes = %d, want 1", len(pub.calls))
	}
	call := pub.calls[0]
	if call.exchange != "workflow" || call.routingKey != "CODE_REVIEW" {
		t.Errorf("published to %s/%s", call.exchange, call.routingKey)
	}
	if call.msg.Headers[broker.HeaderCommand] != broker.CommandResume {
		t.Errorf("command header = %v", call.msg.Headers[broker.HeaderCommand])
	}
	if call.msg.MessageID == "" {
		t.Error("resume message needs a fresh message id for inbox dedup")
	}
	var cmd Command
	if err := json.Unmarshal(call.msg.Body, &cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.JobID != "job-1" || cmd.TaskID != "task-9" || cmd.CorrelationID != "corr-job-1" {
		t.Errorf("command = %+v", cmd)
	}
}

func TestHandleCompletionEvent_NoMatchesIsSilent(t *testing.T) {
	jobs := &fakeWaitingStore{}
	pub := &fakePublisher{}
	r := NewResumer(jobs, pub, "workflow")

	if err := r.HandleCompletionEvent(context.Background(), "analysis", "unknown-task", nil); err != nil {
		t.Fatalf("zero matches must not error: %v", err)
	}
	if len(pub.calls) != 0 {
		t.Error("published despite no waiting jobs")
	}
}

func TestHandleCompletionEvent_RaceLostSkipsPublish(t *testing.T) {
	jobs := &fakeWaitingStore{
		waiting:    []model.WorkflowJob{waitingJob("job-1", "task-9")},
		notWaiting: map[string]bool{"job-1": true},
	}
	pub := &fakePublisher{}
	r := NewResumer(jobs, pub, "workflow")

	if err := r.HandleCompletionEvent(context.Background(), "analysis", "task-9", nil); err != nil {
		t.Fatal(err)
	}
	if len(pub.calls) != 0 {
		t.Error("published resume for a job that was no longer waiting")
	}
}

func TestHandleCompletionEvent_FindErrorPropagates(t *testing.T) {
	boom := errors.New("db down")
	r := NewResumer(&fakeWaitingStore{findErr: boom}, &fakePublisher{}, "workflow")
	if err := r.HandleCompletionEvent(context.Background(), "analysis", "t", nil); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestHandleMessage_EventTypeFromRoutingKey(t *testing.T) {
	jobs := &fakeWaitingStore{waiting: []model.WorkflowJob{waitingJob("job-1", "task-9")}}
	r := NewResumer(jobs, &fakePublisher{}, "workflow")

	body, _ := json.Marshal(CompletionEvent{EventKey: "task-9"})
	err := r.HandleMessage(context.Background(), broker.Message{
		RoutingKey: "analysis.completed",
		Body:       body,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs.resumed) != 1 {
		t.Errorf("resumed = %v; event type not derived from routing key", jobs.resumed)
	}
}

func TestHandleMessage_MissingEventKeyFails(t *testing.T) {
	r := NewResumer(&fakeWaitingStore{}, &fakePublisher{}, "workflow")
	err := r.HandleMessage(context.Background(), broker.Message{
		RoutingKey: "analysis.completed",
		Body:       []byte(`{}`),
	})
	if err == nil {
		t.Fatal("expected error for event without key")
	}
}
