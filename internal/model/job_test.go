package model

import (
	"errors"
	"testing"
)

func TestJobStatus_Terminal(t *testing.T) {
	terminal := []JobStatus{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []JobStatus{StatusPending, StatusProcessing, StatusWaitingForEvent}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestClassifiedError_WrapsAndUnwraps(t *testing.T) {
	base := errors.New("rate limited")
	err := Classified(ClassCircuitOpen, base)

	var ce *ClassifiedError
	if !errors.As(err, &ce) {
		t.Fatal("errors.As failed")
	}
	if ce.Classification != ClassCircuitOpen {
		t.Errorf("classification = %s", ce.Classification)
	}
	if !errors.Is(err, base) {
		t.Error("underlying error not reachable via errors.Is")
	}
	if err.Error() != "rate limited" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestWorkflowJob_WaitingDecode(t *testing.T) {
	var j WorkflowJob
	w, err := j.Waiting()
	if err != nil || w != nil {
		t.Fatalf("empty column: %v %v", w, err)
	}
	j.WaitingForEvent = []byte(`{"eventType":"analysis","eventKey":"task-1","timeoutMs":60000}`)
	w, err = j.Waiting()
	if err != nil {
		t.Fatal(err)
	}
	if w.EventType != "analysis" || w.EventKey != "task-1" || w.TimeoutMs != 60000 {
		t.Errorf("waiting = %+v", w)
	}
	j.WaitingForEvent = []byte(`{broken`)
	if _, err := j.Waiting(); err == nil {
		t.Error("malformed document accepted")
	}
}

func TestReviewCorrelationID(t *testing.T) {
	got := ReviewCorrelationID("github", "repo-1", 42)
	if got != "github:repo-1:42" {
		t.Errorf("correlation id = %q", got)
	}
}
