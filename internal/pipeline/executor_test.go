package pipeline

import (
	"context"
	"errors"
	"testing"
)

// fakeCheckpoints records checkpoint and park calls. Each checkpoint keeps
// the stage name the context carried at save time.
type fakeCheckpoints struct {
	saves   []string
	waits   []Pause
	saveErr error
	waitErr error
}

func (f *fakeCheckpoints) SaveCheckpoint(_ context.Context, _ string, pc *Context) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves = append(f.saves, pc.CurrentStage)
	return nil
}

func (f *fakeCheckpoints) MarkWaiting(_ context.Context, _ string, pc *Context, p Pause) error {
	if f.waitErr != nil {
		return f.waitErr
	}
	f.waits = append(f.waits, p)
	return nil
}

func recordingStage(name string, ran *[]string, deps ...string) Stage {
	return Stage{
		Name:      name,
		DependsOn: deps,
		Execute: func(ctx context.Context, pc *Context) (*Context, error) {
			*ran = append(*ran, name)
			return pc, nil
		},
	}
}

func heavyStage(name, eventType string, deps ...string) Stage {
	return Stage{
		Name:      name,
		DependsOn: deps,
		EventType: eventType,
		Start: func(ctx context.Context, pc *Context) (string, error) {
			return "task-" + name, nil
		},
		GetResult: func(ctx context.Context, pc *Context, taskID string) (*Context, error) {
			pc.Set("result", "done")
			return pc, nil
		},
	}
}

func TestExecute_LightChainCheckpointsEachStage(t *testing.T) {
	var ran []string
	stages := []Stage{
		recordingStage("fetch", &ran),
		recordingStage("analyze", &ran, "fetch"),
		recordingStage("post", &ran, "analyze"),
	}
	cp := &fakeCheckpoints{}
	pc := NewContext("job-1", "run-1", "corr-1", nil)

	res := NewExecutor(cp).Execute(context.Background(), "job-1", stages, pc)
	if res.Status != Completed {
		t.Fatalf("status = %v, err = %v", res.Status, res.Err)
	}
	wantRan := []string{"fetch", "analyze", "post"}
	if len(ran) != len(wantRan) {
		t.Fatalf("ran %v, want %v", ran, wantRan)
	}
	for i := range wantRan {
		if ran[i] != wantRan[i] {
			t.Fatalf("ran %v, want %v", ran, wantRan)
		}
	}
	// Initial checkpoint plus one per stage.
	if len(cp.saves) != 4 {
		t.Fatalf("checkpoints = %d, want 4 (%v)", len(cp.saves), cp.saves)
	}
	if cp.saves[3] != "post" {
		t.Errorf("last checkpoint stage = %q, want %q", cp.saves[3], "post")
	}
}

func TestExecute_HeavyStagePausesAfterPredecessors(t *testing.T) {
	var ran []string
	stages := []Stage{
		recordingStage("a", &ran),
		recordingStage("b", &ran, "a"),
		heavyStage("c", "analysis", "b"),
	}
	cp := &fakeCheckpoints{}
	pc := NewContext("job-1", "run-1", "corr-1", nil)

	res := NewExecutor(cp).Execute(context.Background(), "job-1", stages, pc)
	if res.Status != Paused {
		t.Fatalf("status = %v, err = %v", res.Status, res.Err)
	}
	if len(ran) != 2 || ran[0] != "a" || ran[1] != "b" {
		t.Fatalf("ran %v, want [a b]", ran)
	}
	if res.Pause == nil {
		t.Fatal("paused result carries no pause descriptor")
	}
	if res.Pause.StageName != "c" || res.Pause.EventType != "analysis" || res.Pause.TaskID != "task-c" {
		t.Errorf("pause = %+v", res.Pause)
	}
	if len(cp.waits) != 1 {
		t.Fatalf("MarkWaiting calls = %d, want 1", len(cp.waits))
	}
	if res.Context.CurrentStage != "c" {
		t.Errorf("CurrentStage = %q, want %q", res.Context.CurrentStage, "c")
	}
}

func TestExecute_SkippedContextRunsNothing(t *testing.T) {
	var ran []string
	stages := []Stage{recordingStage("a", &ran)}
	cp := &fakeCheckpoints{}
	pc := NewContext("job-1", "run-1", "corr-1", map[string]any{
		"statusInfo": map[string]any{"status": "SKIPPED"},
	})

	res := NewExecutor(cp).Execute(context.Background(), "job-1", stages, pc)
	if res.Status != Skipped {
		t.Fatalf("status = %v", res.Status)
	}
	if len(ran) != 0 {
		t.Errorf("stages ran on skipped job: %v", ran)
	}
	if len(cp.saves) != 0 {
		t.Errorf("checkpoints written on skipped job: %v", cp.saves)
	}
}

func TestExecute_CanExecuteSkipsStage(t *testing.T) {
	var ran []string
	gated := recordingStage("gated", &ran)
	gated.CanExecute = func(pc *Context) bool { return false }
	stages := []Stage{recordingStage("first", &ran), gated}
	cp := &fakeCheckpoints{}

	res := NewExecutor(cp).Execute(context.Background(), "job-1", stages, NewContext("job-1", "run-1", "corr-1", nil))
	if res.Status != Completed {
		t.Fatalf("status = %v, err = %v", res.Status, res.Err)
	}
	if len(ran) != 1 || ran[0] != "first" {
		t.Errorf("ran %v, want [first]", ran)
	}
}

func TestExecute_MissingReadKeyFailsFast(t *testing.T) {
	var ran []string
	needy := recordingStage("needy", &ran)
	needy.Reads = []string{"diffFiles"}
	cp := &fakeCheckpoints{}

	res := NewExecutor(cp).Execute(context.Background(), "job-1", []Stage{needy}, NewContext("job-1", "run-1", "corr-1", nil))
	if res.Status != Failed {
		t.Fatalf("status = %v", res.Status)
	}
	if !errors.Is(res.Err, ErrMissingKey) {
		t.Fatalf("err = %v, want ErrMissingKey", res.Err)
	}
	if len(ran) != 0 {
		t.Errorf("stage body ran despite missing key")
	}
}

func TestExecute_FailureRunsCompensation(t *testing.T) {
	boom := errors.New("boom")
	compensated := false
	st := Stage{
		Name: "flaky",
		Execute: func(ctx context.Context, pc *Context) (*Context, error) {
			return nil, boom
		},
		Compensate: func(ctx context.Context, pc *Context) error {
			compensated = true
			return errors.New("compensation also failed")
		},
	}
	cp := &fakeCheckpoints{}

	res := NewExecutor(cp).Execute(context.Background(), "job-1", []Stage{st}, NewContext("job-1", "run-1", "corr-1", nil))
	if res.Status != Failed {
		t.Fatalf("status = %v", res.Status)
	}
	if !compensated {
		t.Error("compensation not invoked")
	}
	if !errors.Is(res.Err, boom) {
		t.Errorf("compensation error masked the original: %v", res.Err)
	}
	if res.FailedStage != "flaky" {
		t.Errorf("FailedStage = %q", res.FailedStage)
	}
}

func TestExecute_CycleFailsBeforeAnyStageRuns(t *testing.T) {
	var ran []string
	stages := []Stage{
		recordingStage("a", &ran, "b"),
		recordingStage("b", &ran, "a"),
	}
	cp := &fakeCheckpoints{}

	res := NewExecutor(cp).Execute(context.Background(), "job-1", stages, NewContext("job-1", "run-1", "corr-1", nil))
	if res.Status != Failed || !errors.Is(res.Err, ErrCircularDependency) {
		t.Fatalf("status = %v, err = %v", res.Status, res.Err)
	}
	if len(ran) != 0 || len(cp.saves) != 0 {
		t.Errorf("work performed despite invalid graph: ran=%v saves=%v", ran, cp.saves)
	}
}

func TestResume_CompletesRemainingStages(t *testing.T) {
	var ran []string
	stages := []Stage{
		recordingStage("a", &ran),
		heavyStage("wait", "analysis", "a"),
		recordingStage("after", &ran, "wait"),
	}
	cp := &fakeCheckpoints{}
	pc := NewContext("job-1", "run-1", "corr-1", nil)
	pc.CurrentStage = "wait"

	res := NewExecutor(cp).Resume(context.Background(), "job-1", stages, pc, "task-wait")
	if res.Status != Completed {
		t.Fatalf("status = %v, err = %v", res.Status, res.Err)
	}
	if len(ran) != 1 || ran[0] != "after" {
		t.Fatalf("ran %v, want [after]", ran)
	}
	if v, _ := res.Context.Get("result"); v != "done" {
		t.Errorf("GetResult output not merged: %v", v)
	}
	// One checkpoint for the resumed heavy stage, one for the trailing stage.
	if len(cp.saves) != 2 {
		t.Errorf("checkpoints = %d, want 2", len(cp.saves))
	}
}

func TestResume_LightStageFailsWithoutStateWrites(t *testing.T) {
	var ran []string
	stages := []Stage{recordingStage("light", &ran)}
	cp := &fakeCheckpoints{}
	pc := NewContext("job-1", "run-1", "corr-1", nil)
	pc.CurrentStage = "light"

	res := NewExecutor(cp).Resume(context.Background(), "job-1", stages, pc, "t")
	if res.Status != Failed || !errors.Is(res.Err, ErrCannotResume) {
		t.Fatalf("status = %v, err = %v", res.Status, res.Err)
	}
	if len(cp.saves) != 0 || len(cp.waits) != 0 {
		t.Errorf("state written on invalid resume: saves=%v waits=%v", cp.saves, cp.waits)
	}
}

func TestResume_UnknownStageFails(t *testing.T) {
	stages := []Stage{heavyStage("wait", "analysis")}
	cp := &fakeCheckpoints{}
	pc := NewContext("job-1", "run-1", "corr-1", nil)
	pc.CurrentStage = "ghost"

	res := NewExecutor(cp).Resume(context.Background(), "job-1", stages, pc, "t")
	if res.Status != Failed || !errors.Is(res.Err, ErrUnknownStage) {
		t.Fatalf("status = %v, err = %v", res.Status, res.Err)
	}
}

func TestResume_ResumeHookRuns(t *testing.T) {
	hookRan := false
	st := heavyStage("wait", "analysis")
	st.Resume = func(ctx context.Context, pc *Context) (*Context, error) {
		hookRan = true
		pc.Set("finalized", true)
		return pc, nil
	}
	cp := &fakeCheckpoints{}
	pc := NewContext("job-1", "run-1", "corr-1", nil)
	pc.CurrentStage = "wait"

	res := NewExecutor(cp).Resume(context.Background(), "job-1", []Stage{st}, pc, "t")
	if res.Status != Completed {
		t.Fatalf("status = %v, err = %v", res.Status, res.Err)
	}
	if !hookRan {
		t.Error("Resume hook not invoked")
	}
	if v, _ := res.Context.Get("finalized"); v != true {
		t.Error("Resume hook output lost")
	}
}

func TestExecute_CheckpointFailureStopsRun(t *testing.T) {
	var ran []string
	stages := []Stage{recordingStage("a", &ran), recordingStage("b", &ran, "a")}
	cp := &fakeCheckpoints{saveErr: errors.New("db down")}

	res := NewExecutor(cp).Execute(context.Background(), "job-1", stages, NewContext("job-1", "run-1", "corr-1", nil))
	if res.Status != Failed {
		t.Fatalf("status = %v", res.Status)
	}
	if len(ran) != 0 {
		t.Errorf("stages ran after failed initial checkpoint: %v", ran)
	}
}
