package state

import (
	"context"
	"errors"
	"testing"

	"reviewflow/internal/pipeline"
)

type memStore struct {
	states map[string][]byte
	stages map[string]string
}

func newMemStore() *memStore {
	return &memStore{states: map[string][]byte{}, stages: map[string]string{}}
}

func (s *memStore) GetPipelineState(_ context.Context, jobID string) ([]byte, error) {
	return s.states[jobID], nil
}

func (s *memStore) SavePipelineState(_ context.Context, jobID string, st []byte, currentStage string) error {
	s.states[jobID] = st
	s.stages[jobID] = currentStage
	return nil
}

func testContext(stage string) *pipeline.Context {
	pc := pipeline.NewContext("job-1", "run-1", "corr-1", map[string]any{
		"repository":  map[string]any{"id": "repo-1", "name": "api", "defaultBranch": "main"},
		"pullRequest": map[string]any{"number": float64(7)},
		"diffFiles":   []any{"a.go", "b.go"},
	})
	pc.CurrentStage = stage
	return pc
}

func TestManager_SaveResumeRoundTrip(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, pipeline.NewSerializer(pipeline.GzipCompressor{}), pipeline.StrategyFull)

	if err := m.SaveState(context.Background(), "job-1", testContext("fetch"), nil); err != nil {
		t.Fatal(err)
	}
	if store.stages["job-1"] != "fetch" {
		t.Errorf("current stage = %q", store.stages["job-1"])
	}
	pc, err := m.ResumeFromState(context.Background(), "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if pc.JobID != "job-1" || pc.CurrentStage != "fetch" {
		t.Errorf("context = %+v", pc)
	}
	if _, ok := pc.Get("diffFiles"); !ok {
		t.Error("values lost in round trip")
	}
}

func TestManager_MissingStateIsErrStateNotFound(t *testing.T) {
	m := NewManager(newMemStore(), pipeline.NewSerializer(pipeline.GzipCompressor{}), pipeline.StrategyFull)
	_, err := m.ResumeFromState(context.Background(), "job-1")
	if !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("err = %v, want ErrStateNotFound", err)
	}
}

// Delta checkpoints must stay self-contained: state written under the delta
// strategy is resumable on its own, with unchanged base fields intact.
func TestManager_DeltaStateStaysSelfContained(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, pipeline.NewSerializer(pipeline.GzipCompressor{}), pipeline.StrategyDelta)

	if err := m.SaveState(context.Background(), "job-1", testContext("fetch"), nil); err != nil {
		t.Fatal(err)
	}

	next := testContext("analyze")
	next.Set("suggestions", []any{map[string]any{"id": "s-1"}})
	if err := m.SaveState(context.Background(), "job-1", next, nil); err != nil {
		t.Fatal(err)
	}

	pc, err := m.ResumeFromState(context.Background(), "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if pc.CurrentStage != "analyze" {
		t.Errorf("CurrentStage = %q", pc.CurrentStage)
	}
	if _, ok := pc.Get("suggestions"); !ok {
		t.Error("new field missing after delta save")
	}
	if _, ok := pc.Get("diffFiles"); !ok {
		t.Error("unchanged base field lost after delta save")
	}
	// An unchanged substructure keeps its full value; the delta's identity
	// projection must not shrink it in the stored state.
	repo, _ := pc.Get("repository")
	repoMap, ok := repo.(map[string]any)
	if !ok {
		t.Fatalf("repository = %T", repo)
	}
	if _, ok := repoMap["defaultBranch"]; !ok {
		t.Error("unchanged repository shrank to its projection")
	}
}

func TestManager_CompressedStrategyRoundTrips(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, pipeline.NewSerializer(pipeline.GzipCompressor{}), pipeline.StrategyCompressed)

	if err := m.SaveState(context.Background(), "job-1", testContext("fetch"), nil); err != nil {
		t.Fatal(err)
	}
	pc, err := m.ResumeFromState(context.Background(), "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if pc.CurrentStage != "fetch" {
		t.Errorf("CurrentStage = %q", pc.CurrentStage)
	}
}
