package pipeline

import (
	"context"
	"errors"
	"testing"
)

func lightStage(name string, deps ...string) Stage {
	return Stage{
		Name:      name,
		DependsOn: deps,
		Execute: func(ctx context.Context, pc *Context) (*Context, error) {
			return pc, nil
		},
	}
}

func TestSortStages_DependenciesFirst(t *testing.T) {
	stages := []Stage{
		lightStage("post", "filter"),
		lightStage("fetch"),
		lightStage("filter", "analyze"),
		lightStage("analyze", "fetch"),
	}
	ordered, err := SortStages(stages)
	if err != nil {
		t.Fatal(err)
	}
	pos := map[string]int{}
	for i, s := range ordered {
		pos[s.Name] = i
	}
	for _, s := range stages {
		for _, dep := range s.DependsOn {
			if pos[dep] >= pos[s.Name] {
				t.Errorf("stage %q at %d before its dependency %q at %d", s.Name, pos[s.Name], dep, pos[dep])
			}
		}
	}
}

func TestSortStages_TieBreakIsInputOrder(t *testing.T) {
	stages := []Stage{
		lightStage("root"),
		lightStage("b", "root"),
		lightStage("a", "root"),
		lightStage("c", "root"),
	}
	ordered, err := SortStages(stages)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"root", "b", "a", "c"}
	for i, name := range want {
		if ordered[i].Name != name {
			t.Fatalf("order[%d]: got %q, want %q (full order %v)", i, ordered[i].Name, name, names(ordered))
		}
	}
}

func TestSortStages_Cycle(t *testing.T) {
	stages := []Stage{
		lightStage("a", "c"),
		lightStage("b", "a"),
		lightStage("c", "b"),
	}
	_, err := SortStages(stages)
	if !errors.Is(err, ErrCircularDependency) {
		t.Fatalf("expected ErrCircularDependency, got %v", err)
	}
}

func TestSortStages_SelfCycle(t *testing.T) {
	_, err := SortStages([]Stage{lightStage("a", "a")})
	if !errors.Is(err, ErrCircularDependency) {
		t.Fatalf("expected ErrCircularDependency, got %v", err)
	}
}

func TestSortStages_UnknownDependency(t *testing.T) {
	_, err := SortStages([]Stage{lightStage("a", "ghost")})
	if !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
}

func TestValidateStages_DuplicateName(t *testing.T) {
	err := ValidateStages([]Stage{lightStage("a"), lightStage("a")})
	if err == nil {
		t.Fatal("expected error for duplicate stage name")
	}
}

func TestValidateStages_HeavyRequiresGetResult(t *testing.T) {
	s := Stage{
		Name:      "heavy",
		EventType: "x",
		Start: func(ctx context.Context, pc *Context) (string, error) {
			return "t", nil
		},
	}
	if err := ValidateStages([]Stage{s}); err == nil {
		t.Fatal("expected error for heavy stage without GetResult")
	}
}

func names(stages []Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = s.Name
	}
	return out
}
