package pipeline

import (
	"fmt"
)

// SortStages returns the stages in dependency order: every stage appears
// after all of its dependencies. Ties are broken by input order, so a fixed
// stage list always produces the same schedule. A cycle returns
// ErrCircularDependency before any stage runs.
func SortStages(stages []Stage) ([]Stage, error) {
	if err := ValidateStages(stages); err != nil {
		return nil, err
	}
	ordered := make([]Stage, 0, len(stages))
	emitted := make(map[string]bool, len(stages))
	remaining := len(stages)

	for remaining > 0 {
		progressed := false
		for _, s := range stages {
			if emitted[s.Name] {
				continue
			}
			ready := true
			for _, dep := range s.DependsOn {
				if !emitted[dep] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			ordered = append(ordered, s)
			emitted[s.Name] = true
			remaining--
			progressed = true
		}
		if !progressed {
			var stuck []string
			for _, s := range stages {
				if !emitted[s.Name] {
					stuck = append(stuck, s.Name)
				}
			}
			return nil, fmt.Errorf("stages %v: %w", stuck, ErrCircularDependency)
		}
	}
	return ordered, nil
}
