// Standard stages for common pipeline patterns.

package pipeline

import (
	"context"
	"fmt"
)

// Identity returns a light stage that passes the context through unchanged.
// Useful as a no-op join point in a dependency graph.
func Identity(name string, deps ...string) Stage {
	return Stage{
		Name:      name,
		DependsOn: deps,
		Execute: func(ctx context.Context, pc *Context) (*Context, error) {
			return pc, nil
		},
	}
}

// Tap returns a light stage that calls fn then passes the context through
// unchanged. Use for logging, metrics, or side effects.
func Tap(name string, fn func(context.Context, *Context), deps ...string) Stage {
	return Stage{
		Name:      name,
		DependsOn: deps,
		Execute: func(ctx context.Context, pc *Context) (*Context, error) {
			fn(ctx, pc)
			return pc, nil
		},
	}
}

// RequireKeys returns a light stage that fails fast unless every key is
// present in the context.
func RequireKeys(name string, keys []string, deps ...string) Stage {
	return Stage{
		Name:      name,
		DependsOn: deps,
		Execute: func(ctx context.Context, pc *Context) (*Context, error) {
			for _, k := range keys {
				if _, ok := pc.Get(k); !ok {
					return nil, fmt.Errorf("key %q: %w", k, ErrMissingKey)
				}
			}
			return pc, nil
		},
	}
}

// SetValues returns a light stage that merges fixed values into the context.
// Useful to inject configuration or as a test source.
func SetValues(name string, values map[string]any, deps ...string) Stage {
	return Stage{
		Name:      name,
		DependsOn: deps,
		Writes:    keysOf(values),
		Execute: func(ctx context.Context, pc *Context) (*Context, error) {
			pc.Merge(values)
			return pc, nil
		},
	}
}

func keysOf(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
