package pipeline

import (
	"time"
)

// Reserved document keys. Everything else in a serialized context document is
// a stage-owned value.
const (
	keyJobID         = "jobId"
	keyRunID         = "runId"
	keyCorrelationID = "correlationId"
	keyCurrentStage  = "currentStage"
	keyUpdatedAt     = "updatedAt"
)

// Context is the mutable execution context piped between stages. Identity
// fields are fixed; everything a stage reads or writes lives in Values as a
// schema-less key/value bag (values must be JSON-serializable so checkpoints
// round-trip).
type Context struct {
	JobID         string
	RunID         string
	CorrelationID string
	CurrentStage  string
	UpdatedAt     time.Time
	Values        map[string]any
}

// NewContext returns a context seeded with the job payload.
func NewContext(jobID, runID, correlationID string, payload map[string]any) *Context {
	values := make(map[string]any, len(payload))
	for k, v := range payload {
		values[k] = v
	}
	return &Context{
		JobID:         jobID,
		RunID:         runID,
		CorrelationID: correlationID,
		Values:        values,
	}
}

// Get returns the value for key and whether it is present.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.Values[key]
	return v, ok
}

// Set stores a value under key.
func (c *Context) Set(key string, v any) {
	if c.Values == nil {
		c.Values = make(map[string]any)
	}
	c.Values[key] = v
}

// Merge copies every entry of values into the context, overwriting existing keys.
func (c *Context) Merge(values map[string]any) {
	for k, v := range values {
		c.Set(k, v)
	}
}

// Skipped reports whether the job was marked skipped before execution
// (statusInfo.status == "SKIPPED" in the context bag). A skipped job runs
// zero stages.
func (c *Context) Skipped() bool {
	info, ok := c.Values["statusInfo"].(map[string]any)
	if !ok {
		return false
	}
	status, _ := info["status"].(string)
	return status == "SKIPPED"
}

// Document flattens the context into a single map for serialization.
// Identity fields use reserved keys; stage values are spread at the top level.
func (c *Context) Document() map[string]any {
	doc := make(map[string]any, len(c.Values)+5)
	for k, v := range c.Values {
		doc[k] = v
	}
	doc[keyJobID] = c.JobID
	doc[keyRunID] = c.RunID
	doc[keyCorrelationID] = c.CorrelationID
	doc[keyCurrentStage] = c.CurrentStage
	doc[keyUpdatedAt] = c.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return doc
}

// ContextFromDocument rebuilds a context from a serialized document.
func ContextFromDocument(doc map[string]any) *Context {
	c := &Context{Values: make(map[string]any, len(doc))}
	for k, v := range doc {
		switch k {
		case keyJobID:
			c.JobID, _ = v.(string)
		case keyRunID:
			c.RunID, _ = v.(string)
		case keyCorrelationID:
			c.CorrelationID, _ = v.(string)
		case keyCurrentStage:
			c.CurrentStage, _ = v.(string)
		case keyUpdatedAt:
			if s, ok := v.(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
					c.UpdatedAt = t
				}
			}
		default:
			c.Values[k] = v
		}
	}
	return c
}
