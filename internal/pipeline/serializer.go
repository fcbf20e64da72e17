package pipeline

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Strategy selects how a checkpoint is serialized.
type Strategy string

const (
	// StrategyFull snapshots the whole context. Slowest and largest, always
	// correct; used for the first checkpoint of a run.
	StrategyFull Strategy = "full"
	// StrategyDelta emits identity fields plus significant fields whose value
	// changed against the previous snapshot, plus trimmed identity
	// projections of large substructures. Without a previous state it
	// behaves like full.
	StrategyDelta Strategy = "delta"
	// StrategyMinimal emits only the identifiers needed to re-fetch the rest
	// externally.
	StrategyMinimal Strategy = "minimal"
	// StrategyCompressed is a full snapshot, gzip-compressed, with a marker
	// the deserializer auto-detects.
	StrategyCompressed Strategy = "compressed"
)

// deltaMarker flags a serialized document as a delta so ApplyDelta and the
// deserializer can tell it apart from a full snapshot. projectedMarker lists
// the keys carried only as identity projections: ApplyDelta must not let
// those overwrite the full value already present in the base.
const (
	deltaMarker     = "_delta"
	projectedMarker = "_projected"
)

// defaultSignificantKeys is the base significant-field set for delta
// checkpoints. Stages extend it through their Writes declarations, so a new
// stage's output is never silently dropped from a delta.
var defaultSignificantKeys = []string{
	"organization",
	"team",
	"repository",
	"pullRequest",
	"reviewConfig",
	"diffFiles",
	"suggestions",
	"validSuggestions",
	"comments",
	"statusInfo",
	"metadata",
}

// projections maps large substructures to the identity subset carried in a
// delta when the full value is unchanged.
var projections = map[string][]string{
	"organization": {"id"},
	"team":         {"id"},
	"repository":   {"id", "name"},
	"pullRequest":  {"number"},
}

// Options configures one Serialize call.
type Options struct {
	Strategy Strategy
	// PreviousState is the previously persisted snapshot; required for a
	// delta to have anything to diff against.
	PreviousState []byte
	// SignificantKeys extends the default significant-field set (typically
	// the union of the pipeline's stage Writes).
	SignificantKeys []string
}

// Serializer converts a pipeline context to and from its persisted
// representation. Deserialize(Serialize(ctx)) == ctx for the full and
// compressed strategies; delta and minimal trade fidelity for size.
type Serializer struct {
	compressor Compressor
}

// NewSerializer returns a serializer using the given compressor for the
// compressed strategy.
func NewSerializer(c Compressor) *Serializer {
	return &Serializer{compressor: c}
}

// Serialize produces the persisted representation of pc under opts.Strategy.
// An empty strategy means full.
func (s *Serializer) Serialize(pc *Context, opts Options) ([]byte, error) {
	switch opts.Strategy {
	case StrategyFull, "":
		return json.Marshal(pc.Document())
	case StrategyMinimal:
		return json.Marshal(s.minimalDocument(pc))
	case StrategyDelta:
		if len(opts.PreviousState) == 0 {
			return json.Marshal(pc.Document())
		}
		doc, err := s.deltaDocument(pc, opts)
		if err != nil {
			return nil, err
		}
		return json.Marshal(doc)
	case StrategyCompressed:
		return s.serializeCompressed(pc)
	default:
		return nil, fmt.Errorf("serialization strategy %q not supported", opts.Strategy)
	}
}

// Deserialize rebuilds a context from a persisted representation, detecting
// and decompressing compressed snapshots automatically. Non-compressed
// payloads are returned verbatim as a context document.
func (s *Serializer) Deserialize(data []byte) (*Context, error) {
	doc, err := s.decodeDocument(data)
	if err != nil {
		return nil, err
	}
	delete(doc, deltaMarker)
	delete(doc, projectedMarker)
	return ContextFromDocument(doc), nil
}

// ApplyDelta overlays every non-marker field of delta onto base and returns
// the reconstructed full state. Identity projections of unchanged
// substructures are applied only when the base lacks the key — the base's
// full value always wins over a trimmed projection. Applying a non-delta
// payload is a no-op passthrough of the payload itself.
func (s *Serializer) ApplyDelta(base, delta []byte) ([]byte, error) {
	var deltaDoc map[string]any
	if err := json.Unmarshal(delta, &deltaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal delta: %w", err)
	}
	if flag, _ := deltaDoc[deltaMarker].(bool); !flag {
		return delta, nil
	}
	baseDoc := map[string]any{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseDoc); err != nil {
			return nil, fmt.Errorf("unmarshal base: %w", err)
		}
	}
	projected := map[string]bool{}
	if list, ok := deltaDoc[projectedMarker].([]any); ok {
		for _, k := range list {
			if name, ok := k.(string); ok {
				projected[name] = true
			}
		}
	}
	for k, v := range deltaDoc {
		if k == deltaMarker || k == projectedMarker {
			continue
		}
		if projected[k] {
			if _, exists := baseDoc[k]; exists {
				continue
			}
		}
		baseDoc[k] = v
	}
	return json.Marshal(baseDoc)
}

func (s *Serializer) decodeDocument(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	compressed, _ := doc["compressed"].(bool)
	if !compressed {
		return doc, nil
	}
	encoded, _ := doc["data"].(string)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode compressed state: %w", err)
	}
	plain, err := s.compressor.Decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("decompress state: %w", err)
	}
	var inner map[string]any
	if err := json.Unmarshal(plain, &inner); err != nil {
		return nil, fmt.Errorf("unmarshal decompressed state: %w", err)
	}
	return inner, nil
}

func (s *Serializer) serializeCompressed(pc *Context) ([]byte, error) {
	plain, err := json.Marshal(pc.Document())
	if err != nil {
		return nil, err
	}
	packed, err := s.compressor.Compress(plain)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"compressed":     true,
		"originalSize":   len(plain),
		"compressedSize": len(packed),
		"data":           base64.StdEncoding.EncodeToString(packed),
	})
}

func (s *Serializer) minimalDocument(pc *Context) map[string]any {
	doc := map[string]any{
		keyJobID:         pc.JobID,
		keyRunID:         pc.RunID,
		keyCorrelationID: pc.CorrelationID,
		keyCurrentStage:  pc.CurrentStage,
		keyUpdatedAt:     pc.Document()[keyUpdatedAt],
	}
	put := func(docKey, srcKey, field string) {
		if m, ok := pc.Values[srcKey].(map[string]any); ok {
			if v, ok := m[field]; ok {
				doc[docKey] = v
			}
		}
	}
	put("organizationId", "organization", "id")
	put("teamId", "team", "id")
	put("repositoryId", "repository", "id")
	put("pullRequestNumber", "pullRequest", "number")
	return doc
}

func (s *Serializer) deltaDocument(pc *Context, opts Options) (map[string]any, error) {
	var prev map[string]any
	if err := json.Unmarshal(opts.PreviousState, &prev); err != nil {
		return nil, fmt.Errorf("unmarshal previous state: %w", err)
	}
	full := pc.Document()
	doc := map[string]any{
		deltaMarker:      true,
		keyJobID:         full[keyJobID],
		keyRunID:         full[keyRunID],
		keyCorrelationID: full[keyCorrelationID],
		keyCurrentStage:  full[keyCurrentStage],
		keyUpdatedAt:     full[keyUpdatedAt],
	}
	for _, key := range significantKeys(opts.SignificantKeys) {
		cur, ok := full[key]
		if !ok {
			continue
		}
		changed, err := differs(cur, prev[key])
		if err != nil {
			return nil, fmt.Errorf("compare field %q: %w", key, err)
		}
		if changed {
			doc[key] = cur
		}
	}
	// Unchanged large substructures still carry their identity projection so
	// a delta remains traceable on its own. They are listed under the
	// projected marker so reconstruction never replaces a full base value
	// with the trimmed form.
	var projectedKeys []string
	for key, fields := range projections {
		if _, included := doc[key]; included {
			continue
		}
		m, ok := full[key].(map[string]any)
		if !ok {
			continue
		}
		trimmed := map[string]any{}
		for _, f := range fields {
			if v, ok := m[f]; ok {
				trimmed[f] = v
			}
		}
		if len(trimmed) > 0 {
			doc[key] = trimmed
			projectedKeys = append(projectedKeys, key)
		}
	}
	if len(projectedKeys) > 0 {
		doc[projectedMarker] = projectedKeys
	}
	return doc, nil
}

// significantKeys unions the defaults with extras, preserving order and
// dropping duplicates.
func significantKeys(extras []string) []string {
	seen := make(map[string]bool, len(defaultSignificantKeys)+len(extras))
	out := make([]string, 0, len(defaultSignificantKeys)+len(extras))
	for _, k := range defaultSignificantKeys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, k := range extras {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// differs compares two values by their canonical JSON encoding.
func differs(a, b any) (bool, error) {
	ja, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false, err
	}
	return !bytes.Equal(ja, jb), nil
}
