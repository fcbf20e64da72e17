package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"reviewflow/internal/model"
	"reviewflow/internal/pipeline"
)

// WorkflowsFile is the root of a workflow definition file. Top-level key is
// "workflows"; each entry maps a workflow type to its definition.
type WorkflowsFile struct {
	Workflows map[string]WorkflowDef `yaml:"workflows"`
}

// WorkflowDef composes registered stages into one workflow.
type WorkflowDef struct {
	// Handler: pipeline-sync | pipeline-async | simple-function | webhook-raw.
	Handler string `yaml:"handler"`

	// MaxRetries is the business retry budget for jobs of this workflow.
	MaxRetries int `yaml:"max_retries"`

	Stages []StageRef `yaml:"stages"`
}

// StageRef references a registered stage and overlays its graph metadata.
// In YAML a stage can be a plain name or a struct:
//
//	stages:
//	  - fetch_diff
//	  - name: analyze
//	    depends_on: [fetch_diff]
//	    event_type: analysis
//	    timeout: 30m
type StageRef struct {
	Name      string   `yaml:"name"`
	DependsOn []string `yaml:"depends_on"`

	// Heavy-stage metadata; only meaningful when the registered stage has a
	// Start hook.
	EventType string   `yaml:"event_type"`
	Timeout   Duration `yaml:"timeout"`
}

// UnmarshalYAML allows a stage to be a string (name only) or a struct.
func (s *StageRef) UnmarshalYAML(value *yaml.Node) error {
	var nameOnly string
	if err := value.Decode(&nameOnly); err == nil {
		s.Name = nameOnly
		return nil
	}
	type raw StageRef
	return value.Decode((*raw)(s))
}

// Duration is a time.Duration that unmarshals from YAML strings (e.g. "60s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// ParseWorkflows parses YAML bytes into a WorkflowsFile.
func ParseWorkflows(data []byte) (*WorkflowsFile, error) {
	var f WorkflowsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadWorkflows reads and parses a workflow definition file.
func LoadWorkflows(path string) (*WorkflowsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return ParseWorkflows(data)
}

// HandlerType maps the YAML handler name to the model enum.
func (d WorkflowDef) HandlerType() (model.HandlerType, error) {
	switch d.Handler {
	case "pipeline-sync":
		return model.HandlerPipelineSync, nil
	case "pipeline-async", "":
		return model.HandlerPipelineAsync, nil
	case "simple-function":
		return model.HandlerSimpleFunction, nil
	case "webhook-raw":
		return model.HandlerWebhookRaw, nil
	default:
		return "", fmt.Errorf("handler %q not supported", d.Handler)
	}
}

// BuildStages resolves the definition's stage refs against the registry and
// overlays the graph metadata from YAML. Stage names in the definition must
// be registered.
func BuildStages(reg *StageRegistry, def WorkflowDef) ([]pipeline.Stage, error) {
	stages := make([]pipeline.Stage, 0, len(def.Stages))
	for i, ref := range def.Stages {
		if ref.Name == "" {
			return nil, fmt.Errorf("stage %d: name required", i)
		}
		base, ok := reg.Get(ref.Name)
		if !ok {
			return nil, fmt.Errorf("stage %d: %q not in registry", i, ref.Name)
		}
		s := base
		s.Name = ref.Name
		if len(ref.DependsOn) > 0 {
			s.DependsOn = ref.DependsOn
		}
		if ref.EventType != "" {
			s.EventType = ref.EventType
		}
		if ref.Timeout > 0 {
			s.Timeout = ref.Timeout.Duration()
		}
		stages = append(stages, s)
	}
	if err := pipeline.ValidateStages(stages); err != nil {
		return nil, err
	}
	return stages, nil
}
