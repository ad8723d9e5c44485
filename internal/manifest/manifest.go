// Package manifest loads task definitions from a YAML file so runs can be
// described declaratively and checked into a repository.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/taskgrid/taskgrid/internal/domain"
)

// TaskSpec is the YAML shape of one task entry.
type TaskSpec struct {
	ID                    string   `yaml:"id"`
	Priority              int      `yaml:"priority"`
	DependsOn             []string `yaml:"depends_on"`
	RequiresSerialization bool     `yaml:"requires_serialization"`
	MaxRetries            int      `yaml:"max_retries"`
	Payload               any      `yaml:"payload"`
}

// Manifest is a declarative description of one run.
type Manifest struct {
	Tasks []TaskSpec `yaml:"tasks"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes manifest bytes and validates them.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if len(m.Tasks) == 0 {
		return &domain.ConfigError{Field: "tasks", Reason: "manifest defines no tasks"}
	}
	seen := make(map[string]struct{}, len(m.Tasks))
	for i, spec := range m.Tasks {
		if spec.ID == "" {
			return &domain.ConfigError{Field: fmt.Sprintf("tasks[%d].id", i), Reason: "must not be empty"}
		}
		if _, ok := seen[spec.ID]; ok {
			return &domain.DuplicateTaskError{TaskID: spec.ID}
		}
		seen[spec.ID] = struct{}{}
		if spec.MaxRetries < 0 {
			return &domain.ConfigError{Field: fmt.Sprintf("tasks[%d].max_retries", i), Reason: "must be >= 0"}
		}
	}
	return nil
}

// Domain converts the manifest into scheduler tasks. YAML payloads are
// re-encoded as JSON so executors see one payload format regardless of how
// the task was submitted.
func (m *Manifest) Domain() ([]*domain.Task, error) {
	tasks := make([]*domain.Task, 0, len(m.Tasks))
	for _, spec := range m.Tasks {
		var payload json.RawMessage
		if spec.Payload != nil {
			data, err := json.Marshal(spec.Payload)
			if err != nil {
				return nil, fmt.Errorf("encode payload for task %s: %w", spec.ID, err)
			}
			payload = data
		}
		tasks = append(tasks, &domain.Task{
			ID:                    spec.ID,
			Priority:              spec.Priority,
			DependsOn:             spec.DependsOn,
			RequiresSerialization: spec.RequiresSerialization,
			MaxRetries:            spec.MaxRetries,
			Payload:               payload,
		})
	}
	return tasks, nil
}
