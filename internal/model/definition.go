package model

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TaskSpec describes one task of a workflow definition
type TaskSpec struct {
	ID           string        `json:"id"`
	Name         string        `json:"name,omitempty"`
	Type         string        `json:"type"`
	Description  string        `json:"description,omitempty"`
	Payload      []byte        `json:"payload,omitempty"`
	Dependencies []string      `json:"dependencies,omitempty"`
	Priority     TaskPriority  `json:"priority,omitempty"`
	MaxAttempts  int           `json:"max_attempts,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
}

// Definition is what an external planner submits to the coordinator
type Definition struct {
	ID            string        `json:"id,omitempty"`
	Name          string        `json:"name,omitempty"`
	FailurePolicy FailurePolicy `json:"failure_policy,omitempty"`
	MaxAttempts   int           `json:"max_attempts,omitempty"`
	Tasks         []TaskSpec    `json:"tasks"`
}

// Clone returns a deep copy so that recurring submissions do not share slices.
func (d *Definition) Clone() *Definition {
	c := *d
	c.Tasks = make([]TaskSpec, len(d.Tasks))
	for i, t := range d.Tasks {
		t.Payload = append([]byte(nil), t.Payload...)
		t.Dependencies = append([]string(nil), t.Dependencies...)
		c.Tasks[i] = t
	}
	return &c
}

type yamlTaskSpec struct {
	ID           string        `yaml:"id"`
	Name         string        `yaml:"name"`
	Type         string        `yaml:"type"`
	Description  string        `yaml:"description"`
	Payload      interface{}   `yaml:"payload"`
	Dependencies []string      `yaml:"dependencies"`
	Priority     int           `yaml:"priority"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Timeout      time.Duration `yaml:"timeout"`
}

type yamlDefinition struct {
	ID            string         `yaml:"id"`
	Name          string         `yaml:"name"`
	FailurePolicy string         `yaml:"failure_policy"`
	MaxAttempts   int            `yaml:"max_attempts"`
	Tasks         []yamlTaskSpec `yaml:"tasks"`
}

// ParseDefinition decodes a YAML workflow definition. Structured payloads are
// re-encoded as JSON; string payloads are passed through as raw bytes.
func ParseDefinition(data []byte) (*Definition, error) {
	var raw yamlDefinition
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}

	def := &Definition{
		ID:            raw.ID,
		Name:          raw.Name,
		FailurePolicy: FailurePolicy(raw.FailurePolicy),
		MaxAttempts:   raw.MaxAttempts,
		Tasks:         make([]TaskSpec, 0, len(raw.Tasks)),
	}
	for _, t := range raw.Tasks {
		spec := TaskSpec{
			ID:           t.ID,
			Name:         t.Name,
			Type:         t.Type,
			Description:  t.Description,
			Dependencies: t.Dependencies,
			Priority:     TaskPriority(t.Priority),
			MaxAttempts:  t.MaxAttempts,
			Timeout:      t.Timeout,
		}
		switch p := t.Payload.(type) {
		case nil:
		case string:
			spec.Payload = []byte(p)
		default:
			payload, err := json.Marshal(p)
			if err != nil {
				return nil, fmt.Errorf("failed to encode payload of task %s: %w", t.ID, err)
			}
			spec.Payload = payload
		}
		def.Tasks = append(def.Tasks, spec)
	}
	return def, nil
}

// LoadDefinition reads a YAML workflow definition from disk.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow definition: %w", err)
	}
	return ParseDefinition(data)
}
