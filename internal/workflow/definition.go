// Package workflow holds the static step definitions a conversation
// progresses through, progress computation against them, and the context
// builder that enriches outbound queries with accumulated workflow state.
package workflow

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Step is a single named stage in a workflow definition.
type Step struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Definition is an ordered, immutable list of steps. Position in Steps
// determines progress percentage.
type Definition struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Steps []Step `json:"steps" yaml:"steps"`
}

// Progress locates a step within a definition for UI reporting.
type Progress struct {
	CurrentStep     string `json:"currentStep"`
	StepIndex       int    `json:"stepIndex"`
	TotalSteps      int    `json:"totalSteps"`
	PercentComplete int    `json:"percentComplete"`
}

// Default returns the built-in definition: generic steps that work for any
// backend agent, covering the common gather/research/confirm/complete arc.
func Default() *Definition {
	return &Definition{
		ID:   "default",
		Name: "Default Workflow",
		Steps: []Step{
			{ID: "initial", Name: "Initial", Description: "Starting state, awaiting first user input"},
			{ID: "gather_info", Name: "Gather Information", Description: "Collecting user requirements and preferences"},
			{ID: "research", Name: "Research", Description: "Agent researching options based on collected data"},
			{ID: "confirm", Name: "Confirm", Description: "Presenting recommendation for user confirmation"},
			{ID: "complete", Name: "Complete", Description: "Workflow completed, final response delivered"},
		},
	}
}

// Load reads a workflow definition from a YAML file. An empty path returns
// the default definition.
func Load(path string) (*Definition, error) {
	if path == "" {
		return Default(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow definition: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition %s: %w", path, err)
	}

	if def.ID == "" || def.Name == "" || len(def.Steps) == 0 {
		return nil, fmt.Errorf("invalid workflow definition %s: must have id, name, and non-empty steps", path)
	}
	for i, s := range def.Steps {
		if s.ID == "" {
			return nil, fmt.Errorf("invalid workflow definition %s: step %d has no id", path, i)
		}
	}

	return &def, nil
}

// StepProgress computes progress from a step's position in the definition.
// Unknown step ids resolve to index 0 rather than erroring.
func StepProgress(stepID string, def *Definition) Progress {
	index := 0
	for i, s := range def.Steps {
		if s.ID == stepID {
			index = i
			break
		}
	}

	total := len(def.Steps)
	percent := 0
	if total > 0 {
		percent = int(math.Round(float64(index) / float64(total) * 100))
	}

	return Progress{
		CurrentStep:     stepID,
		StepIndex:       index,
		TotalSteps:      total,
		PercentComplete: percent,
	}
}
