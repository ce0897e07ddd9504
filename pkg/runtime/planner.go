package runtime

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/taskpilot/taskpilot/pkg/models"
	"github.com/taskpilot/taskpilot/pkg/utils"
)

// PlanTemplate is one declarative planning rule. The first template
// whose keywords match the message wins.
type PlanTemplate struct {
	// Name of the template
	Name string `yaml:"name"`

	// Keywords that select this template, matched case-insensitively
	Keywords []string `yaml:"keywords"`

	// Clarify, when set, asks the user this question instead of planning
	Clarify string `yaml:"clarify,omitempty"`

	// Confirm, when set, requires the user to confirm before running
	Confirm string `yaml:"confirm,omitempty"`

	// Phases of the resulting plan
	Phases []PlanTemplatePhase `yaml:"phases"`
}

// PlanTemplatePhase is one phase of a plan template
type PlanTemplatePhase struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	TaskKind    string `yaml:"task_kind"`
}

// StaticPlanner produces plans from YAML templates. The production
// planner is an external service; this implementation backs local
// development and tests.
type StaticPlanner struct {
	templates []PlanTemplate
}

// NewStaticPlanner creates a planner from the given templates
func NewStaticPlanner(templates []PlanTemplate) *StaticPlanner {
	return &StaticPlanner{templates: templates}
}

// LoadStaticPlanner reads plan templates from a YAML file
func LoadStaticPlanner(path string) (*StaticPlanner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan templates: %w", err)
	}

	var doc struct {
		Templates []PlanTemplate `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse plan templates: %w", err)
	}

	for _, t := range doc.Templates {
		if t.Clarify == "" && len(t.Phases) == 0 {
			return nil, fmt.Errorf("template %q has no phases", t.Name)
		}
	}

	return NewStaticPlanner(doc.Templates), nil
}

// Plan matches the message against the templates in order
func (p *StaticPlanner) Plan(ctx context.Context, message string) (PlanOutcome, error) {
	lower := strings.ToLower(message)

	for _, t := range p.templates {
		if !templateMatches(t, lower) {
			continue
		}

		if t.Clarify != "" {
			return PlanOutcome{ClarificationNeeded: t.Clarify}, nil
		}

		plan := &models.ExecutionPlan{Summary: t.Name}
		for _, ph := range t.Phases {
			plan.Phases = append(plan.Phases, models.PlanPhase{
				ID:          ph.ID,
				Name:        ph.Name,
				Description: renderDescription(ph.Description, message),
				TaskKind:    ph.TaskKind,
				Status:      models.PhasePending,
			})
		}

		if t.Confirm != "" {
			return PlanOutcome{Plan: plan, ConfirmationPrompt: t.Confirm}, nil
		}
		return PlanOutcome{Plan: plan}, nil
	}

	return PlanOutcome{
		ClarificationNeeded: "I could not map your request to a known task; can you rephrase it?",
	}, nil
}

// renderDescription fills {{.Message}} placeholders in a phase
// description with the user's request; a malformed template passes
// through untouched
func renderDescription(description, message string) string {
	if !strings.Contains(description, "{{") {
		return description
	}

	tmpl, err := utils.NewPromptTemplate(description)
	if err != nil {
		return description
	}
	rendered, err := tmpl.Render(map[string]any{"Message": message})
	if err != nil {
		return description
	}
	return rendered
}

func templateMatches(t PlanTemplate, lowerMessage string) bool {
	if len(t.Keywords) == 0 {
		return true
	}
	for _, kw := range t.Keywords {
		if strings.Contains(lowerMessage, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
