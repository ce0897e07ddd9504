package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpilot/taskpilot/pkg/models"
)

func testTemplates() []PlanTemplate {
	return []PlanTemplate{
		{
			Name:     "deploy",
			Keywords: []string{"deploy", "release"},
			Confirm:  "This will deploy to production. Proceed?",
			Phases: []PlanTemplatePhase{
				{ID: "phase-1", Name: "Build", TaskKind: "execute"},
				{ID: "phase-2", Name: "Deploy", TaskKind: "execute"},
			},
		},
		{
			Name:     "vague",
			Keywords: []string{"something"},
			Clarify:  "What exactly should I do?",
		},
		{
			Name:     "research",
			Keywords: []string{"find", "research"},
			Phases: []PlanTemplatePhase{
				{ID: "phase-1", Name: "Search", Description: "gather sources", TaskKind: "analyze"},
				{ID: "phase-2", Name: "Summarize", TaskKind: "summarize"},
			},
		},
	}
}

func TestPlannerMatchesKeywords(t *testing.T) {
	planner := NewStaticPlanner(testTemplates())

	outcome, err := planner.Plan(context.Background(), "please RESEARCH the topic")
	require.NoError(t, err)
	require.NotNil(t, outcome.Plan)
	assert.Equal(t, "research", outcome.Plan.Summary)
	require.Len(t, outcome.Plan.Phases, 2)
	assert.Equal(t, "phase-1", outcome.Plan.Phases[0].ID)
	assert.Equal(t, models.PhasePending, outcome.Plan.Phases[0].Status)
	assert.Empty(t, outcome.ConfirmationPrompt)
	assert.Empty(t, outcome.ClarificationNeeded)
}

func TestPlannerFirstMatchWins(t *testing.T) {
	planner := NewStaticPlanner(testTemplates())

	// matches both "deploy" and "research"; the deploy template is first
	outcome, err := planner.Plan(context.Background(), "research how to deploy this")
	require.NoError(t, err)
	require.NotNil(t, outcome.Plan)
	assert.Equal(t, "deploy", outcome.Plan.Summary)
}

func TestPlannerConfirmation(t *testing.T) {
	planner := NewStaticPlanner(testTemplates())

	outcome, err := planner.Plan(context.Background(), "deploy the new build")
	require.NoError(t, err)
	require.NotNil(t, outcome.Plan)
	assert.Equal(t, "This will deploy to production. Proceed?", outcome.ConfirmationPrompt)
}

func TestPlannerClarification(t *testing.T) {
	planner := NewStaticPlanner(testTemplates())

	outcome, err := planner.Plan(context.Background(), "do something")
	require.NoError(t, err)
	assert.Nil(t, outcome.Plan)
	assert.Equal(t, "What exactly should I do?", outcome.ClarificationNeeded)
}

func TestPlannerNoMatchAsksToRephrase(t *testing.T) {
	planner := NewStaticPlanner(testTemplates())

	outcome, err := planner.Plan(context.Background(), "completely unrelated text")
	require.NoError(t, err)
	assert.Nil(t, outcome.Plan)
	assert.NotEmpty(t, outcome.ClarificationNeeded)
}

func TestPlannerCatchAllTemplate(t *testing.T) {
	planner := NewStaticPlanner([]PlanTemplate{
		{
			Name: "default",
			Phases: []PlanTemplatePhase{
				{ID: "phase-1", Name: "Do it", TaskKind: "execute"},
			},
		},
	})

	outcome, err := planner.Plan(context.Background(), "anything at all")
	require.NoError(t, err)
	require.NotNil(t, outcome.Plan)
	assert.Equal(t, "default", outcome.Plan.Summary)
}

func TestPlannerRendersMessageIntoDescriptions(t *testing.T) {
	planner := NewStaticPlanner([]PlanTemplate{
		{
			Name:     "summarize",
			Keywords: []string{"summarize"},
			Phases: []PlanTemplatePhase{
				{ID: "phase-1", Name: "Summarize", Description: "Summarize: {{.Message}}", TaskKind: "summarize"},
			},
		},
	})

	outcome, err := planner.Plan(context.Background(), "summarize the meeting notes")
	require.NoError(t, err)
	require.NotNil(t, outcome.Plan)
	assert.Equal(t, "Summarize: summarize the meeting notes", outcome.Plan.Phases[0].Description)
}

func TestLoadStaticPlanner(t *testing.T) {
	content := `templates:
  - name: research
    keywords: ["find"]
    phases:
      - id: phase-1
        name: Search
        description: gather sources
        task_kind: analyze
      - id: phase-2
        name: Summarize
        task_kind: summarize
`
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	planner, err := LoadStaticPlanner(path)
	require.NoError(t, err)

	outcome, err := planner.Plan(context.Background(), "find the answer")
	require.NoError(t, err)
	require.NotNil(t, outcome.Plan)
	require.Len(t, outcome.Plan.Phases, 2)
	assert.Equal(t, "gather sources", outcome.Plan.Phases[0].Description)
	assert.Equal(t, "analyze", outcome.Plan.Phases[0].TaskKind)
}

func TestLoadStaticPlannerRejectsEmptyTemplate(t *testing.T) {
	content := `templates:
  - name: broken
    keywords: ["x"]
`
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := LoadStaticPlanner(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `template "broken" has no phases`)
}

func TestLoadStaticPlannerMissingFile(t *testing.T) {
	_, err := LoadStaticPlanner(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
