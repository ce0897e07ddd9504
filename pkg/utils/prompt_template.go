package utils

import (
	"bytes"
	"fmt"
	"regexp"
	"text/template"
)

// PromptTemplate renders prompt text with {{.Variable}} placeholders
type PromptTemplate struct {
	Template string
	parser   *template.Template
}

// NewPromptTemplate parses a template string
func NewPromptTemplate(templateStr string) (*PromptTemplate, error) {
	tmpl, err := template.New("prompt").Option("missingkey=zero").Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	return &PromptTemplate{
		Template: templateStr,
		parser:   tmpl,
	}, nil
}

// Render fills the template with the given variables
func (pt *PromptTemplate) Render(variables map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := pt.parser.Execute(&buf, variables); err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return buf.String(), nil
}

var templateVarPattern = regexp.MustCompile(`{{\.([a-zA-Z0-9_]+)}}`)

// ParseVariables extracts the distinct {{.VarName}} placeholders from a
// template string in order of first appearance
func ParseVariables(templateStr string) []string {
	matches := templateVarPattern.FindAllStringSubmatch(templateStr, -1)

	vars := make([]string, 0, len(matches))
	seen := make(map[string]bool)
	for _, match := range matches {
		if !seen[match[1]] {
			vars = append(vars, match[1])
			seen[match[1]] = true
		}
	}
	return vars
}
