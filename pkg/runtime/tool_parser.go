package runtime

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ToolInvocation is one tool request embedded in model output
type ToolInvocation struct {
	// Name of the tool
	Name string `json:"name"`

	// Args parsed from the tag body when it is valid JSON
	Args map[string]interface{} `json:"args,omitempty"`

	// Raw is the unparsed tag body
	Raw string `json:"raw,omitempty"`
}

// Models embed tool requests in their textual output as
// <tool name="...">{json args}</tool> tags.
var toolTagPattern = regexp.MustCompile(`(?s)<tool\s+name="([^"]+)"\s*>(.*?)</tool>`)

// ParseToolInvocations extracts tool invocation tags from model output in
// the order they appear. Tag bodies that are not valid JSON objects are
// kept raw so the tool can decide what to do with them.
func ParseToolInvocations(text string) []ToolInvocation {
	matches := toolTagPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	invocations := make([]ToolInvocation, 0, len(matches))
	for _, m := range matches {
		inv := ToolInvocation{
			Name: m[1],
			Raw:  strings.TrimSpace(m[2]),
		}

		var args map[string]interface{}
		if err := json.Unmarshal([]byte(inv.Raw), &args); err == nil {
			inv.Args = args
		}

		invocations = append(invocations, inv)
	}

	return invocations
}

// StripToolTags removes tool invocation tags from model output, leaving
// the surrounding prose
func StripToolTags(text string) string {
	return strings.TrimSpace(toolTagPattern.ReplaceAllString(text, ""))
}
