package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nstogner/sectoragent/pkg/tools"
)

const toolCallPrefix = "TOOL_CALL:"

// toolInstructions tells the model how to request a tool.
func toolInstructions(defs []tools.Definition) string {
	if len(defs) == 0 {
		return "No tools are available."
	}
	var sb strings.Builder
	sb.WriteString("## Available Tools\n\n")
	for _, d := range defs {
		schema, _ := json.Marshal(d.InputSchema)
		fmt.Fprintf(&sb, "- %s: %s Input schema: %s\n", d.Name, d.Description, schema)
	}
	sb.WriteString("\nTo call a tool, reply with a single line of the form\n")
	sb.WriteString(toolCallPrefix + " <tool name> <JSON input>\n")
	sb.WriteString("and nothing else. The tool result will be sent back to you.")
	return sb.String()
}

// parseToolCall recognizes a response of the form
//
//	TOOL_CALL: calculator {"expression": "2+2"}
func parseToolCall(response string) (name string, input map[string]any, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(response), toolCallPrefix)
	if !found {
		return "", nil, false
	}
	rest = strings.TrimSpace(rest)
	name, args, _ := strings.Cut(rest, " ")
	if name == "" {
		return "", nil, false
	}
	input = map[string]any{}
	if args = strings.TrimSpace(args); args != "" {
		if err := json.Unmarshal([]byte(args), &input); err != nil {
			return "", nil, false
		}
	}
	return name, input, true
}
