package engine

import (
	"fmt"
	"strings"

	"pilot/internal/llm"
	"pilot/internal/plan"
)

var makePlanTool = llm.NewFunctionTool(llm.FunctionDef{
	Name:        "make_plan",
	Description: "Propose a step-by-step plan of tool calls for the user to confirm",
	Parameters: map[string]any{
		"type":     "object",
		"required": []string{"goal", "steps"},
		"properties": map[string]any{
			"goal": map[string]any{"type": "string"},
			"steps": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"title", "kind"},
					"properties": map[string]any{
						"title":   map[string]any{"type": "string"},
						"kind":    map[string]any{"type": "string", "enum": []string{"note", "tool_call"}},
						"tool_id": map[string]any{"type": "string"},
						"method":  map[string]any{"type": "string"},
						"path":    map[string]any{"type": "string"},
						"query":   map[string]any{"type": "object"},
						"body":    map[string]any{},
					},
					"additionalProperties": false,
				},
			},
		},
		"additionalProperties": false,
	},
})

func findMakePlan(calls []llm.ToolCall) *llm.ToolCall {
	for i := range calls {
		if calls[i].Name == "make_plan" {
			return &calls[i]
		}
	}
	return nil
}

type planProposal struct {
	Goal  string
	Steps []plan.Step
}

// decodePlanArgs validates make_plan arguments. It returns a non-empty
// reason string when the proposal must be discarded; nil arguments mean the
// payload could not be decoded at all.
func decodePlanArgs(args map[string]any) (*planProposal, string) {
	if args == nil {
		return nil, "arguments were not valid JSON"
	}
	goal, _ := args["goal"].(string)
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, "missing goal"
	}
	rawSteps, ok := args["steps"].([]any)
	if !ok || len(rawSteps) == 0 {
		return nil, "plan has no steps"
	}

	steps := make([]plan.Step, 0, len(rawSteps))
	for i, raw := range rawSteps {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Sprintf("step %d is not an object", i+1)
		}
		step := plan.Step{}
		step.Title, _ = m["title"].(string)

		kind, _ := m["kind"].(string)
		switch kind {
		case "note":
			step.Kind = plan.KindNote
		case "tool_call":
			step.Target.ToolID, _ = m["tool_id"].(string)
			step.Target.Method, _ = m["method"].(string)
			step.Target.Path, _ = m["path"].(string)
			if q, ok := m["query"].(map[string]any); ok {
				step.Target.Query = q
			}
			step.Target.Body = m["body"]
			if step.Target.ToolID == "" || step.Target.Method == "" || step.Target.Path == "" {
				return nil, fmt.Sprintf("step %d is missing tool_id, method or path", i+1)
			}
			// Shell commands get the stricter execution policy.
			if strings.EqualFold(step.Target.Method, "POST") && step.Target.Path == "/command" {
				step.Kind = plan.KindCommand
			} else {
				step.Kind = plan.KindToolCall
			}
		default:
			return nil, fmt.Sprintf("step %d has unknown kind %q", i+1, kind)
		}
		steps = append(steps, step)
	}
	return &planProposal{Goal: goal, Steps: steps}, ""
}
