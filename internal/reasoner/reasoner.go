// Package reasoner asks the model whether a failed shell command can be
// corrected, and returns the substitute command when it can.
package reasoner

import (
	"context"
	"fmt"
	"strings"

	"pilot/internal/llm"
	"pilot/internal/logging"
)

// Proposal is a corrected command accepted for one more attempt.
type Proposal struct {
	Cmd string
	Why string
}

const systemPrompt = `You are an expert command execution agent.
Analyze the failure and decide whether it can be corrected.

RULES:
- If you can correct it, propose ONE new command.
- Keep the original intent.
- Do NOT repeat the same command.
- Do NOT propose destructive commands.
- If correction is not possible, answer with give_up and explain in 'why'.`

var proposeFixTool = llm.NewFunctionTool(llm.FunctionDef{
	Name:        "propose_fix",
	Description: "Propose a corrected command or give up",
	Parameters: map[string]any{
		"type":     "object",
		"required": []string{"action"},
		"properties": map[string]any{
			"action": map[string]any{"type": "string", "enum": []string{"retry", "give_up"}},
			"cmd":    map[string]any{"type": "string"},
			"why":    map[string]any{"type": "string"},
		},
		"additionalProperties": false,
	},
})

// Reasoner proposes corrections for failed commands.
type Reasoner struct {
	client llm.Client
	logger *logging.Logger
}

// New returns a Reasoner.
func New(client llm.Client, logger *logging.Logger) *Reasoner {
	return &Reasoner{client: client, logger: logging.OrNop(logger)}
}

// ProposeFix asks the model for a corrected command. It returns nil when the
// model gives up, answers without a tool call, or proposes the same command
// it was told failed. The caller applies its own safety screening on top.
func (r *Reasoner) ProposeFix(ctx context.Context, goal, prevCmd, stdout, stderr string, attempt, maxAttempts int) (*Proposal, error) {
	user := fmt.Sprintf(
		"GOAL:\n%s\n\nATTEMPT:\n%d/%d\n\nPREVIOUS COMMAND:\n%s\n\nSTDOUT:\n%s\n\nSTDERR:\n%s\n",
		goal, attempt, maxAttempts, prevCmd, orEmpty(stdout), orEmpty(stderr))

	resp, err := r.client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
		Tools:      []llm.Tool{proposeFixTool},
		ToolChoice: "auto",
	})
	if err != nil {
		return nil, err
	}
	if len(resp.ToolCalls) == 0 {
		r.logger.Debug("reasoner answered without a tool call")
		return nil, nil
	}

	args := resp.ToolCalls[0].Arguments
	if args == nil {
		return nil, nil
	}
	if action, _ := args["action"].(string); action != "retry" {
		why, _ := args["why"].(string)
		r.logger.Info("reasoner gave up", "why", why)
		return nil, nil
	}

	cmd, _ := args["cmd"].(string)
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return nil, nil
	}
	if cmd == strings.TrimSpace(prevCmd) {
		r.logger.Info("reasoner repeated the failed command, rejecting")
		return nil, nil
	}

	why, _ := args["why"].(string)
	return &Proposal{Cmd: cmd, Why: why}, nil
}

func orEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(empty)"
	}
	return s
}
