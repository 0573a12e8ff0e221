// Package llm provides a minimal chat-completions client with function
// calling, used for plan proposal and failed-command correction.
package llm

import "context"

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // "system" | "user" | "assistant"
	Content string `json:"content"`
}

// FunctionDef describes a callable function exposed to the model.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Tool wraps a function definition in the wire envelope.
type Tool struct {
	Type     string      `json:"type"` // always "function"
	Function FunctionDef `json:"function"`
}

// NewFunctionTool builds a function tool.
func NewFunctionTool(def FunctionDef) Tool {
	return Tool{Type: "function", Function: def}
}

// ToolCall is a function invocation requested by the model. Arguments is nil
// when the raw argument payload could not be decoded even after repair.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
	RawArgs   string
}

// ChatRequest is one completion request.
type ChatRequest struct {
	Messages    []Message
	Tools       []Tool
	ToolChoice  string // "", "auto", or a function name to force
	Temperature float64
}

// ChatResponse is the model's reply.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// Client produces chat completions.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}
