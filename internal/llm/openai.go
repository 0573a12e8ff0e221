package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"pilot/internal/logging"
)

// OpenAIClient talks to an OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	apiKey      string
	model       string
	baseURL     string
	temperature float64
	httpClient  *http.Client
	logger      *logging.Logger
}

// OpenAIConfig configures the client.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	Timeout     time.Duration
	Logger      *logging.Logger
}

// NewOpenAIClient creates a client for an OpenAI-compatible API.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIClient{
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		baseURL:     baseURL,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logging.OrNop(cfg.Logger),
	}
}

type wireMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []Tool        `json:"tools,omitempty"`
	ToolChoice  any           `json:"tool_choice,omitempty"`
	Temperature float64       `json:"temperature"`
}

type wireResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Chat sends a completion request and decodes the first choice.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := wireRequest{
		Model:       c.model,
		Temperature: req.Temperature,
	}
	if body.Temperature == 0 {
		body.Temperature = c.temperature
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, wireMessage{Role: m.Role, Content: m.Content})
	}
	body.Tools = req.Tools
	switch req.ToolChoice {
	case "", "auto":
		if len(req.Tools) > 0 {
			body.ToolChoice = "auto"
		}
	default:
		body.ToolChoice = map[string]any{
			"type":     "function",
			"function": map[string]any{"name": req.ToolChoice},
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llm response: %w", err)
	}

	var wire wireResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, fmt.Errorf("llm response decode: %w", err)
	}
	if wire.Error != nil {
		return nil, fmt.Errorf("llm error (%s): %s", wire.Error.Type, wire.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm HTTP %d", resp.StatusCode)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("llm returned no choices")
	}

	msg := wire.Choices[0].Message
	out := &ChatResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: c.decodeArguments(tc.Function.Name, tc.Function.Arguments),
			RawArgs:   tc.Function.Arguments,
		})
	}
	c.logger.Debug("llm completion",
		"model", c.model,
		"tool_calls", len(out.ToolCalls),
		"duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

// decodeArguments parses a tool call's argument JSON, repairing malformed
// payloads when possible. Returns nil when nothing decodable remains.
func (c *OpenAIClient) decodeArguments(name, raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args
	}
	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		c.logger.Warn("tool call arguments unrecoverable", "tool", name)
		return nil
	}
	if err := json.Unmarshal([]byte(fixed), &args); err != nil {
		c.logger.Warn("tool call arguments unrecoverable after repair", "tool", name)
		return nil
	}
	c.logger.Debug("repaired tool call arguments", "tool", name)
	return args
}
