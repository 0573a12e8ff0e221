package reasoner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilot/internal/llm"
)

func fixResponse(args map[string]any) *llm.ChatResponse {
	return &llm.ChatResponse{
		ToolCalls: []llm.ToolCall{{ID: "c1", Name: "propose_fix", Arguments: args}},
	}
}

func TestProposeFixRetry(t *testing.T) {
	mock := &llm.MockClient{Responses: []*llm.ChatResponse{
		fixResponse(map[string]any{"action": "retry", "cmd": "systemctl restart plex", "why": "service name was wrong"}),
	}}
	r := New(mock, nil)

	p, err := r.ProposeFix(context.Background(), "restart media server", "service plex restart", "", "unknown command", 3, 3)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "systemctl restart plex", p.Cmd)
	assert.Equal(t, "service name was wrong", p.Why)
}

func TestProposeFixGiveUp(t *testing.T) {
	mock := &llm.MockClient{Responses: []*llm.ChatResponse{
		fixResponse(map[string]any{"action": "give_up", "why": "binary not installed"}),
	}}
	r := New(mock, nil)

	p, err := r.ProposeFix(context.Background(), "g", "foo", "", "not found", 3, 3)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestProposeFixNoToolCall(t *testing.T) {
	mock := &llm.MockClient{Responses: []*llm.ChatResponse{
		{Content: "I cannot fix this."},
	}}
	r := New(mock, nil)

	p, err := r.ProposeFix(context.Background(), "g", "foo", "", "err", 3, 3)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestProposeFixRejectsVerbatimRepeat(t *testing.T) {
	mock := &llm.MockClient{Responses: []*llm.ChatResponse{
		fixResponse(map[string]any{"action": "retry", "cmd": "  uptime  "}),
	}}
	r := New(mock, nil)

	p, err := r.ProposeFix(context.Background(), "g", "uptime", "", "err", 3, 3)
	require.NoError(t, err)
	assert.Nil(t, p, "proposing the exact command that just failed is a rejection")
}

func TestProposeFixEmptyCommand(t *testing.T) {
	mock := &llm.MockClient{Responses: []*llm.ChatResponse{
		fixResponse(map[string]any{"action": "retry", "cmd": "   "}),
	}}
	r := New(mock, nil)

	p, err := r.ProposeFix(context.Background(), "g", "foo", "", "err", 3, 3)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestProposeFixUndecodableArguments(t *testing.T) {
	mock := &llm.MockClient{Responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "propose_fix", Arguments: nil, RawArgs: "{broken"}}},
	}}
	r := New(mock, nil)

	p, err := r.ProposeFix(context.Background(), "g", "foo", "", "err", 3, 3)
	require.NoError(t, err)
	assert.Nil(t, p)
}
