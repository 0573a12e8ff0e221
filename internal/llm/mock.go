package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockClient returns scripted responses in order and records every request.
// It is shared by tests across packages.
type MockClient struct {
	mu        sync.Mutex
	Responses []*ChatResponse
	Err       error
	Requests  []ChatRequest
	calls     int
}

// Chat pops the next scripted response.
func (m *MockClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return nil, m.Err
	}
	if m.calls >= len(m.Responses) {
		return nil, fmt.Errorf("mock llm: no response scripted for call %d", m.calls+1)
	}
	resp := m.Responses[m.calls]
	m.calls++
	return resp, nil
}

// Calls returns how many times Chat was invoked.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
