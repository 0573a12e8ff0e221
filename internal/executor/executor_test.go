package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilot/internal/registry"
)

type staticResolver struct {
	tool *registry.Tool
	err  error
}

func (r *staticResolver) Resolve(ctx context.Context, toolID string) (*registry.Tool, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.tool, nil
}

func TestInvokeAllowedEndpoint(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Equal(t, "/command", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "uptime", body["cmd"])
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "exit_code": 0})
	}))
	t.Cleanup(srv.Close)

	tool := &registry.Tool{
		ID: "t1", Name: "box", BaseURL: srv.URL, Active: true,
		Endpoints: []registry.Endpoint{{Method: "POST", Path: "/command"}},
	}
	e := New(&staticResolver{tool: tool}, time.Second, nil)

	res, err := e.Invoke(context.Background(), Call{
		ToolID: "t1", Method: "POST", Path: "/command",
		Body: map[string]any{"cmd": "uptime"},
	})
	require.NoError(t, err)
	assert.True(t, res.OK())
	body := res.Body.(map[string]any)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, int32(1), hits.Load())
}

func TestInvokeRefusesUndeclaredEndpointBeforeNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(srv.Close)

	tool := &registry.Tool{
		ID: "t1", Name: "box", BaseURL: srv.URL, Active: true,
		Endpoints: []registry.Endpoint{{Method: "GET", Path: "/status"}},
	}
	e := New(&staticResolver{tool: tool}, time.Second, nil)

	_, err := e.Invoke(context.Background(), Call{ToolID: "t1", Method: "DELETE", Path: "/data"})
	require.ErrorIs(t, err, ErrNotAllowed)
	assert.Equal(t, int32(0), hits.Load(), "a refused call must never reach the server")
}

func TestInvokeEmptyEndpointListAllowsNothing(t *testing.T) {
	tool := &registry.Tool{ID: "t1", Name: "box", BaseURL: "http://127.0.0.1:1", Active: true}
	e := New(&staticResolver{tool: tool}, time.Second, nil)

	_, err := e.Invoke(context.Background(), Call{ToolID: "t1", Method: "GET", Path: "/status"})
	assert.ErrorIs(t, err, ErrNotAllowed)
}

func TestInvokeNon2xxIsResultNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream sad"))
	}))
	t.Cleanup(srv.Close)

	tool := &registry.Tool{
		ID: "t1", Name: "box", BaseURL: srv.URL, Active: true,
		Endpoints: []registry.Endpoint{{Method: "GET", Path: "/status"}},
	}
	e := New(&staticResolver{tool: tool}, time.Second, nil)

	res, err := e.Invoke(context.Background(), Call{ToolID: "t1", Method: "GET", Path: "/status"})
	require.NoError(t, err, "HTTP errors are results, not transport failures")
	assert.False(t, res.OK())
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Equal(t, "upstream sad", res.Body)
}

func TestInvokeTransportFailure(t *testing.T) {
	tool := &registry.Tool{
		ID: "t1", Name: "box", BaseURL: "http://127.0.0.1:1", Active: true,
		Endpoints: []registry.Endpoint{{Method: "GET", Path: "/status"}},
	}
	e := New(&staticResolver{tool: tool}, 500*time.Millisecond, nil)

	_, err := e.Invoke(context.Background(), Call{ToolID: "t1", Method: "GET", Path: "/status"})
	assert.ErrorIs(t, err, ErrToolUnavailable)
}

func TestInvokeQueryParameters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("lines"))
		json.NewEncoder(w).Encode(map[string]any{"log": "..."})
	}))
	t.Cleanup(srv.Close)

	tool := &registry.Tool{
		ID: "t1", Name: "box", BaseURL: srv.URL, Active: true,
		Endpoints: []registry.Endpoint{{Method: "GET", Path: "/logs"}},
	}
	e := New(&staticResolver{tool: tool}, time.Second, nil)

	res, err := e.Invoke(context.Background(), Call{
		ToolID: "t1", Method: "GET", Path: "/logs",
		Query: map[string]any{"lines": 5},
	})
	require.NoError(t, err)
	assert.True(t, res.OK())
}
