// Package executor performs single HTTP calls against registered tool
// servers. Every call is checked against the tool's discovered endpoint
// list before any network I/O happens; an unknown method+path is refused.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pilot/internal/logging"
	"pilot/internal/registry"
)

var (
	// ErrNotAllowed marks a call outside the tool's discovered surface.
	ErrNotAllowed = errors.New("call not in the tool's endpoint list")
	// ErrToolUnavailable marks a transport-level failure reaching the tool.
	ErrToolUnavailable = errors.New("tool unreachable")
)

// Call is one HTTP invocation against a tool.
type Call struct {
	ToolID string
	Method string
	Path   string
	Query  map[string]any
	Body   any
}

// Result is the tool's reply. Any HTTP status is a Result, including 4xx
// and 5xx; only transport failures surface as errors.
type Result struct {
	StatusCode int
	Body       any
	RawBody    string
}

// OK reports whether the HTTP status was 2xx.
func (r Result) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Resolver looks up tools at call time.
type Resolver interface {
	Resolve(ctx context.Context, toolID string) (*registry.Tool, error)
}

// Executor invokes tool endpoints over HTTP.
type Executor struct {
	resolver Resolver
	client   *http.Client
	timeout  time.Duration
	logger   *logging.Logger
}

// New returns an Executor. timeout bounds each individual call.
func New(resolver Resolver, timeout time.Duration, logger *logging.Logger) *Executor {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Executor{
		resolver: resolver,
		client:   &http.Client{Timeout: timeout},
		timeout:  timeout,
		logger:   logging.OrNop(logger),
	}
}

// Invoke resolves the tool, verifies the call against its endpoint list and
// performs the request. The allowlist check runs before any connection is
// opened, and an unknown endpoint is refused even if the server would
// accept it.
func (e *Executor) Invoke(ctx context.Context, call Call) (Result, error) {
	tool, err := e.resolver.Resolve(ctx, call.ToolID)
	if err != nil {
		return Result{}, err
	}

	method := strings.ToUpper(strings.TrimSpace(call.Method))
	if !tool.Allows(method, call.Path) {
		e.logger.Warn("refusing undeclared endpoint",
			"tool_id", call.ToolID, "method", method, "path", call.Path)
		return Result{}, fmt.Errorf("%w: %s %s on %s", ErrNotAllowed, method, call.Path, tool.Name)
	}

	target := tool.BaseURL + call.Path
	if len(call.Query) > 0 {
		q := url.Values{}
		for k, v := range call.Query {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		target += "?" + q.Encode()
	}

	var body io.Reader
	if call.Body != nil {
		raw, err := json.Marshal(call.Body)
		if err != nil {
			return Result{}, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Result{}, err
	}
	if call.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn("tool call failed",
			"tool_id", call.ToolID, "method", method, "path", call.Path, "error", err)
		return Result{}, fmt.Errorf("%w: %v", ErrToolUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("%w: reading response: %v", ErrToolUnavailable, err)
	}

	result := Result{StatusCode: resp.StatusCode, RawBody: string(raw)}
	var decoded any
	if json.Unmarshal(raw, &decoded) == nil {
		result.Body = decoded
	} else {
		result.Body = string(raw)
	}

	e.logger.Info("tool call",
		"tool_id", call.ToolID,
		"method", method,
		"path", call.Path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}
