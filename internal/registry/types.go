// Package registry manages the catalog of HTTP tool servers the agent may
// call: registration by address, OpenAPI endpoint discovery, activation
// toggles, and lookup at execution time.
package registry

import "time"

// Endpoint is one callable operation on a tool server.
type Endpoint struct {
	Method      string   `json:"method"`
	Path        string   `json:"path"`
	OperationID string   `json:"operation_id,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Tool is a registered tool server.
type Tool struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	BaseURL    string     `json:"base_url"`
	DocsURL    string     `json:"docs_url,omitempty"`
	OpenAPIURL string     `json:"openapi_url,omitempty"`
	Active     bool       `json:"active"`
	Endpoints  []Endpoint `json:"endpoints"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Allows reports whether the tool's discovered surface includes the given
// method and path. An empty endpoint list allows nothing.
func (t *Tool) Allows(method, path string) bool {
	for _, e := range t.Endpoints {
		if e.Method == method && e.Path == path {
			return true
		}
	}
	return false
}
