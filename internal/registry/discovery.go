package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"pilot/internal/logging"
)

// Discovery holds what an OpenAPI probe found on a tool server.
type Discovery struct {
	OpenAPIURL string
	Endpoints  []Endpoint
}

var (
	schemeRe = regexp.MustCompile(`(?i)^https?://`)
	docsRe   = regexp.MustCompile(`(?i)/(docs|redoc)(/.*)?$`)
)

// NormalizeBaseURL turns "host:port", "http://host/docs" and friends into a
// scheme-qualified base URL without a trailing slash.
func NormalizeBaseURL(address string) (string, error) {
	s := strings.TrimSpace(address)
	if s == "" {
		return "", fmt.Errorf("empty tool address")
	}
	if !schemeRe.MatchString(s) {
		s = "http://" + s
	}
	s = docsRe.ReplaceAllString(s, "")
	return strings.TrimRight(s, "/"), nil
}

// Candidate spec locations, FastAPI's default first.
var openapiPaths = []string{
	"/openapi.json",
	"/api/openapi.json",
	"/swagger.json",
	"/v1/openapi.json",
	"/openapi",
	"/api-docs",
}

// Discoverer probes tool servers for an OpenAPI document.
type Discoverer struct {
	client *http.Client
	logger *logging.Logger
}

// NewDiscoverer returns a Discoverer with the given probe timeout.
func NewDiscoverer(timeout time.Duration, logger *logging.Logger) *Discoverer {
	if timeout <= 0 {
		timeout = 6 * time.Second
	}
	return &Discoverer{
		client: &http.Client{Timeout: timeout},
		logger: logging.OrNop(logger),
	}
}

// Discover fetches and parses the first OpenAPI JSON found under baseURL.
// It tries the usual locations in order and keeps going past per-URL
// failures; only exhausting every candidate is an error.
func (d *Discoverer) Discover(ctx context.Context, baseURL string) (*Discovery, error) {
	var lastErr string
	for _, p := range openapiPaths {
		url := baseURL + p
		d.logger.Debug("probing openapi url", "url", url)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = fmt.Sprintf("%s: %v", url, err)
			continue
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			lastErr = fmt.Sprintf("%s: HTTP %d", url, resp.StatusCode)
			continue
		}

		var spec map[string]any
		err = json.NewDecoder(resp.Body).Decode(&spec)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Sprintf("%s: invalid JSON", url)
			continue
		}
		if !looksLikeOpenAPI(spec) {
			lastErr = fmt.Sprintf("%s: no usable paths", url)
			continue
		}

		endpoints := extractEndpoints(spec)
		d.logger.Info("openapi discovered", "url", url, "endpoints", len(endpoints))
		return &Discovery{OpenAPIURL: url, Endpoints: endpoints}, nil
	}
	if lastErr == "" {
		lastErr = "no candidate urls"
	}
	return nil, fmt.Errorf("no OpenAPI document found at %s (last error: %s)", baseURL, lastErr)
}

func looksLikeOpenAPI(spec map[string]any) bool {
	paths, ok := spec["paths"].(map[string]any)
	return ok && len(paths) > 0
}

var httpMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true,
}

func extractEndpoints(spec map[string]any) []Endpoint {
	paths, _ := spec["paths"].(map[string]any)
	var endpoints []Endpoint
	for path, raw := range paths {
		methods, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		for method, opRaw := range methods {
			m := strings.ToUpper(method)
			if !httpMethods[m] {
				continue
			}
			op, ok := opRaw.(map[string]any)
			if !ok {
				continue
			}
			e := Endpoint{Method: m, Path: path}
			if v, ok := op["operationId"].(string); ok {
				e.OperationID = v
			}
			if v, ok := op["summary"].(string); ok && v != "" {
				e.Summary = v
			} else if v, ok := op["description"].(string); ok {
				e.Summary = v
			}
			if tags, ok := op["tags"].([]any); ok {
				for _, t := range tags {
					if s, ok := t.(string); ok {
						e.Tags = append(e.Tags, s)
					}
				}
			}
			endpoints = append(endpoints, e)
		}
	}
	sort.Slice(endpoints, func(i, j int) bool {
		if endpoints[i].Path != endpoints[j].Path {
			return endpoints[i].Path < endpoints[j].Path
		}
		return endpoints[i].Method < endpoints[j].Method
	})
	return endpoints
}
