package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrToolNotFound is returned when a tool id resolves to nothing.
var ErrToolNotFound = errors.New("tool not found")

// Store persists tools in the shared SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore returns a Store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new tool record and returns it.
func (s *Store) Create(ctx context.Context, name, baseURL string) (*Tool, error) {
	now := time.Now().UnixMilli()
	t := &Tool{
		ID:        uuid.NewString(),
		Name:      name,
		BaseURL:   baseURL,
		Active:    true,
		Endpoints: []Endpoint{},
		CreatedAt: time.UnixMilli(now).UTC(),
		UpdatedAt: time.UnixMilli(now).UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tools (id, name, base_url, docs_url, openapi_url, active, endpoints_json, created_ts, updated_ts)
		VALUES (?, ?, ?, '', '', 1, '[]', ?, ?)`,
		t.ID, t.Name, t.BaseURL, now, now)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns a tool by id, or ErrToolNotFound.
func (s *Store) Get(ctx context.Context, toolID string) (*Tool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, base_url, docs_url, openapi_url, active, endpoints_json, created_ts, updated_ts
		FROM tools WHERE id = ?`, toolID)
	return scanTool(row.Scan)
}

// FindByBaseURL returns the tool registered at baseURL, or ErrToolNotFound.
func (s *Store) FindByBaseURL(ctx context.Context, baseURL string) (*Tool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, base_url, docs_url, openapi_url, active, endpoints_json, created_ts, updated_ts
		FROM tools WHERE base_url = ?`, baseURL)
	return scanTool(row.Scan)
}

// List returns all tools, most recently updated first.
func (s *Store) List(ctx context.Context) ([]*Tool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, base_url, docs_url, openapi_url, active, endpoints_json, created_ts, updated_ts
		FROM tools ORDER BY updated_ts DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tools []*Tool
	for rows.Next() {
		t, err := scanTool(rows.Scan)
		if err != nil {
			return nil, err
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

// SetActive toggles whether a tool may be called.
func (s *Store) SetActive(ctx context.Context, toolID string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tools SET active = ?, updated_ts = ? WHERE id = ?`,
		boolToInt(active), time.Now().UnixMilli(), toolID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrToolNotFound
	}
	return nil
}

// SaveDiscovery records the result of an OpenAPI discovery pass.
func (s *Store) SaveDiscovery(ctx context.Context, toolID, docsURL, openapiURL string, endpoints []Endpoint) error {
	raw, err := json.Marshal(endpoints)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tools SET docs_url = ?, openapi_url = ?, endpoints_json = ?, updated_ts = ? WHERE id = ?`,
		docsURL, openapiURL, string(raw), time.Now().UnixMilli(), toolID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrToolNotFound
	}
	return nil
}

// Rename sets a tool's display name.
func (s *Store) Rename(ctx context.Context, toolID, name string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tools SET name = ?, updated_ts = ? WHERE id = ?`,
		name, time.Now().UnixMilli(), toolID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrToolNotFound
	}
	return nil
}

// Delete removes a tool.
func (s *Store) Delete(ctx context.Context, toolID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tools WHERE id = ?", toolID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrToolNotFound
	}
	return nil
}

func scanTool(scan func(dest ...any) error) (*Tool, error) {
	var (
		t            Tool
		docsURL      sql.NullString
		openapiURL   sql.NullString
		active       int
		endpointsRaw string
		created      int64
		updated      int64
	)
	err := scan(&t.ID, &t.Name, &t.BaseURL, &docsURL, &openapiURL, &active, &endpointsRaw, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrToolNotFound
	}
	if err != nil {
		return nil, err
	}
	t.DocsURL = docsURL.String
	t.OpenAPIURL = openapiURL.String
	t.Active = active != 0
	if err := json.Unmarshal([]byte(endpointsRaw), &t.Endpoints); err != nil {
		t.Endpoints = []Endpoint{}
	}
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
