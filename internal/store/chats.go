package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"pilot/internal/plan"
)

// Project groups chats and carries shared context plus an optional tool
// allowlist. An empty ToolIDs list means no restriction.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Context   string    `json:"context"`
	ToolIDs   []string  `json:"tool_ids"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Chat is one conversation.
type Chat struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one conversation entry.
type Message struct {
	ID      string    `json:"id"`
	ChatID  string    `json:"chat_id"`
	Role    string    `json:"role"` // "user" | "assistant" | "system"
	Content string    `json:"content"`
	At      time.Time `json:"ts"`
}

// ChatStore persists projects, chats and messages.
type ChatStore struct {
	db *sql.DB
}

// NewChatStore returns a ChatStore backed by db.
func NewChatStore(db *sql.DB) *ChatStore {
	return &ChatStore{db: db}
}

// CreateProject creates a project.
func (s *ChatStore) CreateProject(ctx context.Context, name, context_ string) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "New project"
	}
	now := time.Now().UnixMilli()
	p := &Project{
		ID:        plan.NewID(),
		Name:      name,
		Context:   context_,
		ToolIDs:   []string{},
		CreatedAt: time.UnixMilli(now).UTC(),
		UpdatedAt: time.UnixMilli(now).UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, context, tool_ids_json, created_ts, updated_ts)
		VALUES (?, ?, ?, '[]', ?, ?)`,
		p.ID, p.Name, p.Context, now, now)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetProject returns a project by id, or ErrProjectNotFound.
func (s *ChatStore) GetProject(ctx context.Context, projectID string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, context, tool_ids_json, created_ts, updated_ts
		FROM projects WHERE id = ?`, projectID)
	return scanProject(row)
}

// ListProjects returns all projects, most recently updated first.
func (s *ChatStore) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, context, tool_ids_json, created_ts, updated_ts
		FROM projects ORDER BY updated_ts DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProjectRows(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// ProjectUpdate carries a partial project update; nil fields are unchanged.
type ProjectUpdate struct {
	Name    *string
	Context *string
	ToolIDs []string
}

// UpdateProject applies a partial update.
func (s *ChatStore) UpdateProject(ctx context.Context, projectID string, upd ProjectUpdate) error {
	sets := "updated_ts = ?"
	args := []any{time.Now().UnixMilli()}

	if upd.Name != nil {
		if name := strings.TrimSpace(*upd.Name); name != "" {
			sets += ", name = ?"
			args = append(args, name)
		}
	}
	if upd.Context != nil {
		sets += ", context = ?"
		args = append(args, *upd.Context)
	}
	if upd.ToolIDs != nil {
		cleaned := dedupe(upd.ToolIDs)
		raw, err := json.Marshal(cleaned)
		if err != nil {
			return err
		}
		sets += ", tool_ids_json = ?"
		args = append(args, string(raw))
	}

	args = append(args, projectID)
	res, err := s.db.ExecContext(ctx, "UPDATE projects SET "+sets+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrProjectNotFound
	}
	return nil
}

// DeleteProject removes a project with its chats and messages.
func (s *ChatStore) DeleteProject(ctx context.Context, projectID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", projectID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrProjectNotFound
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE chat_id IN (SELECT id FROM chats WHERE project_id = ?)`, projectID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "DELETE FROM chats WHERE project_id = ?", projectID)
	return err
}

// CreateChat creates a chat inside a project.
func (s *ChatStore) CreateChat(ctx context.Context, projectID, title string) (*Chat, error) {
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New chat"
	}
	now := time.Now().UnixMilli()
	c := &Chat{
		ID:        plan.NewID(),
		ProjectID: projectID,
		Title:     title,
		CreatedAt: time.UnixMilli(now).UTC(),
		UpdatedAt: time.UnixMilli(now).UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, project_id, title, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.ProjectID, c.Title, now, now)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetChat returns a chat by id, or ErrChatNotFound.
func (s *ChatStore) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	var (
		c       Chat
		created int64
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, created_ts, updated_ts FROM chats WHERE id = ?`, chatID,
	).Scan(&c.ID, &c.ProjectID, &c.Title, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = time.UnixMilli(created).UTC()
	c.UpdatedAt = time.UnixMilli(updated).UTC()
	return &c, nil
}

// ListChats returns a project's chats, most recently updated first.
func (s *ChatStore) ListChats(ctx context.Context, projectID string) ([]*Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, created_ts, updated_ts
		FROM chats WHERE project_id = ? ORDER BY updated_ts DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		var (
			c       Chat
			created int64
			updated int64
		)
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Title, &created, &updated); err != nil {
			return nil, err
		}
		c.CreatedAt = time.UnixMilli(created).UTC()
		c.UpdatedAt = time.UnixMilli(updated).UTC()
		chats = append(chats, &c)
	}
	return chats, rows.Err()
}

// RenameChat sets a chat title.
func (s *ChatStore) RenameChat(ctx context.Context, chatID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE chats SET title = ?, updated_ts = ? WHERE id = ?`,
		title, time.Now().UnixMilli(), chatID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrChatNotFound
	}
	return nil
}

// AppendMessage appends a message to a chat and bumps its timestamp.
func (s *ChatStore) AppendMessage(ctx context.Context, chatID, role, content string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, role, content, ts) VALUES (?, ?, ?, ?, ?)`,
		plan.NewID(), chatID, role, content, now)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "UPDATE chats SET updated_ts = ? WHERE id = ?", now, chatID)
	return err
}

// History returns a chat's messages in order.
func (s *ChatStore) History(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, ts FROM messages WHERE chat_id = ? ORDER BY ts ASC, id ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			m  Message
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &ts); err != nil {
			return nil, err
		}
		m.At = time.UnixMilli(ts).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// PreviewTitle replaces a default "New chat" title with the first user
// message, truncated.
func (s *ChatStore) PreviewTitle(ctx context.Context, chatID string) error {
	c, err := s.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !strings.EqualFold(c.Title, "new chat") {
		return nil
	}
	msgs, err := s.History(ctx, chatID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.Role != "user" || strings.TrimSpace(m.Content) == "" {
			continue
		}
		title := strings.SplitN(strings.TrimSpace(m.Content), "\n", 2)[0]
		if len(title) > 40 {
			title = title[:40]
		}
		return s.RenameChat(ctx, chatID, title)
	}
	return nil
}

func scanProject(row *sql.Row) (*Project, error) {
	var (
		p        Project
		toolsRaw string
		created  int64
		updated  int64
	)
	err := row.Scan(&p.ID, &p.Name, &p.Context, &toolsRaw, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	finishProject(&p, toolsRaw, created, updated)
	return &p, nil
}

func scanProjectRows(rows *sql.Rows) (*Project, error) {
	var (
		p        Project
		toolsRaw string
		created  int64
		updated  int64
	)
	if err := rows.Scan(&p.ID, &p.Name, &p.Context, &toolsRaw, &created, &updated); err != nil {
		return nil, err
	}
	finishProject(&p, toolsRaw, created, updated)
	return &p, nil
}

func finishProject(p *Project, toolsRaw string, created, updated int64) {
	if err := json.Unmarshal([]byte(toolsRaw), &p.ToolIDs); err != nil {
		p.ToolIDs = []string{}
	}
	p.CreatedAt = time.UnixMilli(created).UTC()
	p.UpdatedAt = time.UnixMilli(updated).UTC()
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
