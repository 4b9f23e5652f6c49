package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/p-blackswan/agentchat/internal/message"
)

// Direction of a frame relative to this client.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Frame is one journaled message.
type Frame struct {
	ID        int64
	SessionID string
	Direction Direction
	Message   message.Message
	Bytes     int
	At        time.Time
}

// Record appends a frame. File payloads are stored as their data URI header
// and byte count only.
func (s *Store) Record(ctx context.Context, f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return sql.ErrConnDone
	}

	if f.At.IsZero() {
		f.At = time.Now()
	}
	content := f.Message.Content
	size := len(content)
	if f.Message.Kind == message.KindFile {
		if i := strings.IndexByte(content, ','); i >= 0 {
			content = content[:i+1]
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO frames (session_id, direction, type, role, content, bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.SessionID, string(f.Direction), string(f.Message.Kind), string(f.Message.Role),
		content, size, f.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record frame: %w", err)
	}
	return nil
}

// Recent returns up to limit of the latest frames of a session, oldest first.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, sql.ErrConnDone
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, direction, type, role, content, bytes, created_at
		 FROM (SELECT * FROM frames WHERE session_id = ? ORDER BY id DESC LIMIT ?)
		 ORDER BY id ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer rows.Close()

	var frames []Frame
	for rows.Next() {
		var (
			f                     Frame
			dir, kind, role, body string
			createdAt             int64
		)
		if err := rows.Scan(&f.ID, &f.SessionID, &dir, &kind, &role, &body, &f.Bytes, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		f.Direction = Direction(dir)
		f.Message = message.Message{Kind: message.Kind(kind), Role: message.Role(role), Content: body}
		f.At = time.UnixMilli(createdAt)
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// Count returns the number of frames journaled for a session.
func (s *Store) Count(ctx context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, sql.ErrConnDone
	}

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM frames WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count frames: %w", err)
	}
	return n, nil
}

// DeleteSession drops every frame of a deleted chat.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return sql.ErrConnDone
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM frames WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete frames: %w", err)
	}
	return nil
}
