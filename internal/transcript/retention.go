package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RunRetention deletes frames older than maxAge and returns how many went.
func (s *Store) RunRetention(ctx context.Context, maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, sql.ErrConnDone
	}

	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx, "DELETE FROM frames WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old frames: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info().Int64("deleted", n).Dur("max_age", maxAge).Msg("transcript retention")
	}
	return n, nil
}

// DBSizeBytes returns the database size in bytes
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, sql.ErrConnDone
	}

	var pageCount int64
	var pageSize int64

	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}
	return pageCount * pageSize, nil
}
