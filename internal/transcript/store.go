// Package transcript journals every run channel frame to a local SQLite
// database so a session can be inspected after the fact.
package transcript

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Store is the frame journal. One writer at a time; reads share the lock.
type Store struct {
	path   string
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.RWMutex
}

// New opens the journal at dbPath, creating the file and its directory when
// missing, and brings the schema up to date.
func New(dbPath string, logger zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating transcript directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening transcript %s: %w", dbPath, err)
	}
	// SQLite serializes writers anyway; one connection keeps WAL readers and
	// the writer from tripping over each other's busy locks.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening transcript %s: %w", dbPath, err)
	}

	s := &Store{
		path:   dbPath,
		db:     db,
		logger: logger.With().Str("component", "transcript").Logger(),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating transcript: %w", err)
	}

	s.logger.Debug().Str("path", dbPath).Msg("transcript store ready")
	return s, nil
}

// dsn sets the connection pragmas through the driver's _pragma parameters so
// they apply to every connection the pool opens.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Ping checks the database, for readiness probes.
func (s *Store) Ping() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return sql.ErrConnDone
	}
	return s.db.Ping()
}
