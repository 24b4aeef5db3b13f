package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store owns all persisted state: daily progress rows, the notification log,
// user settings, payments and newsletters. All access goes through it.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	// mu serializes upserts so concurrent writes to the same date cannot
	// lose each other's untouched fields.
	mu sync.Mutex
}

// New opens (creating if needed) the study progress database
func New(dbPath string, logger *zap.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, logger: logger.Named("store")}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("database initialized", zap.String("path", dbPath))
	return s, nil
}

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS study_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			date TEXT NOT NULL,
			logged_in BOOLEAN NOT NULL DEFAULT 0,
			login_time TEXT,
			study_minutes INTEGER DEFAULT 0,
			lessons_completed TEXT,
			last_activity TEXT,
			streak_days INTEGER DEFAULT 0,
			total_points INTEGER DEFAULT 0,
			raw_data TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_study_sessions_date
			ON study_sessions(date)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			date TEXT NOT NULL,
			notification_type TEXT NOT NULL,
			message TEXT NOT NULL,
			sent_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			date TEXT NOT NULL,
			amount REAL,
			plan_type TEXT,
			invoice_url TEXT,
			subject TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS newsletters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			date TEXT NOT NULL,
			subject TEXT NOT NULL,
			preview TEXT,
			full_body TEXT,
			created_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
