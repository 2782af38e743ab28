//go:build sqlite

package metrics

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	_ "modernc.org/sqlite"
)

type SQLiteSink struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func DefaultSinkKind() string {
	return "sqlite"
}

func newSQLiteSink(path string) (Sink, error) {
	return NewSQLiteSink(path), nil
}

func NewSQLiteSink(path string) *SQLiteSink {
	return &SQLiteSink{path: path}
}

func (s *SQLiteSink) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteSink) Record(ctx context.Context, runID string, step int, values map[string]float64) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for name, value := range values {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO metrics (run_id, step, name, value)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(run_id, step, name) DO UPDATE SET
				value = excluded.value
		`, runID, step, name, value); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteSink) History(ctx context.Context, runID string) ([]StepMetrics, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT step, name, value FROM metrics
		WHERE run_id = ?
		ORDER BY step, name
	`, runID)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var history []StepMetrics
	for rows.Next() {
		var step int
		var name string
		var value float64
		if err := rows.Scan(&step, &name, &value); err != nil {
			return nil, false, err
		}
		if len(history) == 0 || history[len(history)-1].Step != step {
			history = append(history, StepMetrics{Step: step, Values: map[string]float64{}})
		}
		history[len(history)-1].Values[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if len(history) == 0 {
		return nil, false, nil
	}
	return history, true, nil
}

func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteSink) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("sink is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS metrics (
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			name TEXT NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY (run_id, step, name)
		);
	`)
	return err
}
