// Package sqlite provides a SQLite-backed store.RunStore.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aideator/aideator-sub000/pkg/model"
	"github.com/aideator/aideator-sub000/pkg/store"
)

// Store implements store.RunStore using SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id           TEXT PRIMARY KEY,
			requester_id TEXT NOT NULL DEFAULT '',
			repo         TEXT NOT NULL,
			branch       TEXT NOT NULL DEFAULT '',
			prompt       TEXT NOT NULL,
			variations   INTEGER NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			error        TEXT NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL,
			started_at   DATETIME,
			completed_at DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);

		CREATE TABLE IF NOT EXISTS variations (
			run_id     TEXT NOT NULL,
			idx        INTEGER NOT NULL,
			status     TEXT NOT NULL DEFAULT 'pending',
			handle     TEXT NOT NULL DEFAULT '',
			error      TEXT NOT NULL DEFAULT '',
			started_at DATETIME,
			ended_at   DATETIME,
			PRIMARY KEY (run_id, idx),
			FOREIGN KEY (run_id) REFERENCES runs(id)
		);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts a run and its pending variations.
func (s *Store) CreateRun(ctx context.Context, run *model.Run) error {
	if run.Status == "" {
		run.Status = model.RunPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, requester_id, repo, branch, prompt, variations, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.RequesterID, run.Repo, run.Branch, run.Prompt, run.Variations, run.Status, run.CreatedAt,
	); err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	for i := 0; i < run.Variations; i++ {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO variations (run_id, idx, status) VALUES (?, ?, ?)`,
			run.ID, i, model.VariationPending,
		); err != nil {
			return fmt.Errorf("inserting variation %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, requester_id, repo, branch, prompt, variations, status, error,
		        created_at, started_at, completed_at
		 FROM runs WHERE id = ?`, id,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return run, err
}

// ListRuns returns up to limit runs ordered by creation time (newest first).
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, requester_id, repo, branch, prompt, variations, status, error,
		        created_at, started_at, completed_at
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRunStatus moves a non-terminal run to status.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status model.RunStatus, errMsg string) error {
	now := time.Now().UTC()
	var completed any
	if status.Terminal() {
		completed = now
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET
			status = ?, error = ?,
			started_at = CASE WHEN ? = 'running' AND started_at IS NULL THEN ? ELSE started_at END,
			completed_at = COALESCE(?, completed_at)
		 WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		status, errMsg, status, now, completed, id,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	return s.checkUpdated(ctx, res, `SELECT 1 FROM runs WHERE id = ?`, id)
}

// ListVariations returns the variations of a run in index order.
func (s *Store) ListVariations(ctx context.Context, runID string) ([]*model.Variation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, idx, status, handle, error, started_at, ended_at
		 FROM variations WHERE run_id = ? ORDER BY idx ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Variation
	for rows.Next() {
		v := &model.Variation{}
		var started, ended sql.NullTime
		if err := rows.Scan(&v.RunID, &v.Index, &v.Status, &v.Handle, &v.Error, &started, &ended); err != nil {
			return nil, err
		}
		v.StartedAt = timePtr(started)
		v.EndedAt = timePtr(ended)
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpdateVariation writes the mutable fields of a non-terminal variation.
func (s *Store) UpdateVariation(ctx context.Context, v *model.Variation) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE variations SET status = ?, handle = ?, error = ?, started_at = ?, ended_at = ?
		 WHERE run_id = ? AND idx = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		v.Status, v.Handle, v.Error, nullTime(v.StartedAt), nullTime(v.EndedAt), v.RunID, v.Index,
	)
	if err != nil {
		return fmt.Errorf("updating variation: %w", err)
	}
	return s.checkUpdated(ctx, res, `SELECT 1 FROM variations WHERE run_id = ? AND idx = ?`, v.RunID, v.Index)
}

// checkUpdated tells a missing row apart from a terminal one when an
// update matched nothing.
func (s *Store) checkUpdated(ctx context.Context, res sql.Result, exists string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, exists, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return store.ErrTerminal
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	run := &model.Run{}
	var started, completed sql.NullTime
	err := row.Scan(
		&run.ID, &run.RequesterID, &run.Repo, &run.Branch, &run.Prompt, &run.Variations,
		&run.Status, &run.Error, &run.CreatedAt, &started, &completed,
	)
	if err != nil {
		return nil, err
	}
	run.StartedAt = timePtr(started)
	run.CompletedAt = timePtr(completed)
	return run, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

var _ store.RunStore = (*Store)(nil)
