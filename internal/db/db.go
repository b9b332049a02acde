package db

import (
	"context"
	"database/sql"
	"time"

	"emperror.dev/errors"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/wesm/github-mirror/internal/models"
)

// DB is the run journal: an append-only record of sync runs
type DB struct {
	*sqlx.DB
	now func() time.Time
}

// New opens the journal database at dbPath
func New(dbPath string) (*DB, error) {
	db, err := sqlx.Connect("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open journal %s", dbPath)
	}
	// Repositories synced concurrently share one writer.
	db.SetMaxOpenConns(1)

	return &DB{DB: db, now: time.Now}, nil
}

// Initialize creates the database schema if it doesn't exist
func (db *DB) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		repository TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		status TEXT NOT NULL,
		requests INTEGER NOT NULL DEFAULT 0,
		written INTEGER NOT NULL DEFAULT 0,
		unchanged INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS runs_repository_started
		ON runs (repository, started_at);
	`

	if _, err := db.Exec(schema); err != nil {
		return errors.Wrap(err, "failed to create schema")
	}
	return nil
}

// BeginRun records the start of a run for repository
func (db *DB) BeginRun(ctx context.Context, repository string) (*models.SyncRun, error) {
	run := &models.SyncRun{
		ID:         uuid.NewString(),
		Repository: repository,
		StartedAt:  db.now().UTC(),
		Status:     models.RunRunning,
	}

	query := `
	INSERT INTO runs (id, repository, started_at, status)
	VALUES (:id, :repository, :started_at, :status)
	`
	if _, err := db.NamedExecContext(ctx, query, run); err != nil {
		return nil, errors.Wrapf(err, "failed to record start of run for %s", repository)
	}
	return run, nil
}

// FinishRun stores the final status and counters of run
func (db *DB) FinishRun(ctx context.Context, run *models.SyncRun) error {
	finished := db.now().UTC()
	run.FinishedAt = &finished

	query := `
	UPDATE runs SET
		finished_at = :finished_at,
		status = :status,
		requests = :requests,
		written = :written,
		unchanged = :unchanged,
		skipped = :skipped,
		failed = :failed,
		error = :error
	WHERE id = :id
	`
	res, err := db.NamedExecContext(ctx, query, run)
	if err != nil {
		return errors.Wrapf(err, "failed to record result of run %s", run.ID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Errorf("failed to record result of run %s: no such run", run.ID)
	}
	return nil
}

// LastRun returns the most recent finished run of repository, or nil if
// there is none. Runs that never finished are ignored.
func (db *DB) LastRun(ctx context.Context, repository string) (*models.SyncRun, error) {
	query := `
	SELECT id, repository, started_at, finished_at, status,
		requests, written, unchanged, skipped, failed, error
	FROM runs
	WHERE repository = ? AND finished_at IS NOT NULL
	ORDER BY started_at DESC
	LIMIT 1
	`

	var run models.SyncRun
	err := db.GetContext(ctx, &run, query, repository)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get last run of %s", repository)
	}
	return &run, nil
}

// Runs returns every recorded run of repository, oldest first
func (db *DB) Runs(ctx context.Context, repository string) ([]models.SyncRun, error) {
	var runs []models.SyncRun
	err := db.SelectContext(ctx, &runs, `SELECT * FROM runs WHERE repository = ? ORDER BY started_at`, repository)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list runs of %s", repository)
	}
	return runs, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
