// Package sqlite persists frontier snapshots so an interrupted crawl can
// resume where it left off.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/cleancrawl/internal/crawler"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	url             TEXT PRIMARY KEY,
	depth           INTEGER NOT NULL,
	priority        REAL    NOT NULL,
	discovered_from TEXT    NOT NULL DEFAULT '',
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	state           TEXT    NOT NULL,
	created_at      INTEGER NOT NULL,
	visible_at      INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT    NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS checkpoints (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	run_id     TEXT    NOT NULL,
	saved_at   INTEGER NOT NULL,
	task_count INTEGER NOT NULL
);`

// Info describes the most recent checkpoint.
type Info struct {
	RunID     string
	SavedAt   time.Time
	TaskCount int
}

// Store is a single-file SQLite checkpoint.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// Open creates or opens the checkpoint database at path.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("checkpoint path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	// One writer; the snapshot is replaced wholesale inside a transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}
	return &Store{db: db, path: path, logger: logger}, nil
}

// Save replaces the stored snapshot with tasks.
func (s *Store) Save(ctx context.Context, runID string, tasks []crawler.URLTask, savedAt time.Time) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM tasks"); err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO tasks
		(url, depth, priority, discovered_from, attempt_count, state, created_at, visible_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare task insert: %w", err)
	}
	defer stmt.Close()

	for _, task := range tasks {
		if _, err = stmt.ExecContext(ctx,
			task.URL,
			task.Depth,
			task.Priority,
			task.DiscoveredFrom,
			task.AttemptCount,
			string(task.State),
			unixNano(task.CreatedAt),
			unixNano(task.VisibleAt),
			task.LastError,
		); err != nil {
			return fmt.Errorf("insert task %s: %w", task.URL, err)
		}
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO checkpoints (id, run_id, saved_at, task_count)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET run_id = excluded.run_id, saved_at = excluded.saved_at, task_count = excluded.task_count`,
		runID, unixNano(savedAt), len(tasks),
	); err != nil {
		return fmt.Errorf("record checkpoint: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	s.logger.Debug("checkpoint saved", zap.String("path", s.path), zap.Int("tasks", len(tasks)))
	return nil
}

// Load returns the stored tasks in insertion order. An empty store yields no
// tasks and no error.
func (s *Store) Load(ctx context.Context) ([]crawler.URLTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url, depth, priority, discovered_from, attempt_count,
		state, created_at, visible_at, last_error FROM tasks ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []crawler.URLTask
	for rows.Next() {
		var (
			task               crawler.URLTask
			state              string
			created, visibleAt int64
		)
		if err := rows.Scan(&task.URL, &task.Depth, &task.Priority, &task.DiscoveredFrom,
			&task.AttemptCount, &state, &created, &visibleAt, &task.LastError); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		task.State = crawler.TaskState(state)
		task.CreatedAt = fromUnixNano(created)
		task.VisibleAt = fromUnixNano(visibleAt)
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// Info reports the latest checkpoint header, or false when none was saved.
func (s *Store) Info(ctx context.Context) (Info, bool, error) {
	var (
		info    Info
		savedAt int64
	)
	err := s.db.QueryRowContext(ctx, "SELECT run_id, saved_at, task_count FROM checkpoints WHERE id = 1").
		Scan(&info.RunID, &savedAt, &info.TaskCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Info{}, false, nil
	}
	if err != nil {
		return Info{}, false, fmt.Errorf("read checkpoint info: %w", err)
	}
	info.SavedAt = fromUnixNano(savedAt)
	return info, true, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	return nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
