package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/fpang/catalog-autotag/internal/retry"
)

// SQLiteStore implements RunStore on a local SQLite file.
type SQLiteStore struct {
	db    *sql.DB
	retry retry.Policy
}

// Compile-time interface check.
var _ RunStore = (*SQLiteStore)(nil)

const query_sqliteStore_initSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	mode TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL DEFAULT '',
	total INTEGER NOT NULL DEFAULT 0,
	completed INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	dry_run INTEGER NOT NULL DEFAULT 0,
	source_counts_json TEXT NOT NULL DEFAULT '{}',
	report_key TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

CREATE TABLE IF NOT EXISTS items (
	run_id TEXT NOT NULL,
	item_id TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT '',
	success INTEGER NOT NULL DEFAULT 0,
	tags_json TEXT NOT NULL DEFAULT '[]',
	markers INTEGER NOT NULL DEFAULT 0,
	source TEXT NOT NULL DEFAULT '',
	code TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	elapsed_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, item_id)
);
`

// OpenSQLite opens (creating if needed) the history database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	s := &SQLiteStore{
		db: db,
		retry: retry.Policy{
			MaxAttempts: 10,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    250 * time.Millisecond,
			Jitter:      10 * time.Millisecond,
			Retryable:   isBusy,
		},
	}
	if _, err := db.Exec(query_sqliteStore_initSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	log.Debug().Str("path", path).Msg("History database opened")
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isBusy reports SQLite lock conflicts, the only errors worth retrying.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy")
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.retry.Do(ctx, "sqlite exec", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
	return err
}

const query_PutRun = `
INSERT INTO runs (run_id, status, mode, kind, total, completed, failed, skipped, dry_run, source_counts_json, report_key, error, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
	status = excluded.status,
	mode = excluded.mode,
	kind = excluded.kind,
	total = excluded.total,
	completed = excluded.completed,
	failed = excluded.failed,
	skipped = excluded.skipped,
	dry_run = excluded.dry_run,
	source_counts_json = excluded.source_counts_json,
	report_key = excluded.report_key,
	error = excluded.error,
	started_at = excluded.started_at,
	finished_at = excluded.finished_at
`

func (s *SQLiteStore) PutRun(ctx context.Context, run *Run) error {
	if run.StartedAt == 0 {
		run.StartedAt = time.Now().Unix()
	}
	counts, err := json.Marshal(run.SourceCounts)
	if err != nil {
		return fmt.Errorf("marshal source counts: %w", err)
	}
	err = s.exec(ctx, query_PutRun,
		run.ID, run.Status, run.Mode, run.Kind, run.Total, run.Completed, run.Failed, run.Skipped,
		run.DryRun, string(counts), run.ReportKey, run.Error, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("put run %s: %w", run.ID, err)
	}
	return nil
}

const query_selectRun = `SELECT run_id, status, mode, kind, total, completed, failed, skipped, dry_run, source_counts_json, report_key, error, started_at, finished_at FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var counts string
	err := row.Scan(&run.ID, &run.Status, &run.Mode, &run.Kind, &run.Total, &run.Completed, &run.Failed,
		&run.Skipped, &run.DryRun, &counts, &run.ReportKey, &run.Error, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		return nil, err
	}
	if counts != "" && counts != "null" {
		if err := json.Unmarshal([]byte(counts), &run.SourceCounts); err != nil {
			return nil, fmt.Errorf("unmarshal source counts: %w", err)
		}
	}
	return &run, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, query_selectRun+` WHERE run_id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = defaultMax
	}
	rows, err := s.db.QueryContext(ctx, query_selectRun+` ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

const query_PutItem = `
INSERT INTO items (run_id, item_id, kind, success, tags_json, markers, source, code, message, attempts, elapsed_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, item_id) DO UPDATE SET
	kind = excluded.kind,
	success = excluded.success,
	tags_json = excluded.tags_json,
	markers = excluded.markers,
	source = excluded.source,
	code = excluded.code,
	message = excluded.message,
	attempts = excluded.attempts,
	elapsed_ms = excluded.elapsed_ms
`

func (s *SQLiteStore) PutItems(ctx context.Context, runID string, records []*ItemRecord) error {
	_, err := s.retry.Do(ctx, "sqlite put items", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, query_PutItem)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, rec := range records {
			tags, err := json.Marshal(rec.Tags)
			if err != nil {
				return err
			}
			_, err = stmt.ExecContext(ctx, runID, rec.ItemID, rec.Kind, rec.Success, string(tags), rec.Markers,
				rec.Source, rec.Code, rec.Message, rec.Attempts, rec.ElapsedMs)
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("put items for run %s: %w", runID, err)
	}
	return nil
}

const query_ListItems = `
SELECT item_id, kind, success, tags_json, markers, source, code, message, attempts, elapsed_ms
FROM items WHERE run_id = ? ORDER BY item_id
`

func (s *SQLiteStore) ListItems(ctx context.Context, runID string) ([]*ItemRecord, error) {
	rows, err := s.db.QueryContext(ctx, query_ListItems, runID)
	if err != nil {
		return nil, fmt.Errorf("list items for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []*ItemRecord
	for rows.Next() {
		rec := &ItemRecord{RunID: runID}
		var tags string
		err := rows.Scan(&rec.ItemID, &rec.Kind, &rec.Success, &tags, &rec.Markers, &rec.Source,
			&rec.Code, &rec.Message, &rec.Attempts, &rec.ElapsedMs)
		if err != nil {
			return nil, fmt.Errorf("list items for run %s: %w", runID, err)
		}
		if tags != "" && tags != "null" {
			if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
				return nil, fmt.Errorf("unmarshal tags: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	if err := s.exec(ctx, `DELETE FROM items WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete items for run %s: %w", runID, err)
	}
	if err := s.exec(ctx, `DELETE FROM runs WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete run %s: %w", runID, err)
	}
	log.Info().Str("runId", runID).Msg("Run deleted from history")
	return nil
}
