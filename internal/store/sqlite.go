//go:build sqlite
// +build sqlite

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "autogram/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- sessions ----

func (s *sqliteStore) SaveSession(ctx context.Context, r SessionRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("session id is empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(id, credential, health, failure_streak, cooldown_until, quarantines,
		                      created_at, last_dispatch_at, last_outcome_at, total_completed, total_failed)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   credential=excluded.credential, health=excluded.health,
		   failure_streak=excluded.failure_streak, cooldown_until=excluded.cooldown_until,
		   quarantines=excluded.quarantines, created_at=excluded.created_at,
		   last_dispatch_at=excluded.last_dispatch_at, last_outcome_at=excluded.last_outcome_at,
		   total_completed=excluded.total_completed, total_failed=excluded.total_failed`,
		r.ID, r.Credential, r.Health, r.FailureStreak, msOf(r.CooldownUntil), r.Quarantines,
		msOf(r.CreatedAt), msOf(r.LastDispatchAt), msOf(r.LastOutcomeAt), r.TotalCompleted, r.TotalFailed,
	)
	return err
}

func (s *sqliteStore) DeleteSession(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, credential, health, failure_streak, cooldown_until, quarantines,
		        created_at, last_dispatch_at, last_outcome_at, total_completed, total_failed
		 FROM sessions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var cooldown, created, dispatch, outcome int64
		if err := rows.Scan(&r.ID, &r.Credential, &r.Health, &r.FailureStreak, &cooldown, &r.Quarantines,
			&created, &dispatch, &outcome, &r.TotalCompleted, &r.TotalFailed); err != nil {
			return nil, err
		}
		r.CooldownUntil = timeOf(cooldown)
		r.CreatedAt = timeOf(created)
		r.LastDispatchAt = timeOf(dispatch)
		r.LastOutcomeAt = timeOf(outcome)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- activities ----

func (s *sqliteStore) SaveActivity(ctx context.Context, r ActivityRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("activity id is empty")
	}
	meta, err := metaJSON(r.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO activities(id, type, session_id, target, scheduled_at, metadata,
		                        status, attempt, last_error, created_at, started_at, finished_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   type=excluded.type, session_id=excluded.session_id, target=excluded.target,
		   scheduled_at=excluded.scheduled_at, metadata=excluded.metadata,
		   status=excluded.status, attempt=excluded.attempt, last_error=excluded.last_error,
		   created_at=excluded.created_at, started_at=excluded.started_at, finished_at=excluded.finished_at`,
		r.ID, r.Type, r.SessionID, r.Target, msOf(r.ScheduledAt), meta,
		r.Status, r.Attempt, r.LastError, msOf(r.CreatedAt), msOf(r.StartedAt), msOf(r.FinishedAt),
	)
	return err
}

func (s *sqliteStore) ListActivities(ctx context.Context, limit int) ([]ActivityRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = -1 // no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, session_id, target, scheduled_at, metadata,
		        status, attempt, last_error, created_at, started_at, finished_at
		 FROM activities ORDER BY created_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActivityRecord
	for rows.Next() {
		var r ActivityRecord
		var meta string
		var scheduled, created, started, finished int64
		if err := rows.Scan(&r.ID, &r.Type, &r.SessionID, &r.Target, &scheduled, &meta,
			&r.Status, &r.Attempt, &r.LastError, &created, &started, &finished); err != nil {
			return nil, err
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
				return nil, err
			}
		}
		r.ScheduledAt = timeOf(scheduled)
		r.CreatedAt = timeOf(created)
		r.StartedAt = timeOf(started)
		r.FinishedAt = timeOf(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteActivitiesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM activities
		 WHERE status IN ('completed','failed','cancelled')
		   AND finished_at > 0 AND finished_at < ?`, msOf(cutoff))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- windows ----

func (s *sqliteStore) SaveWindow(ctx context.Context, r WindowRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO windows(kind, scope, type, start_at, end_at, count)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(kind, scope, type, start_at) DO UPDATE SET
		   end_at=excluded.end_at, count=excluded.count`,
		r.Kind, r.Scope, r.Type, msOf(r.Start), msOf(r.End), r.Count,
	)
	return err
}

func (s *sqliteStore) ListWindows(ctx context.Context) ([]WindowRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, scope, type, start_at, end_at, count
		 FROM windows ORDER BY kind, scope, type, start_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WindowRecord
	for rows.Next() {
		var r WindowRecord
		var start, end int64
		if err := rows.Scan(&r.Kind, &r.Scope, &r.Type, &start, &end, &r.Count); err != nil {
			return nil, err
		}
		r.Start = timeOf(start)
		r.End = timeOf(end)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteWindowsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM windows WHERE end_at > 0 AND end_at < ?`, msOf(cutoff))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func msOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOf(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func metaJSON(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
