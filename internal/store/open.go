package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "autogram/pkg/logx"
)

// Store is the persistence API used by the registry, the queue and the
// rate limiter. Implementations must be safe for concurrent use.
//
// Writes are synchronous upserts: after a nil return the record is
// readable by a subsequent List call (read-your-writes).
type Store interface {
	SaveSession(ctx context.Context, r SessionRecord) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]SessionRecord, error)

	SaveActivity(ctx context.Context, r ActivityRecord) error
	// ListActivities returns records newest-first by CreatedAt.
	// limit <= 0 means all.
	ListActivities(ctx context.Context, limit int) ([]ActivityRecord, error)
	// DeleteActivitiesBefore removes terminal activities finished before cutoff.
	DeleteActivitiesBefore(ctx context.Context, cutoff time.Time) (int, error)

	SaveWindow(ctx context.Context, r WindowRecord) error
	ListWindows(ctx context.Context) ([]WindowRecord, error)
	// DeleteWindowsBefore removes windows that ended before cutoff.
	DeleteWindowsBefore(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if persistence is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
