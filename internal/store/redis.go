package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"

	logx "autogram/pkg/logx"
)

// redisStore keeps every record as a JSON value under a prefixed key.
// Listings rely on SCAN + MGET, which is fine at the fleet sizes this
// daemon manages.
type redisStore struct {
	client *redis.Client
	log    logx.Logger
	prefix string
}

const windowGraceTTL = 24 * time.Hour

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	rc := cfg.Redis
	dialTimeout := rc.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	maxRetries := rc.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	client := redis.NewClient(&redis.Options{
		Addr:         rc.Addr,
		Password:     rc.Password,
		DB:           rc.DB,
		MaxRetries:   maxRetries,
		DialTimeout:  dialTimeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	b := backoff.NewExponentialBackOff()
	err := backoff.Retry(
		func() error {
			_, err := client.Ping(ctx).Result()
			if err != nil {
				log.Warn("redis ping failed, retrying", logx.Err(err))
				return err
			}
			return nil
		},
		backoff.WithMaxRetries(b, 5),
	)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	prefix := strings.TrimSpace(rc.KeyPrefix)
	if prefix == "" {
		prefix = "autogram:"
	}
	return &redisStore{client: client, log: log, prefix: prefix}, nil
}

func (s *redisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *redisStore) sessionKey(id string) string  { return s.prefix + "session:" + id }
func (s *redisStore) activityKey(id string) string { return s.prefix + "activity:" + id }
func (s *redisStore) windowKey(k string) string    { return s.prefix + "window:" + k }

// ---- sessions ----

func (s *redisStore) SaveSession(ctx context.Context, r SessionRecord) error {
	return s.setJSON(ctx, s.sessionKey(r.ID), r, 0)
}

func (s *redisStore) DeleteSession(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.sessionKey(id)).Err()
}

func (s *redisStore) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	var out []SessionRecord
	err := scanJSON(ctx, s, s.prefix+"session:*", func(r SessionRecord) {
		out = append(out, r)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- activities ----

func (s *redisStore) SaveActivity(ctx context.Context, r ActivityRecord) error {
	return s.setJSON(ctx, s.activityKey(r.ID), r, 0)
}

func (s *redisStore) ListActivities(ctx context.Context, limit int) ([]ActivityRecord, error) {
	var out []ActivityRecord
	err := scanJSON(ctx, s, s.prefix+"activity:*", func(r ActivityRecord) {
		out = append(out, r)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *redisStore) DeleteActivitiesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var stale []string
	err := scanJSON(ctx, s, s.prefix+"activity:*", func(r ActivityRecord) {
		if terminalStatus(r.Status) && !r.FinishedAt.IsZero() && r.FinishedAt.Before(cutoff) {
			stale = append(stale, s.activityKey(r.ID))
		}
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.client.Del(ctx, stale...).Err(); err != nil {
		return 0, err
	}
	return len(stale), nil
}

// ---- windows ----

func (s *redisStore) SaveWindow(ctx context.Context, r WindowRecord) error {
	// Expired windows age out on their own; the TTL grace keeps them
	// visible long enough for restart recovery and stats.
	var ttl time.Duration
	if !r.End.IsZero() {
		if until := time.Until(r.End); until > 0 {
			ttl = until + windowGraceTTL
		} else {
			ttl = windowGraceTTL
		}
	}
	return s.setJSON(ctx, s.windowKey(r.Key()), r, ttl)
}

func (s *redisStore) ListWindows(ctx context.Context) ([]WindowRecord, error) {
	var out []WindowRecord
	err := scanJSON(ctx, s, s.prefix+"window:*", func(r WindowRecord) {
		out = append(out, r)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *redisStore) DeleteWindowsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var stale []string
	err := scanJSON(ctx, s, s.prefix+"window:*", func(r WindowRecord) {
		if r.End.Before(cutoff) {
			stale = append(stale, s.windowKey(r.Key()))
		}
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.client.Del(ctx, stale...).Err(); err != nil {
		return 0, err
	}
	return len(stale), nil
}

// ---- plumbing ----

func (s *redisStore) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return ErrDisabled
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, b, ttl).Err()
}

func scanJSON[T any](ctx context.Context, s *redisStore, pattern string, apply func(T)) error {
	if s == nil || s.client == nil {
		return ErrDisabled
	}
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			vals, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return err
			}
			for _, v := range vals {
				str, ok := v.(string)
				if !ok || str == "" {
					continue
				}
				var r T
				if err := json.Unmarshal([]byte(str), &r); err != nil {
					continue
				}
				apply(r)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
