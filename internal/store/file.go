package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "autogram/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files under the configured directory:
//   - sessions.json                 (snapshot, rewritten on change)
//   - activities.snapshot.json      (periodic snapshot)
//   - activities.journal.jsonl      (append-only journal)
//   - windows.snapshot.json         (periodic snapshot)
//   - windows.journal.jsonl         (append-only journal)
//
// Journals are periodically compacted into their snapshots. All snapshot
// writes go through a temp file + rename.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	dir string

	sessions   map[string]SessionRecord
	activities map[string]ActivityRecord
	windows    map[string]WindowRecord

	actJournal *os.File
	winJournal *os.File

	actWrites int
	winWrites int
}

const (
	actCompactEvery = 512
	winCompactEvery = 2048
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("store.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:        log,
		dir:        dir,
		sessions:   map[string]SessionRecord{},
		activities: map[string]ActivityRecord{},
		windows:    map[string]WindowRecord{},
	}

	_ = loadSnapshot(s.path("sessions.json"), &s.sessions)
	_ = loadSnapshot(s.path("activities.snapshot.json"), &s.activities)
	_ = loadSnapshot(s.path("windows.snapshot.json"), &s.windows)
	_ = replayJournal(s.path("activities.journal.jsonl"), func(r ActivityRecord) {
		s.activities[r.ID] = r
	})
	_ = replayJournal(s.path("windows.journal.jsonl"), func(r WindowRecord) {
		s.windows[r.Key()] = r
	})

	var err error
	if s.actJournal, err = openAppend(s.path("activities.journal.jsonl")); err != nil {
		return nil, err
	}
	if s.winJournal, err = openAppend(s.path("windows.journal.jsonl")); err != nil {
		_ = s.actJournal.Close()
		return nil, err
	}
	return s, nil
}

func (s *fileStore) path(name string) string { return filepath.Join(s.dir, name) }

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Best-effort final compaction keeps journals short across restarts.
	if err := s.compactActivitiesLocked(); err != nil {
		s.log.Debug("activity compact on close failed", logx.Err(err))
	}
	if err := s.compactWindowsLocked(); err != nil {
		s.log.Debug("window compact on close failed", logx.Err(err))
	}

	var err1, err2 error
	if s.actJournal != nil {
		err1 = s.actJournal.Close()
		s.actJournal = nil
	}
	if s.winJournal != nil {
		err2 = s.winJournal.Close()
		s.winJournal = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// ---- sessions ----

func (s *fileStore) SaveSession(ctx context.Context, r SessionRecord) error {
	_ = ctx
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("session id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[r.ID] = r
	return writeJSONAtomic(s.path("sessions.json"), s.sessions)
}

func (s *fileStore) DeleteSession(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return nil
	}
	delete(s.sessions, id)
	return writeJSONAtomic(s.path("sessions.json"), s.sessions)
}

func (s *fileStore) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionRecord, 0, len(s.sessions))
	for _, r := range s.sessions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- activities ----

func (s *fileStore) SaveActivity(ctx context.Context, r ActivityRecord) error {
	_ = ctx
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("activity id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actJournal == nil {
		return errors.New("activity journal closed")
	}
	s.activities[r.ID] = r
	if err := json.NewEncoder(s.actJournal).Encode(r); err != nil {
		return err
	}
	s.actWrites++
	if s.actWrites%actCompactEvery == 0 {
		if err := s.compactActivitiesLocked(); err != nil {
			s.log.Debug("activity compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) ListActivities(ctx context.Context, limit int) ([]ActivityRecord, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]ActivityRecord, 0, len(s.activities))
	for _, r := range s.activities {
		out = append(out, r)
	}
	s.mu.Unlock()

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

func (s *fileStore) DeleteActivitiesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.activities {
		if terminalStatus(r.Status) && !r.FinishedAt.IsZero() && r.FinishedAt.Before(cutoff) {
			delete(s.activities, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	// Deletions must not be resurrected by the journal on restart.
	return n, s.compactActivitiesLocked()
}

// ---- windows ----

func (s *fileStore) SaveWindow(ctx context.Context, r WindowRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.winJournal == nil {
		return errors.New("window journal closed")
	}
	s.windows[r.Key()] = r
	if err := json.NewEncoder(s.winJournal).Encode(r); err != nil {
		return err
	}
	s.winWrites++
	if s.winWrites%winCompactEvery == 0 {
		if err := s.compactWindowsLocked(); err != nil {
			s.log.Debug("window compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) ListWindows(ctx context.Context) ([]WindowRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WindowRecord, 0, len(s.windows))
	for _, r := range s.windows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *fileStore) DeleteWindowsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, r := range s.windows {
		if r.End.Before(cutoff) {
			delete(s.windows, k)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.compactWindowsLocked()
}

// ---- snapshot/journal plumbing ----

func (s *fileStore) compactActivitiesLocked() error {
	if err := writeJSONAtomic(s.path("activities.snapshot.json"), s.activities); err != nil {
		return err
	}
	return truncateJournal(s.actJournal)
}

func (s *fileStore) compactWindowsLocked() error {
	if err := writeJSONAtomic(s.path("windows.snapshot.json"), s.windows); err != nil {
		return err
	}
	return truncateJournal(s.winJournal)
}

func truncateJournal(f *os.File) error {
	if f == nil {
		return nil
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.Seek(0, 2)
	return err
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadSnapshot[T any](path string, out *map[string]T) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]T
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		(*out)[k] = v
	}
	return nil
}

func replayJournal[T any](path string, apply func(T)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r T
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		apply(r)
	}
	return sc.Err()
}
