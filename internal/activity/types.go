package activity

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Type identifies one kind of action a session can perform.
type Type string

const (
	TypeLike          Type = "like"
	TypeFollow        Type = "follow"
	TypeUnfollow      Type = "unfollow"
	TypeComment       Type = "comment"
	TypeStoryView     Type = "story_view"
	TypeProfileVisit  Type = "profile_visit"
	TypeExploreBrowse Type = "explore_browse"
	TypeKeepalive     Type = "session_keepalive"
)

var knownTypes = map[Type]bool{
	TypeLike:          true,
	TypeFollow:        true,
	TypeUnfollow:      true,
	TypeComment:       true,
	TypeStoryView:     true,
	TypeProfileVisit:  true,
	TypeExploreBrowse: true,
	TypeKeepalive:     true,
}

// NeedsTarget reports whether the type acts on an explicit target
// (user, post, hashtag). Browse-style types pick their own surface.
func (t Type) NeedsTarget() bool {
	switch t {
	case TypeExploreBrowse, TypeKeepalive:
		return false
	default:
		return true
	}
}

func (t Type) Valid() bool { return knownTypes[t] }

// ParseType normalizes and validates a type string.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown activity type %q", s)
	}
	return t, nil
}

// Types returns all known activity types in stable order.
func Types() []Type {
	out := make([]Type, 0, len(knownTypes))
	for t := range knownTypes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Status is the lifecycle state of an activity.
//
// Transitions are forward-only:
//
//	pending -> running -> completed | failed
//	pending -> cancelled
//	failed  -> pending (retry, attempt incremented)
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// FailureKind classifies an execution failure. It drives session health
// policy (blocks, credential invalidation, cooldown length) and retry
// decisions.
type FailureKind string

const (
	KindRateLimited       FailureKind = "rate_limited"
	KindDetectedBlock     FailureKind = "detected_block"
	KindInvalidCredential FailureKind = "invalid_credential"
	KindNetworkError      FailureKind = "network_error"
	KindWorkerTimeout     FailureKind = "worker_timeout"
	KindUnknown           FailureKind = "unknown"
)

// Retryable reports whether this failure kind is eligible for the normal
// backoff-retry policy. A detected block is terminal for the attempt chain:
// the session is gone and requeuing against it would never run.
func (k FailureKind) Retryable() bool { return k != KindDetectedBlock }

// Failure is the error payload attached to a failed attempt.
type Failure struct {
	Kind    FailureKind
	Message string
}

func (f Failure) String() string {
	if f.Message == "" {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Message
}

// Activity is one scheduled unit of work bound to a session.
//
// The queue is the only writer of Status, Attempt and LastError.
type Activity struct {
	ID          string
	Type        Type
	SessionID   string
	Target      string
	ScheduledAt time.Time
	Metadata    map[string]string

	Status    Status
	Attempt   int
	LastError string

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

func (a Activity) clone() Activity {
	cp := a
	if a.Metadata != nil {
		cp.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}
