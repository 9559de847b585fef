// Package executor defines the boundary to the external service: the thing
// that actually performs one action on behalf of a session.
package executor

import (
	"context"

	activity "autogram/internal/activity"
)

// Kind classifies the outcome of one performed action.
type Kind string

const (
	OK                Kind = "ok"
	RateLimited       Kind = "rate_limited"
	DetectedBlock     Kind = "detected_block"
	InvalidCredential Kind = "invalid_credential"
	NetworkError      Kind = "network_error"
	Unknown           Kind = "unknown"
)

// FailureKind maps a non-OK result onto the activity failure taxonomy.
func (k Kind) FailureKind() activity.FailureKind {
	switch k {
	case RateLimited:
		return activity.KindRateLimited
	case DetectedBlock:
		return activity.KindDetectedBlock
	case InvalidCredential:
		return activity.KindInvalidCredential
	case NetworkError:
		return activity.KindNetworkError
	default:
		return activity.KindUnknown
	}
}

// Result is what one Perform call produced. Message is human-readable
// detail safe to log; it must never echo the credential.
type Result struct {
	Kind    Kind
	Message string
}

func (r Result) OK() bool { return r.Kind == OK }

// Executor performs a single action against the external service.
//
// Implementations must honor the context deadline, must be safe for
// concurrent use, and must not retain the credential beyond the call.
type Executor interface {
	Perform(ctx context.Context, credential string, typ activity.Type, target string, metadata map[string]string) Result
}
