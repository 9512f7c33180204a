package worker

import (
	"context"

	"github.com/puja809/kisan-sahayak-ai-sub008/internal/queue"
)

// OutcomeCode tags the structured result of a collaborator apply call. The
// drainer branches on these codes; it never string-matches error messages.
type OutcomeCode string

const (
	// OutcomeSuccess means the domain service applied the mutation.
	OutcomeSuccess OutcomeCode = "SUCCESS"
	// OutcomeConflict means the remote entity diverged; Remote carries the
	// competing version.
	OutcomeConflict OutcomeCode = "CONFLICT"
	// OutcomeTransient means the call should be retried per backoff.
	OutcomeTransient OutcomeCode = "TRANSIENT"
	// OutcomeValidation means the mutation is malformed and must never be
	// retried.
	OutcomeValidation OutcomeCode = "VALIDATION"
	// OutcomeFailure means a terminal, non-retryable failure.
	OutcomeFailure OutcomeCode = "FAILURE"
)

// ApplyRequest is the collaborator-facing view of a queued mutation. The
// payload stays opaque.
type ApplyRequest struct {
	UserID                string
	EntityType            string
	EntityID              *string
	Operation             queue.OperationType
	Payload               string
	ClientTimestampMillis int64
}

// RemoteVersion describes the competing edit reported on a CONFLICT outcome.
type RemoteVersion struct {
	Data            string
	TimestampMillis int64
	DeviceID        string
}

// ApplyOutcome is the tagged result of one apply call.
type ApplyOutcome struct {
	Code   OutcomeCode
	Remote *RemoteVersion
	Reason string
}

// Applier is the idempotent contract each domain service (crop, scheme,
// weather, ...) exposes to the sync core. A returned error signals transport
// breakage and is treated as transient; domain-level results arrive as
// outcomes.
type Applier interface {
	Apply(ctx context.Context, request ApplyRequest) (ApplyOutcome, error)
}
