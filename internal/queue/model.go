package queue

import (
	"errors"
	"fmt"
	"strings"
)

// OperationType enumerates the mutation verbs a client may queue.
type OperationType string

const (
	OperationTypeCreate OperationType = "CREATE"
	OperationTypeUpdate OperationType = "UPDATE"
	OperationTypeDelete OperationType = "DELETE"
)

// MutationStatus enumerates the queue item lifecycle. Transitions are
// acyclic: PENDING -> IN_PROGRESS -> {COMPLETED | PENDING (retry) | FAILED |
// CONFLICT}. COMPLETED and terminal FAILED rows change only via retention
// deletion.
type MutationStatus string

const (
	StatusPending    MutationStatus = "PENDING"
	StatusInProgress MutationStatus = "IN_PROGRESS"
	StatusCompleted  MutationStatus = "COMPLETED"
	StatusFailed     MutationStatus = "FAILED"
	StatusConflict   MutationStatus = "CONFLICT"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates an empty or oversized user identifier.
	ErrInvalidUserID = errors.New("queue: invalid user id")
	// ErrInvalidEntityType indicates an empty or oversized entity type.
	ErrInvalidEntityType = errors.New("queue: invalid entity type")
	// ErrInvalidOperation indicates an unknown operation type.
	ErrInvalidOperation = errors.New("queue: invalid operation type")
	// ErrMissingEntityID indicates an update or delete without a target id.
	ErrMissingEntityID = errors.New("queue: entity id required for updates and deletes")
)

// ParseOperationType validates a raw operation string.
func ParseOperationType(raw string) (OperationType, error) {
	switch OperationType(strings.ToUpper(strings.TrimSpace(raw))) {
	case OperationTypeCreate:
		return OperationTypeCreate, nil
	case OperationTypeUpdate:
		return OperationTypeUpdate, nil
	case OperationTypeDelete:
		return OperationTypeDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, raw)
	}
}

// Mutation models one queued create/update/delete destined for a remote
// entity. The payload is opaque to the sync core.
type Mutation struct {
	ID                    string         `gorm:"column:id;primaryKey;size:190;not null"`
	UserID                string         `gorm:"column:user_id;size:190;not null;index:idx_queue_user_status,priority:1"`
	EntityType            string         `gorm:"column:entity_type;size:190;not null"`
	EntityID              *string        `gorm:"column:entity_id;size:190"`
	OperationType         OperationType  `gorm:"column:operation_type;size:16;not null"`
	Payload               string         `gorm:"column:payload;type:text;not null"`
	ClientTimestampMillis int64          `gorm:"column:client_timestamp_ms;not null"`
	Priority              int            `gorm:"column:priority;not null;default:0"`
	Status                MutationStatus `gorm:"column:status;size:16;not null;index:idx_queue_user_status,priority:2"`
	RetryCount            int            `gorm:"column:retry_count;not null;default:0"`
	LastError             string         `gorm:"column:last_error;type:text;not null;default:''"`
	NextAttemptAtMillis   int64          `gorm:"column:next_attempt_at_ms;not null;default:0"`
	CreatedAtMillis       int64          `gorm:"column:created_at_ms;not null;index:idx_queue_user_status,priority:3"`
	ProcessedAtMillis     *int64         `gorm:"column:processed_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Mutation) TableName() string {
	return "sync_queue_items"
}

// EnqueueRequest describes a client mutation prior to validation.
type EnqueueRequest struct {
	UserID                string
	EntityType            string
	EntityID              *string
	OperationType         string
	Payload               string
	ClientTimestampMillis int64
	Priority              int
}

// Validate rejects malformed requests before they reach the durable queue.
// Validation failures are never retried.
func (r EnqueueRequest) Validate() (OperationType, error) {
	if strings.TrimSpace(r.UserID) == "" || len(r.UserID) > maxIdentifierLength {
		return "", ErrInvalidUserID
	}
	if strings.TrimSpace(r.EntityType) == "" || len(r.EntityType) > maxIdentifierLength {
		return "", ErrInvalidEntityType
	}
	opType, err := ParseOperationType(r.OperationType)
	if err != nil {
		return "", err
	}
	if opType != OperationTypeCreate {
		if r.EntityID == nil || strings.TrimSpace(*r.EntityID) == "" {
			return "", ErrMissingEntityID
		}
	}
	return opType, nil
}
