package models

import "errors"

type ManuscriptState string

const (
	ManuscriptStatePending   ManuscriptState = "Pending"
	ManuscriptStateInQueue   ManuscriptState = "InQueue"
	ManuscriptStateCompleted ManuscriptState = "Completed"
	ManuscriptStateFailed    ManuscriptState = "Failed"
)

// AllManuscriptStates is the full lifecycle partition, in lifecycle order.
var AllManuscriptStates = []ManuscriptState{
	ManuscriptStatePending,
	ManuscriptStateInQueue,
	ManuscriptStateCompleted,
	ManuscriptStateFailed,
}

func ParseManuscriptState(s string) (ManuscriptState, error) {
	switch ManuscriptState(s) {
	case ManuscriptStatePending, ManuscriptStateInQueue, ManuscriptStateCompleted, ManuscriptStateFailed:
		return ManuscriptState(s), nil
	}
	return "", errors.New("invalid manuscript state")
}

// resolved states are terminal until an explicit retry
func (s ManuscriptState) IsResolved() bool {
	return s == ManuscriptStateCompleted || s == ManuscriptStateFailed
}

type QueueStatus string

const (
	QueueStatusCreated    QueueStatus = "Created"
	QueueStatusProcessing QueueStatus = "Processing"
	QueueStatusCompleted  QueueStatus = "Completed"
	QueueStatusFailed     QueueStatus = "Failed"
)

type UserRole string

const (
	UserRoleAdmin    UserRole = "A"
	UserRoleOperator UserRole = "O"
)

// Outbox publish lifecycle for lifecycle event records.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// Lifecycle event actions emitted through the outbox.
const (
	LifecycleActionManuscriptCompleted = "ManuscriptCompleted"
	LifecycleActionManuscriptFailed    = "ManuscriptFailed"
	LifecycleActionQueueCreated        = "QueueCreated"
	LifecycleActionQueueDissolved      = "QueueDissolved"
	LifecycleActionQueueRetired        = "QueueRetired"
)

// Lifecycle event reference types.
const (
	LifecycleReferenceManuscript = "manuscript"
	LifecycleReferenceQueue      = "queue"
)
