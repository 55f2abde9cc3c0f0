package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobKind identifies the handler a queued item is dispatched to.
type JobKind string

const (
	JobKindBatchCreate  JobKind = "batch-create"
	JobKindBatchSubmit  JobKind = "batch-submit"
	JobKindBatchPoll    JobKind = "batch-poll"
	JobKindBatchProcess JobKind = "batch-process"
	JobKindFinalize     JobKind = "translation-finalize"
)

// JobKinds lists every kind the worker fleet polls for.
var JobKinds = []JobKind{
	JobKindBatchCreate,
	JobKindBatchSubmit,
	JobKindBatchPoll,
	JobKindBatchProcess,
	JobKindFinalize,
}

// Valid reports whether k is one of the known job kinds.
func (k JobKind) Valid() bool {
	for _, known := range JobKinds {
		if k == known {
			return true
		}
	}
	return false
}

// JobStatus is the lifecycle state of a queue item.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// JobStatuses lists every queue item status, in display order.
var JobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusRunning,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
}

// Terminal reports whether no further transition can leave s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusPending},
}

// JobTransition is a validated edge of the queue item state machine.
// The zero value is invalid; obtain one from JobStatus.To.
type JobTransition struct {
	from JobStatus
	to   JobStatus
}

func (t JobTransition) From() JobStatus { return t.from }
func (t JobTransition) To() JobStatus   { return t.to }

func (t JobTransition) String() string {
	return fmt.Sprintf("%s -> %s", t.from, t.to)
}

// To returns the transition from s to next, or an error when the state
// machine has no such edge.
func (s JobStatus) To(next JobStatus) (JobTransition, error) {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return JobTransition{from: s, to: next}, nil
		}
	}
	return JobTransition{}, fmt.Errorf("invalid job status transition: %s -> %s", s, next)
}

// MustJobTransition is To for edges known at compile time.
func MustJobTransition(from, to JobStatus) JobTransition {
	t, err := from.To(to)
	if err != nil {
		panic(err)
	}
	return t
}

// Edges used by the queue client.
var (
	JobClaim    = MustJobTransition(JobStatusPending, JobStatusRunning)
	JobComplete = MustJobTransition(JobStatusRunning, JobStatusCompleted)
	JobFail     = MustJobTransition(JobStatusRunning, JobStatusFailed)
	JobRequeue  = MustJobTransition(JobStatusRunning, JobStatusPending)
	JobCancel   = MustJobTransition(JobStatusPending, JobStatusCancelled)
)

// QueueItem is one durable unit of work. Rows are owned by the queue store;
// status only changes through a JobTransition.
type QueueItem struct {
	ID           uuid.UUID       `db:"id"            json:"id"`
	Kind         JobKind         `db:"kind"          json:"kind"`
	Status       JobStatus       `db:"status"        json:"status"`
	Payload      json.RawMessage `db:"payload"       json:"payload"`
	DedupeKey    *string         `db:"dedupe_key"    json:"dedupe_key,omitempty"`
	RunAt        time.Time       `db:"run_at"        json:"run_at"`
	Attempts     int             `db:"attempts"      json:"attempts"`
	MaxAttempts  int             `db:"max_attempts"  json:"max_attempts"`
	ExpiresAt    *time.Time      `db:"expires_at"    json:"expires_at,omitempty"`
	Result       json.RawMessage `db:"result"        json:"result,omitempty"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	ErrorTrace   *string         `db:"error_trace"   json:"-"`
	WorkerID     *string         `db:"worker_id"     json:"worker_id,omitempty"`
	StartedAt    *time.Time      `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time      `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time       `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"    json:"updated_at"`
}

// CanRetry reports whether another claim is allowed after the current one.
func (q *QueueItem) CanRetry() bool {
	return q.Attempts < q.MaxAttempts
}

// QueueStat is one (kind, status) bucket of the queue statistics.
type QueueStat struct {
	Kind   JobKind   `json:"kind"`
	Status JobStatus `json:"status"`
	Count  int       `json:"count"`
}
