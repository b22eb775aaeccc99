package queue

import (
	"encoding/json"
	"errors"
)

// Lane is one of the three priority queues.
type Lane string

const (
	LaneHigh    Lane = "high"
	LaneDefault Lane = "default"
	LaneLow     Lane = "low"
)

// Lanes lists all lanes in strict priority order.
var Lanes = []Lane{LaneHigh, LaneDefault, LaneLow}

// Valid reports whether l names a known lane.
func (l Lane) Valid() bool {
	switch l {
	case LaneHigh, LaneDefault, LaneLow:
		return true
	}
	return false
}

// State is the lifecycle state of a job.
type State string

const (
	StateQueued    State = "queued"
	StateLeased    State = "leased"
	StateSucceeded State = "succeeded"
	StateDead      State = "dead"
)

// Terminal reports whether no further transitions occur without external
// resubmission.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateDead
}

// ReasonCancelled is recorded as the error of a job that was cancelled.
const ReasonCancelled = "cancelled"

// Sentinel errors shared by all store backends.
var (
	// ErrNoJobAvailable is the normal empty-queue signal, not a failure.
	ErrNoJobAvailable = errors.New("queue: no job available")
	// ErrLeaseLost means the caller no longer owns a valid lease on the job.
	// The worker must abort side effects and not report an outcome.
	ErrLeaseLost = errors.New("queue: lease lost")
	// ErrNotFound means no job exists with the given id.
	ErrNotFound = errors.New("queue: job not found")
	// ErrStoreUnavailable means the backing store could not be reached; the
	// job is left in its last known state and the operation is safe to retry.
	ErrStoreUnavailable = errors.New("queue: store unavailable")
)

// Job is the envelope for one unit of dispatched work.
type Job struct {
	ID   string `json:"id"`
	Lane Lane   `json:"lane"`
	// Seq is assigned by the store at enqueue time and orders the lane.
	// A job returned to its lane keeps its original Seq, so retries and
	// reclaimed leases do not move to the tail.
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`

	State       State `json:"state"`
	Attempts    int   `json:"attempts"`
	MaxAttempts int   `json:"max_attempts"`

	LeaseOwner      string `json:"lease_owner,omitempty"`
	LeaseExpiryMs   int64  `json:"lease_expiry_ms,omitempty"`
	CancelRequested bool   `json:"cancel_requested,omitempty"`

	SubmittedBy  string `json:"submitted_by,omitempty"`
	EnqueuedAtMs int64  `json:"enqueued_at_ms"`
	UpdatedAtMs  int64  `json:"updated_at_ms"`

	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// OutcomeKind classifies how an execution attempt ended.
type OutcomeKind int

const (
	// OutcomeSuccess stores the result and terminates the job.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRetryable returns the job to its lane, or to dead when attempts
	// are exhausted.
	OutcomeRetryable
	// OutcomeFatal terminates the job regardless of attempt count.
	OutcomeFatal
)

// Outcome is reported by a worker when releasing a leased job.
type Outcome struct {
	Kind   OutcomeKind
	Result json.RawMessage
	Error  string
}
