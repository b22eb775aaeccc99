package queue

import "context"

// Stats summarizes queue occupancy.
type Stats struct {
	Queued map[Lane]int64 `json:"queued"`
	Leased int64          `json:"leased"`
}

// Store is the durable queue backing. It is the single source of truth: all
// mutation goes through its primitives, and Claim must be linearizable with
// respect to concurrent claims so that two workers never hold a valid lease
// on the same job.
//
// Operations taking nowMs use time.Now().UnixMilli() when nowMs <= 0; tests
// pass explicit clocks.
type Store interface {
	// Enqueue appends j to the tail of its lane and assigns j.Seq.
	Enqueue(ctx context.Context, j *Job) error

	// Get returns the job with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// List returns up to limit jobs in unspecified order; limit <= 0 means
	// no limit.
	List(ctx context.Context, limit int) ([]*Job, error)

	// Stats returns per-lane queued depths and the live lease count.
	Stats(ctx context.Context) (Stats, error)

	// PeekClaimable returns the oldest job a claim on lane would take, either
	// queued or holding an expired lease, without mutating state. Returns
	// ErrNoJobAvailable when the lane has none. The answer is advisory: only
	// Claim decides.
	PeekClaimable(ctx context.Context, lane Lane, nowMs int64) (*Job, error)

	// Claim atomically leases the oldest queued job, scanning lanes in the
	// given order. It increments the attempt count and sets the lease owner
	// and expiry. A queued job with a pending cancel request is moved to
	// dead instead of leased. Returns ErrNoJobAvailable when every lane is
	// empty.
	Claim(ctx context.Context, workerID string, lanes []Lane, leaseMs, nowMs int64) (*Job, error)

	// Renew extends the lease on a running job and reports whether
	// cancellation has been requested. Returns ErrLeaseLost if the lease
	// expired, was reassigned, or is not owned by workerID.
	Renew(ctx context.Context, id, workerID string, leaseMs, nowMs int64) (cancelRequested bool, err error)

	// Release finishes an attempt. Requires a valid lease owned by workerID,
	// otherwise ErrLeaseLost; a second release of the same lease is rejected
	// the same way.
	Release(ctx context.Context, id, workerID string, out Outcome, nowMs int64) error

	// RequestCancel marks the job so it is not leased again and so the
	// executing worker observes the request at its next renewal. No-op on
	// terminal jobs.
	RequestCancel(ctx context.Context, id string, nowMs int64) error

	// ReclaimExpired returns up to max expired-lease jobs to their lanes at
	// their original position, or moves them to dead when attempts are
	// exhausted or cancellation is pending. Returns the number processed.
	ReclaimExpired(ctx context.Context, nowMs int64, max int) (int, error)

	// TrimTerminal deletes up to max terminal jobs not updated within
	// olderThanMs. Result retention beyond this is an external concern.
	TrimTerminal(ctx context.Context, olderThanMs, nowMs int64, max int) (int, error)

	Close() error
}
