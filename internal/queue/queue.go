package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/MSR806/writers-llm-backend/internal/storage/pebble"
)

// PebbleStore is the canonical Store backend. All mutating operations
// serialize on a single mutex and commit through one atomic batch, which
// makes Claim linearizable with respect to concurrent claims.
type PebbleStore struct {
	db   *pebblestore.DB
	name string

	mu      sync.Mutex
	lastSeq uint64
}

var _ Store = (*PebbleStore)(nil)

// OpenPebble initializes a PebbleStore for the named queue and restores the
// sequence counter from metadata if present.
func OpenPebble(db *pebblestore.DB, name string) (*PebbleStore, error) {
	s := &PebbleStore{db: db, name: name}
	if meta, err := db.Get(metaKey(name)); err == nil && len(meta) >= 8 {
		s.lastSeq = binary.BigEndian.Uint64(meta[:8])
	}
	return s, nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error { return s.db.Close() }

func nowOr(nowMs int64) int64 {
	if nowMs <= 0 {
		return time.Now().UnixMilli()
	}
	return nowMs
}

// Enqueue appends j to the tail of its lane.
func (s *PebbleStore) Enqueue(ctx context.Context, j *Job) error {
	if !j.Lane.Valid() {
		return fmt.Errorf("queue: invalid lane %q", j.Lane)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSeq++
	j.Seq = s.lastSeq
	j.State = StateQueued
	if j.EnqueuedAtMs <= 0 {
		j.EnqueuedAtMs = time.Now().UnixMilli()
	}
	j.UpdatedAtMs = j.EnqueuedAtMs

	val, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(jobKey(s.name, j.ID), val, nil); err != nil {
		return err
	}
	if err := b.Set(laneKey(s.name, j.Lane, j.Seq), []byte(j.ID), nil); err != nil {
		return err
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], s.lastSeq)
	if err := b.Set(metaKey(s.name), meta[:], nil); err != nil {
		return err
	}
	if err := s.db.CommitBatch(b); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Get returns the job with the given id.
func (s *PebbleStore) Get(ctx context.Context, id string) (*Job, error) {
	val, err := s.db.Get(jobKey(s.name, id))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var j Job
	if err := json.Unmarshal(val, &j); err != nil {
		return nil, fmt.Errorf("queue: unmarshal job %s: %w", id, err)
	}
	return &j, nil
}

// List returns up to limit jobs; limit <= 0 means no limit.
func (s *PebbleStore) List(ctx context.Context, limit int) ([]*Job, error) {
	prefix := jobPrefix(s.name)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer iter.Close()

	var jobs []*Job
	for ok := iter.First(); ok && (limit <= 0 || len(jobs) < limit); ok = iter.Next() {
		var j Job
		if err := json.Unmarshal(iter.Value(), &j); err != nil {
			continue
		}
		jobs = append(jobs, &j)
	}
	return jobs, nil
}

// Stats counts queued jobs per lane and live leases.
func (s *PebbleStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Queued: make(map[Lane]int64, len(Lanes))}
	for _, lane := range Lanes {
		prefix := lanePrefix(s.name, lane)
		iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
		if err != nil {
			return Stats{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		var n int64
		for ok := iter.First(); ok; ok = iter.Next() {
			n++
		}
		iter.Close()
		st.Queued[lane] = n
	}

	now := time.Now().UnixMilli()
	prefix := leaseIdxPrefix(s.name)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(prefix)+8 {
			continue
		}
		if exp := int64(binary.BigEndian.Uint64(k[len(prefix) : len(prefix)+8])); exp > now {
			st.Leased++
		}
	}
	return st, nil
}

// PeekClaimable returns the oldest job a claim on lane would take without
// mutating state: the head of the lane index, or a leased job whose lease has
// expired and that a reclaim would return to the lane.
func (s *PebbleStore) PeekClaimable(ctx context.Context, lane Lane, nowMs int64) (*Job, error) {
	if !lane.Valid() {
		return nil, fmt.Errorf("queue: invalid lane %q", lane)
	}
	nowMs = nowOr(nowMs)
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Job

	prefix := lanePrefix(s.name, lane)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	for ok := iter.First(); ok; ok = iter.Next() {
		j, err := s.getLocked(string(iter.Value()))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			iter.Close()
			return nil, err
		}
		if j.State == StateQueued && !j.CancelRequested {
			best = j
			break
		}
	}
	iter.Close()

	lp := leaseIdxPrefix(s.name)
	iter, err = s.db.NewIter(&pebble.IterOptions{LowerBound: lp, UpperBound: keyUpperBound(lp)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(lp)+8 {
			continue
		}
		exp := int64(binary.BigEndian.Uint64(k[len(lp) : len(lp)+8]))
		if exp > nowMs {
			break
		}
		j, err := s.getLocked(string(k[len(lp)+8:]))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if j.Lane != lane || j.State != StateLeased || j.LeaseExpiryMs != exp {
			continue
		}
		// a reclaim would move these to dead, not back to the lane
		if j.CancelRequested || j.Attempts >= j.MaxAttempts {
			continue
		}
		if best == nil || j.Seq < best.Seq {
			best = j
		}
	}
	if best == nil {
		return nil, ErrNoJobAvailable
	}
	return best, nil
}

// Claim leases the oldest eligible job, scanning lanes in the given order.
func (s *PebbleStore) Claim(ctx context.Context, workerID string, lanes []Lane, leaseMs, nowMs int64) (*Job, error) {
	nowMs = nowOr(nowMs)
	if leaseMs <= 0 {
		leaseMs = 30_000
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, lane := range lanes {
		j, err := s.claimLane(lane, workerID, leaseMs, nowMs)
		if err == nil {
			return j, nil
		}
		if !errors.Is(err, ErrNoJobAvailable) {
			return nil, err
		}
	}
	return nil, ErrNoJobAvailable
}

// claimLane walks one lane index oldest-first. Caller holds s.mu.
func (s *PebbleStore) claimLane(lane Lane, workerID string, leaseMs, nowMs int64) (*Job, error) {
	prefix := lanePrefix(s.name, lane)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer iter.Close()

	for ok := iter.First(); ok; ok = iter.Next() {
		idxKey := append([]byte(nil), iter.Key()...)
		id := string(iter.Value())

		j, err := s.getLocked(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// stale index entry
				_ = s.db.Delete(idxKey)
				continue
			}
			return nil, err
		}
		if j.State != StateQueued {
			_ = s.db.Delete(idxKey)
			continue
		}

		b := s.db.NewBatch()
		if err := b.Delete(idxKey, nil); err != nil {
			b.Close()
			return nil, err
		}

		if j.CancelRequested {
			// honor the cancel instead of leasing
			j.State = StateDead
			j.Error = ReasonCancelled
			j.UpdatedAtMs = nowMs
			if err := s.putJob(b, j); err != nil {
				b.Close()
				return nil, err
			}
			if err := s.db.CommitBatch(b); err != nil {
				b.Close()
				return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			b.Close()
			continue
		}

		j.State = StateLeased
		j.Attempts++
		j.LeaseOwner = workerID
		j.LeaseExpiryMs = nowMs + leaseMs
		j.UpdatedAtMs = nowMs
		if err := b.Set(leaseIdxKey(s.name, j.LeaseExpiryMs, j.ID), nil, nil); err != nil {
			b.Close()
			return nil, err
		}
		if err := s.putJob(b, j); err != nil {
			b.Close()
			return nil, err
		}
		if err := s.db.CommitBatch(b); err != nil {
			b.Close()
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		b.Close()
		return j, nil
	}
	return nil, ErrNoJobAvailable
}

// Renew extends a held lease and reports a pending cancel request.
func (s *PebbleStore) Renew(ctx context.Context, id, workerID string, leaseMs, nowMs int64) (bool, error) {
	nowMs = nowOr(nowMs)
	if leaseMs <= 0 {
		leaseMs = 30_000
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.getLocked(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, ErrLeaseLost
		}
		return false, err
	}
	if err := s.checkLease(j, workerID, nowMs); err != nil {
		return false, err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(leaseIdxKey(s.name, j.LeaseExpiryMs, j.ID), nil); err != nil {
		return false, err
	}
	j.LeaseExpiryMs = nowMs + leaseMs
	j.UpdatedAtMs = nowMs
	if err := b.Set(leaseIdxKey(s.name, j.LeaseExpiryMs, j.ID), nil, nil); err != nil {
		return false, err
	}
	if err := s.putJob(b, j); err != nil {
		return false, err
	}
	if err := s.db.CommitBatch(b); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return j.CancelRequested, nil
}

// Release finishes an attempt on a held lease.
func (s *PebbleStore) Release(ctx context.Context, id, workerID string, out Outcome, nowMs int64) error {
	nowMs = nowOr(nowMs)
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.getLocked(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrLeaseLost
		}
		return err
	}
	if err := s.checkLease(j, workerID, nowMs); err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(leaseIdxKey(s.name, j.LeaseExpiryMs, j.ID), nil); err != nil {
		return err
	}
	j.LeaseOwner = ""
	j.LeaseExpiryMs = 0
	j.UpdatedAtMs = nowMs

	switch out.Kind {
	case OutcomeSuccess:
		j.State = StateSucceeded
		j.Result = out.Result
	case OutcomeFatal:
		j.State = StateDead
		j.Error = out.Error
	case OutcomeRetryable:
		if j.Attempts >= j.MaxAttempts {
			j.State = StateDead
			j.Error = out.Error
		} else {
			// back to its lane at the original sequence
			j.State = StateQueued
			j.Error = out.Error
			if err := b.Set(laneKey(s.name, j.Lane, j.Seq), []byte(j.ID), nil); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("queue: unknown outcome kind %d", out.Kind)
	}

	if err := s.putJob(b, j); err != nil {
		return err
	}
	if err := s.db.CommitBatch(b); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// RequestCancel flags the job for cancellation.
func (s *PebbleStore) RequestCancel(ctx context.Context, id string, nowMs int64) error {
	nowMs = nowOr(nowMs)
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.getLocked(id)
	if err != nil {
		return err
	}
	if j.State.Terminal() || j.CancelRequested {
		return nil
	}
	j.CancelRequested = true
	j.UpdatedAtMs = nowMs

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.putJob(b, j); err != nil {
		return err
	}
	if err := s.db.CommitBatch(b); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// ReclaimExpired scans the lease expiry index and returns expired jobs to
// their lanes, preserving their original sequence, or moves them to dead when
// attempts are exhausted or cancellation is pending.
func (s *PebbleStore) ReclaimExpired(ctx context.Context, nowMs int64, max int) (int, error) {
	nowMs = nowOr(nowMs)
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := leaseIdxPrefix(s.name)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()
	reclaimed := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(prefix)+8 {
			continue
		}
		exp := int64(binary.BigEndian.Uint64(k[len(prefix) : len(prefix)+8]))
		if exp > nowMs {
			break
		}
		id := string(k[len(prefix)+8:])
		if err := b.Delete(append([]byte(nil), k...), nil); err != nil {
			return reclaimed, err
		}

		j, err := s.getLocked(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return reclaimed, err
		}
		// stale index entry for a lease that was renewed or released
		if j.State != StateLeased || j.LeaseExpiryMs != exp {
			continue
		}

		j.LeaseOwner = ""
		j.LeaseExpiryMs = 0
		j.UpdatedAtMs = nowMs
		switch {
		case j.CancelRequested:
			j.State = StateDead
			j.Error = ReasonCancelled
		case j.Attempts >= j.MaxAttempts:
			j.State = StateDead
			j.Error = "max attempts exhausted: lease expired"
		default:
			j.State = StateQueued
			if err := b.Set(laneKey(s.name, j.Lane, j.Seq), []byte(j.ID), nil); err != nil {
				return reclaimed, err
			}
		}
		if err := s.putJob(b, j); err != nil {
			return reclaimed, err
		}
		reclaimed++
		if max > 0 && reclaimed >= max {
			break
		}
	}
	if reclaimed > 0 || b.Count() > 0 {
		if err := s.db.CommitBatch(b); err != nil {
			return reclaimed, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return reclaimed, nil
}

// TrimTerminal deletes terminal jobs not updated within olderThanMs.
func (s *PebbleStore) TrimTerminal(ctx context.Context, olderThanMs, nowMs int64, max int) (int, error) {
	nowMs = nowOr(nowMs)
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := jobPrefix(s.name)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()
	trimmed := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		var j Job
		if err := json.Unmarshal(iter.Value(), &j); err != nil {
			continue
		}
		if !j.State.Terminal() || nowMs-j.UpdatedAtMs < olderThanMs {
			continue
		}
		if err := b.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return trimmed, err
		}
		trimmed++
		if max > 0 && trimmed >= max {
			break
		}
	}
	if trimmed > 0 {
		if err := s.db.CommitBatch(b); err != nil {
			return trimmed, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return trimmed, nil
}

// checkLease verifies a live lease owned by workerID.
func (s *PebbleStore) checkLease(j *Job, workerID string, nowMs int64) error {
	if j.State != StateLeased || j.LeaseOwner != workerID || j.LeaseExpiryMs <= nowMs {
		return ErrLeaseLost
	}
	return nil
}

func (s *PebbleStore) getLocked(id string) (*Job, error) {
	val, err := s.db.Get(jobKey(s.name, id))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var j Job
	if err := json.Unmarshal(val, &j); err != nil {
		return nil, fmt.Errorf("queue: unmarshal job %s: %w", id, err)
	}
	return &j, nil
}

func (s *PebbleStore) putJob(b *pebble.Batch, j *Job) error {
	val, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	return b.Set(jobKey(s.name, j.ID), val, nil)
}
