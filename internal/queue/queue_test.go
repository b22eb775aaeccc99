package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	pebblestore "github.com/MSR806/writers-llm-backend/internal/storage/pebble"
)

func openTestQueue(t *testing.T) *PebbleStore {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	s, err := OpenPebble(db, "test")
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustEnqueue(t *testing.T, s *PebbleStore, id string, lane Lane, maxAttempts int) *Job {
	t.Helper()
	j := &Job{
		ID:          id,
		Lane:        lane,
		Payload:     json.RawMessage(`{"prompt":"x"}`),
		MaxAttempts: maxAttempts,
	}
	if err := s.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
	return j
}

func TestClaimFIFOWithinLane(t *testing.T) {
	s := openTestQueue(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		mustEnqueue(t, s, fmt.Sprintf("j%d", i), LaneDefault, 1)
	}
	for i := 0; i < 3; i++ {
		j, err := s.Claim(ctx, "w1", Lanes, 30_000, 0)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if want := fmt.Sprintf("j%d", i); j.ID != want {
			t.Fatalf("claim %d: got %s, want %s", i, j.ID, want)
		}
	}
	if _, err := s.Claim(ctx, "w1", Lanes, 30_000, 0); !errors.Is(err, ErrNoJobAvailable) {
		t.Fatalf("want ErrNoJobAvailable, got %v", err)
	}
}

func TestClaimLanePriority(t *testing.T) {
	s := openTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, s, "lo", LaneLow, 1)
	mustEnqueue(t, s, "de", LaneDefault, 1)
	mustEnqueue(t, s, "hi", LaneHigh, 1)

	for _, want := range []string{"hi", "de", "lo"} {
		j, err := s.Claim(ctx, "w1", Lanes, 30_000, 0)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if j.ID != want {
			t.Fatalf("got %s, want %s", j.ID, want)
		}
	}
}

func TestClaimMutualExclusion(t *testing.T) {
	s := openTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, s, "only", LaneHigh, 1)

	var won int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			j, err := s.Claim(ctx, fmt.Sprintf("w%d", n), Lanes, 30_000, 0)
			if err == nil && j != nil {
				atomic.AddInt64(&won, 1)
			}
		}(i)
	}
	wg.Wait()
	if won != 1 {
		t.Fatalf("claims won = %d, want 1", won)
	}
}

func TestClaimSetsLease(t *testing.T) {
	s := openTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, s, "a", LaneDefault, 3)

	j, err := s.Claim(ctx, "w1", Lanes, 30_000, 1000)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if j.State != StateLeased || j.LeaseOwner != "w1" || j.LeaseExpiryMs != 31_000 {
		t.Fatalf("lease fields: %+v", j)
	}
	if j.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", j.Attempts)
	}
}

func TestRetryableReleaseKeepsOriginalPosition(t *testing.T) {
	s := openTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, s, "a", LaneDefault, 3)
	mustEnqueue(t, s, "b", LaneDefault, 3)

	j, _ := s.Claim(ctx, "w1", Lanes, 30_000, 0)
	if j.ID != "a" {
		t.Fatalf("first claim = %s", j.ID)
	}
	if err := s.Release(ctx, "a", "w1", Outcome{Kind: OutcomeRetryable, Error: "timeout"}, 0); err != nil {
		t.Fatalf("release: %v", err)
	}

	// a keeps its sequence, so it is claimed before b again
	j, err := s.Claim(ctx, "w1", Lanes, 30_000, 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if j.ID != "a" || j.Attempts != 2 {
		t.Fatalf("got %s attempts=%d, want a attempts=2", j.ID, j.Attempts)
	}
}

func TestRetryableReleaseExhaustsAttempts(t *testing.T) {
	s := openTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, s, "a", LaneDefault, 2)

	for i := 0; i < 2; i++ {
		if _, err := s.Claim(ctx, "w1", Lanes, 30_000, 0); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if err := s.Release(ctx, "a", "w1", Outcome{Kind: OutcomeRetryable, Error: "boom"}, 0); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}

	j, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.State != StateDead || j.Attempts != 2 || j.Error != "boom" {
		t.Fatalf("got %+v, want dead after 2 attempts", j)
	}
	if _, err := s.Claim(ctx, "w1", Lanes, 30_000, 0); !errors.Is(err, ErrNoJobAvailable) {
		t.Fatalf("dead job still claimable: %v", err)
	}
}

func TestSuccessStoresResult(t *testing.T) {
	s := openTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, s, "a", LaneHigh, 1)
	if _, err := s.Claim(ctx, "w1", Lanes, 30_000, 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	out := Outcome{Kind: OutcomeSuccess, Result: json.RawMessage(`{"text":"ok"}`)}
	if err := s.Release(ctx, "a", "w1", out, 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	j, _ := s.Get(ctx, "a")
	if j.State != StateSucceeded || string(j.Result) != `{"text":"ok"}` {
		t.Fatalf("got %+v", j)
	}
}

func TestDoubleReleaseRejected(t *testing.T) {
	s := openTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, s, "a", LaneDefault, 1)
	if _, err := s.Claim(ctx, "w1", Lanes, 30_000, 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.Release(ctx, "a", "w1", Outcome{Kind: OutcomeSuccess}, 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.Release(ctx, "a", "w1", Outcome{Kind: OutcomeFatal, Error: "late"}, 0); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("second release: got %v, want ErrLeaseLost", err)
	}
	j, _ := s.Get(ctx, "a")
	if j.State != StateSucceeded {
		t.Fatalf("second release mutated job: %+v", j)
	}
}

func TestRenewExtendsAndExpires(t *testing.T) {
	s := openTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, s, "a", LaneDefault, 3)
	if _, err := s.Claim(ctx, "w1", Lanes, 10_000, 1000); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := s.Renew(ctx, "a", "w1", 10_000, 5000); err != nil {
		t.Fatalf("renew: %v", err)
	}
	// lease now runs to 15000; renewing past that fails
	if _, err := s.Renew(ctx, "a", "w1", 10_000, 20_000); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("renew after expiry: got %v, want ErrLeaseLost", err)
	}
	if _, err := s.Renew(ctx, "a", "w2", 10_000, 6000); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("renew by non-owner: got %v, want ErrLeaseLost", err)
	}
}

func TestReleaseAfterExpiryRejected(t *testing.T) {
	s := openTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, s, "a", LaneDefault, 3)
	if _, err := s.Claim(ctx, "w1", Lanes, 10_000, 1000); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.Release(ctx, "a", "w1", Outcome{Kind: OutcomeSuccess}, 20_000); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("got %v, want ErrLeaseLost", err)
	}
}

func TestReclaimExpiredPreservesSeq(t *testing.T) {
	s := openTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, s, "a", LaneDefault, 3)
	mustEnqueue(t, s, "b", LaneDefault, 3)

	if _, err := s.Claim(ctx, "w1", Lanes, 10_000, 1000); err != nil {
		t.Fatalf("claim: %v", err)
	}
	n, err := s.ReclaimExpired(ctx, 20_000, 0)
	if err != nil || n != 1 {
		t.Fatalf("reclaim: n=%d err=%v", n, err)
	}

	// a is queued again ahead of b
	j, err := s.Claim(ctx, "w2", Lanes, 10_000, 21_000)
	if err != nil {
		t.Fatalf("claim after reclaim: %v", err)
	}
	if j.ID != "a" || j.Attempts != 2 {
		t.Fatalf("got %s attempts=%d, want a attempts=2", j.ID, j.Attempts)
	}
}

func TestReclaimExpiredExhaustsAttempts(t *testing.T) {
	s := openTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, s, "a", LaneDefault, 1)
	if _, err := s.Claim(ctx, "w1", Lanes, 10_000, 1000); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if n, err := s.ReclaimExpired(ctx, 20_000, 0); err != nil || n != 1 {
		t.Fatalf("reclaim: n=%d err=%v", n, err)
	}
	j, _ := s.Get(ctx, "a")
	if j.State != StateDead {
		t.Fatalf("got %s, want dead", j.State)
	}
}

func TestReclaimSkipsLiveLeases(t *testing.T) {
	s := openTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, s, "a", LaneDefault, 3)
	if _, err := s.Claim(ctx, "w1", Lanes, 10_000, 1000); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.Renew(ctx, "a", "w1", 30_000, 5000); err != nil {
		t.Fatalf("renew: %v", err)
	}
	// original expiry of 11000 has passed, but the renewed lease has not
	if n, err := s.ReclaimExpired(ctx, 12_000, 0); err != nil || n != 0 {
		t.Fatalf("reclaim: n=%d err=%v", n, err)
	}
	j, _ := s.Get(ctx, "a")
	if j.State != StateLeased {
		t.Fatalf("got %s, want leased", j.State)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	s := openTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, s, "a", LaneDefault, 3)
	if err := s.RequestCancel(ctx, "a", 0); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := s.Claim(ctx, "w1", Lanes, 30_000, 0); !errors.Is(err, ErrNoJobAvailable) {
		t.Fatalf("claim: got %v, want ErrNoJobAvailable", err)
	}
	j, _ := s.Get(ctx, "a")
	if j.State != StateDead || j.Error != ReasonCancelled {
		t.Fatalf("got %+v, want dead/cancelled", j)
	}
}

func TestCancelVisibleOnRenew(t *testing.T) {
	s := openTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, s, "a", LaneDefault, 3)
	if _, err := s.Claim(ctx, "w1", Lanes, 30_000, 1000); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.RequestCancel(ctx, "a", 2000); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	cancelled, err := s.Renew(ctx, "a", "w1", 30_000, 3000)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !cancelled {
		t.Fatal("renew did not report cancel request")
	}
}

func TestCancelTerminalIsNoop(t *testing.T) {
	s := openTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, s, "a", LaneDefault, 1)
	if _, err := s.Claim(ctx, "w1", Lanes, 30_000, 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.Release(ctx, "a", "w1", Outcome{Kind: OutcomeSuccess}, 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.RequestCancel(ctx, "a", 0); err != nil {
		t.Fatalf("cancel terminal: %v", err)
	}
	j, _ := s.Get(ctx, "a")
	if j.State != StateSucceeded || j.CancelRequested {
		t.Fatalf("cancel mutated terminal job: %+v", j)
	}
}

func TestPeekClaimable(t *testing.T) {
	s := openTestQueue(t)
	ctx := context.Background()

	if _, err := s.PeekClaimable(ctx, LaneDefault, 0); !errors.Is(err, ErrNoJobAvailable) {
		t.Fatalf("peek empty lane: got %v, want ErrNoJobAvailable", err)
	}

	mustEnqueue(t, s, "a", LaneDefault, 3)
	mustEnqueue(t, s, "b", LaneDefault, 3)
	mustEnqueue(t, s, "hi", LaneHigh, 3)

	j, err := s.PeekClaimable(ctx, LaneDefault, 0)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if j.ID != "a" || j.State != StateQueued {
		t.Fatalf("peek got %s/%s, want a/queued", j.ID, j.State)
	}
	// peeking must not mutate: the same claim is still available
	if j, _ = s.Claim(ctx, "w1", []Lane{LaneDefault}, 10_000, 1000); j.ID != "a" {
		t.Fatalf("claim after peek = %s, want a", j.ID)
	}

	// while a's lease is live, only b is claimable
	j, err = s.PeekClaimable(ctx, LaneDefault, 5000)
	if err != nil {
		t.Fatalf("peek with live lease: %v", err)
	}
	if j.ID != "b" {
		t.Fatalf("got %s, want b", j.ID)
	}

	// once the lease expires, a comes back first at its original position
	j, err = s.PeekClaimable(ctx, LaneDefault, 20_000)
	if err != nil {
		t.Fatalf("peek with expired lease: %v", err)
	}
	if j.ID != "a" {
		t.Fatalf("got %s, want a", j.ID)
	}

	// lanes do not bleed into each other
	if j, err = s.PeekClaimable(ctx, LaneHigh, 20_000); err != nil || j.ID != "hi" {
		t.Fatalf("peek high lane: got %v/%v, want hi", j, err)
	}
	if _, err = s.PeekClaimable(ctx, LaneLow, 20_000); !errors.Is(err, ErrNoJobAvailable) {
		t.Fatalf("peek low lane: got %v, want ErrNoJobAvailable", err)
	}

	// a cancel-requested queued job is no longer claimable; with a's lease
	// still live at 5000, the lane shows nothing
	if err := s.RequestCancel(ctx, "b", 0); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err = s.PeekClaimable(ctx, LaneDefault, 5000); !errors.Is(err, ErrNoJobAvailable) {
		t.Fatalf("peek after cancel: got %v, want ErrNoJobAvailable", err)
	}
}

func TestStatsAndTrim(t *testing.T) {
	s := openTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, s, "a", LaneHigh, 1)
	mustEnqueue(t, s, "b", LaneLow, 1)

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Queued[LaneHigh] != 1 || st.Queued[LaneLow] != 1 || st.Leased != 0 {
		t.Fatalf("stats: %+v", st)
	}

	if _, err := s.Claim(ctx, "w1", Lanes, 30_000, 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.Release(ctx, "a", "w1", Outcome{Kind: OutcomeSuccess}, 1000); err != nil {
		t.Fatalf("release: %v", err)
	}

	// a is terminal and stale, b is still queued
	n, err := s.TrimTerminal(ctx, 60_000, 100_000, 0)
	if err != nil || n != 1 {
		t.Fatalf("trim: n=%d err=%v", n, err)
	}
	if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("trimmed job still present: %v", err)
	}
	if _, err := s.Get(ctx, "b"); err != nil {
		t.Fatalf("queued job trimmed: %v", err)
	}
}

func TestSeqSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s, _ := OpenPebble(db, "test")
	mustEnqueue(t, s, "a", LaneDefault, 1)
	mustEnqueue(t, s, "b", LaneDefault, 1)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err = pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s, _ = OpenPebble(db, "test")
	t.Cleanup(func() { _ = s.Close() })

	c := mustEnqueue(t, s, "c", LaneDefault, 1)
	if c.Seq != 3 {
		t.Fatalf("seq after reopen = %d, want 3", c.Seq)
	}
}
