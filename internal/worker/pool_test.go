package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/MSR806/writers-llm-backend/internal/dispatch"
	"github.com/MSR806/writers-llm-backend/internal/provider"
	"github.com/MSR806/writers-llm-backend/internal/queue"
	pebblestore "github.com/MSR806/writers-llm-backend/internal/storage/pebble"
)

type stubGen struct {
	mu    sync.Mutex
	seen  []string
	fn    func(ctx context.Context, payload []byte) (*provider.Result, error)
	calls int
}

func (g *stubGen) Generate(ctx context.Context, payload []byte) (*provider.Result, error) {
	g.mu.Lock()
	g.calls++
	var p struct {
		Prompt string `json:"prompt"`
	}
	_ = json.Unmarshal(payload, &p)
	g.seen = append(g.seen, p.Prompt)
	g.mu.Unlock()
	return g.fn(ctx, payload)
}

func (g *stubGen) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *stubGen) order() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.seen...)
}

func newHarness(t *testing.T, gen *stubGen, leaseMs int64, workers int) (*queue.PebbleStore, func()) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	store, err := queue.OpenPebble(db, "test")
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}

	opts := dispatch.DefaultOptions()
	opts.LeaseMs = leaseMs
	opts.SweepIntervalMs = 20
	d := dispatch.New(store, opts, zap.NewNop())
	pool := New(d, gen, Options{Workers: workers, PollIntervalMs: 10, PollMaxMs: 50}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() { _ = pool.Run(ctx); done <- struct{}{} }()
	go func() { _ = d.RunSweeper(ctx); done <- struct{}{} }()

	stop := func() {
		cancel()
		<-done
		<-done
		_ = store.Close()
	}
	return store, stop
}

func enqueue(t *testing.T, s queue.Store, id string, lane queue.Lane, maxAttempts int) {
	t.Helper()
	err := s.Enqueue(context.Background(), &queue.Job{
		ID:          id,
		Lane:        lane,
		Payload:     json.RawMessage(fmt.Sprintf(`{"prompt":%q}`, id)),
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func waitTerminal(t *testing.T, s queue.Store, id string) *queue.Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		j, err := s.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if j.State.Terminal() {
			return j
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never reached terminal state, state=%s attempts=%d", id, j.State, j.Attempts)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPoolExecutesJob(t *testing.T) {
	gen := &stubGen{fn: func(ctx context.Context, payload []byte) (*provider.Result, error) {
		return &provider.Result{Provider: "stub", Model: "m", Text: "done"}, nil
	}}
	store, stop := newHarness(t, gen, 30_000, 1)
	defer stop()

	enqueue(t, store, "a", queue.LaneDefault, 3)
	j := waitTerminal(t, store, "a")
	if j.State != queue.StateSucceeded {
		t.Fatalf("state = %s, err = %s", j.State, j.Error)
	}
	var res provider.Result
	if err := json.Unmarshal(j.Result, &res); err != nil || res.Text != "done" {
		t.Fatalf("result = %s (%v)", j.Result, err)
	}
}

func TestPoolServesLanesInPriorityOrder(t *testing.T) {
	gen := &stubGen{fn: func(ctx context.Context, payload []byte) (*provider.Result, error) {
		return &provider.Result{Text: "ok"}, nil
	}}

	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	store, _ := queue.OpenPebble(db, "test")
	defer store.Close()

	// enqueue before starting the pool so claim order is deterministic
	enqueue(t, store, "low", queue.LaneLow, 1)
	enqueue(t, store, "default", queue.LaneDefault, 1)
	enqueue(t, store, "high", queue.LaneHigh, 1)

	d := dispatch.New(store, dispatch.DefaultOptions(), zap.NewNop())
	pool := New(d, gen, Options{Workers: 1, PollIntervalMs: 10, PollMaxMs: 20}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go pool.Run(ctx)
	defer cancel()

	waitTerminal(t, store, "low")
	got := gen.order()
	want := []string{"high", "default", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", got, want)
		}
	}
}

func TestPoolRetriesUntilAttemptsExhausted(t *testing.T) {
	gen := &stubGen{fn: func(ctx context.Context, payload []byte) (*provider.Result, error) {
		return nil, &provider.Error{Kind: provider.KindRetryable, Provider: "stub", Err: fmt.Errorf("throttled")}
	}}
	store, stop := newHarness(t, gen, 30_000, 1)
	defer stop()

	enqueue(t, store, "a", queue.LaneDefault, 2)
	j := waitTerminal(t, store, "a")
	if j.State != queue.StateDead || j.Attempts != 2 {
		t.Fatalf("got state=%s attempts=%d, want dead after 2 attempts", j.State, j.Attempts)
	}
	if gen.callCount() != 2 {
		t.Fatalf("provider calls = %d, want 2", gen.callCount())
	}
}

func TestPoolFatalErrorStopsRetries(t *testing.T) {
	gen := &stubGen{fn: func(ctx context.Context, payload []byte) (*provider.Result, error) {
		return nil, &provider.Error{Kind: provider.KindFatal, Provider: "stub", Err: fmt.Errorf("bad request")}
	}}
	store, stop := newHarness(t, gen, 30_000, 1)
	defer stop()

	enqueue(t, store, "a", queue.LaneDefault, 5)
	j := waitTerminal(t, store, "a")
	if j.State != queue.StateDead || j.Attempts != 1 {
		t.Fatalf("got state=%s attempts=%d, want dead after 1 attempt", j.State, j.Attempts)
	}
}

func TestPoolHonoursCancellation(t *testing.T) {
	started := make(chan struct{})
	gen := &stubGen{fn: func(ctx context.Context, payload []byte) (*provider.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	// short lease so the heartbeat observes the cancel quickly
	store, stop := newHarness(t, gen, 100, 1)
	defer stop()

	enqueue(t, store, "a", queue.LaneDefault, 5)
	<-started
	if err := store.RequestCancel(context.Background(), "a", 0); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	j := waitTerminal(t, store, "a")
	if j.State != queue.StateDead || j.Error != queue.ReasonCancelled {
		t.Fatalf("got state=%s error=%q, want dead/cancelled", j.State, j.Error)
	}
	if gen.callCount() != 1 {
		t.Fatalf("provider called %d times after cancel, want 1", gen.callCount())
	}
}

func TestCancelBetweenHeartbeatsDiscardsResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	gen := &stubGen{fn: func(ctx context.Context, payload []byte) (*provider.Result, error) {
		close(started)
		<-release
		return &provider.Result{Text: "finished anyway"}, nil
	}}
	// long lease so no heartbeat fires before the result arrives
	store, stop := newHarness(t, gen, 30_000, 1)
	defer stop()

	enqueue(t, store, "a", queue.LaneDefault, 5)
	<-started
	if err := store.RequestCancel(context.Background(), "a", 0); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(release)

	j := waitTerminal(t, store, "a")
	if j.State != queue.StateDead || j.Error != queue.ReasonCancelled {
		t.Fatalf("got state=%s error=%q, want dead/cancelled", j.State, j.Error)
	}
	if len(j.Result) != 0 {
		t.Fatalf("cancelled job kept a result: %s", j.Result)
	}
}

func TestPoolHeartbeatKeepsLongJobAlive(t *testing.T) {
	gen := &stubGen{fn: func(ctx context.Context, payload []byte) (*provider.Result, error) {
		time.Sleep(300 * time.Millisecond)
		return &provider.Result{Text: "slow but fine"}, nil
	}}
	// lease far shorter than the job; renewal must keep it alive
	store, stop := newHarness(t, gen, 100, 1)
	defer stop()

	enqueue(t, store, "a", queue.LaneDefault, 1)
	j := waitTerminal(t, store, "a")
	if j.State != queue.StateSucceeded || j.Attempts != 1 {
		t.Fatalf("got state=%s attempts=%d err=%q, want success on first attempt", j.State, j.Attempts, j.Error)
	}
}
