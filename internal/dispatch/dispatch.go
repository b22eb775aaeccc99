package dispatch

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/MSR806/writers-llm-backend/internal/queue"
)

// Options tunes the dispatcher.
type Options struct {
	// LeaseMs is the lease duration granted on claim and renewal.
	LeaseMs int64
	// SweepIntervalMs is how often the sweeper reclaims expired leases.
	SweepIntervalMs int64
	// SweepBatch caps jobs processed per sweep, 0 for unlimited.
	SweepBatch int
	// RetentionMs is how long terminal jobs are kept, 0 to keep forever.
	RetentionMs int64
	// TrimBatch caps terminal jobs deleted per sweep.
	TrimBatch int
}

// DefaultOptions are the production defaults.
func DefaultOptions() Options {
	return Options{
		LeaseMs:         30_000,
		SweepIntervalMs: 1_000,
		SweepBatch:      256,
		RetentionMs:     24 * int64(time.Hour/time.Millisecond),
		TrimBatch:       256,
	}
}

// Dispatcher hands jobs to workers under leases and runs the background
// sweeper that reclaims leases from dead workers.
type Dispatcher struct {
	store  queue.Store
	opts   Options
	logger *zap.Logger

	claims atomic.Uint64
}

func New(store queue.Store, opts Options, logger *zap.Logger) *Dispatcher {
	if opts.LeaseMs <= 0 {
		opts.LeaseMs = DefaultOptions().LeaseMs
	}
	if opts.SweepIntervalMs <= 0 {
		opts.SweepIntervalMs = DefaultOptions().SweepIntervalMs
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{store: store, opts: opts, logger: logger.Named("dispatch")}
}

// LeaseMs returns the configured lease duration.
func (d *Dispatcher) LeaseMs() int64 { return d.opts.LeaseMs }

// serviceOrder returns the lane scan order for the nth claim. The order is
// strict priority, except that every 4th claim services default first and
// every 16th services low first. With saturated lanes this bounds the wait of
// a default job to 4 claims and of a low job to 16.
func serviceOrder(n uint64) []queue.Lane {
	switch {
	case n%16 == 15:
		return []queue.Lane{queue.LaneLow, queue.LaneHigh, queue.LaneDefault}
	case n%4 == 3:
		return []queue.Lane{queue.LaneDefault, queue.LaneHigh, queue.LaneLow}
	default:
		return []queue.Lane{queue.LaneHigh, queue.LaneDefault, queue.LaneLow}
	}
}

// Claim leases the next job for workerID, or queue.ErrNoJobAvailable.
func (d *Dispatcher) Claim(ctx context.Context, workerID string) (*queue.Job, error) {
	n := d.claims.Add(1) - 1
	j, err := d.store.Claim(ctx, workerID, serviceOrder(n), d.opts.LeaseMs, 0)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("job claimed",
		zap.String("job_id", j.ID),
		zap.String("worker_id", workerID),
		zap.String("lane", string(j.Lane)),
		zap.Int("attempt", j.Attempts))
	return j, nil
}

// Renew extends workerID's lease and reports a pending cancel request.
func (d *Dispatcher) Renew(ctx context.Context, jobID, workerID string) (bool, error) {
	return d.store.Renew(ctx, jobID, workerID, d.opts.LeaseMs, 0)
}

// Release reports the outcome of a leased job.
func (d *Dispatcher) Release(ctx context.Context, jobID, workerID string, out queue.Outcome) error {
	err := d.store.Release(ctx, jobID, workerID, out, 0)
	if err == nil {
		d.logger.Debug("job released",
			zap.String("job_id", jobID),
			zap.String("worker_id", workerID),
			zap.Int("outcome", int(out.Kind)))
	}
	return err
}

// RunSweeper periodically reclaims expired leases and trims stale terminal
// jobs until ctx is cancelled. It returns nil on cancellation.
func (d *Dispatcher) RunSweeper(ctx context.Context) error {
	interval := time.Duration(d.opts.SweepIntervalMs) * time.Millisecond
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		d.sweep(ctx)
		// jitter so multiple dispatchers do not sweep in lockstep
		timer.Reset(interval + time.Duration(rand.Int63n(int64(interval)/4+1)))
	}
}

func (d *Dispatcher) sweep(ctx context.Context) {
	n, err := d.store.ReclaimExpired(ctx, 0, d.opts.SweepBatch)
	if err != nil {
		d.logger.Warn("lease reclaim failed", zap.Error(err))
	} else if n > 0 {
		d.logger.Info("reclaimed expired leases", zap.Int("count", n))
	}

	if d.opts.RetentionMs <= 0 {
		return
	}
	n, err = d.store.TrimTerminal(ctx, d.opts.RetentionMs, 0, d.opts.TrimBatch)
	if err != nil {
		d.logger.Warn("terminal trim failed", zap.Error(err))
	} else if n > 0 {
		d.logger.Debug("trimmed terminal jobs", zap.Int("count", n))
	}
}
