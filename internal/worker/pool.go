package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MSR806/writers-llm-backend/internal/dispatch"
	"github.com/MSR806/writers-llm-backend/internal/provider"
	"github.com/MSR806/writers-llm-backend/internal/queue"
)

// Generator executes a job payload. Satisfied by provider.Router.
type Generator interface {
	Generate(ctx context.Context, payload []byte) (*provider.Result, error)
}

// Options tunes the pool.
type Options struct {
	// Workers is the number of concurrent executors.
	Workers int
	// PollIntervalMs is the initial idle poll interval; the pool backs off
	// up to PollMaxMs while the queue stays empty.
	PollIntervalMs int64
	PollMaxMs      int64
}

func DefaultOptions() Options {
	return Options{Workers: 4, PollIntervalMs: 100, PollMaxMs: 2_000}
}

// Pool runs a fixed set of workers that claim, execute and release jobs.
type Pool struct {
	dispatcher *dispatch.Dispatcher
	gen        Generator
	opts       Options
	logger     *zap.Logger
}

func New(d *dispatch.Dispatcher, gen Generator, opts Options, logger *zap.Logger) *Pool {
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.PollIntervalMs <= 0 {
		opts.PollIntervalMs = def.PollIntervalMs
	}
	if opts.PollMaxMs < opts.PollIntervalMs {
		opts.PollMaxMs = def.PollMaxMs
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{dispatcher: d, gen: gen, opts: opts, logger: logger.Named("worker")}
}

// Run blocks until ctx is cancelled. Jobs in flight at cancellation run to
// completion so their outcome is recorded rather than left to lease expiry.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		id := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		g.Go(func() error {
			p.runWorker(ctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	logger := p.logger.With(zap.String("worker_id", workerID))
	backoff := p.opts.PollIntervalMs
	for {
		if ctx.Err() != nil {
			return
		}
		j, err := p.dispatcher.Claim(ctx, workerID)
		switch {
		case err == nil:
			p.execute(ctx, workerID, j, logger)
			backoff = p.opts.PollIntervalMs
			continue
		case errors.Is(err, queue.ErrNoJobAvailable):
		default:
			logger.Warn("claim failed", zap.Error(err))
		}

		sleep := time.Duration(backoff+rand.Int63n(backoff/2+1)) * time.Millisecond
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		if backoff *= 2; backoff > p.opts.PollMaxMs {
			backoff = p.opts.PollMaxMs
		}
	}
}

type execResult struct {
	res *provider.Result
	err error
}

// execute runs one leased job, renewing the lease at half its duration until
// the provider call finishes. The call itself is detached from pool shutdown
// so an in-flight generation always completes and gets released.
func (p *Pool) execute(ctx context.Context, workerID string, j *queue.Job, logger *zap.Logger) {
	logger = logger.With(zap.String("job_id", j.ID), zap.Int("attempt", j.Attempts))

	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelExec()

	resCh := make(chan execResult, 1)
	go func() {
		res, err := p.gen.Generate(execCtx, j.Payload)
		resCh <- execResult{res: res, err: err}
	}()

	heartbeat := time.Duration(p.dispatcher.LeaseMs()/2) * time.Millisecond
	if heartbeat <= 0 {
		heartbeat = time.Millisecond
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case r := <-resCh:
			// a cancel can land between heartbeats; re-check before recording
			cancelled, err := p.dispatcher.Renew(execCtx, j.ID, workerID)
			if err != nil {
				logger.Warn("lease lost, abandoning execution", zap.Error(err))
				return
			}
			out := outcomeFor(r)
			if cancelled {
				out = queue.Outcome{Kind: queue.OutcomeFatal, Error: queue.ReasonCancelled}
			}
			if err := p.dispatcher.Release(execCtx, j.ID, workerID, out); err != nil {
				// lease was lost mid-flight; another worker owns the job now
				logger.Warn("release failed", zap.Error(err))
			}
			return

		case <-ticker.C:
			cancelled, err := p.dispatcher.Renew(execCtx, j.ID, workerID)
			if err != nil {
				logger.Warn("lease lost, abandoning execution", zap.Error(err))
				return
			}
			if cancelled {
				logger.Info("cancel requested, stopping execution")
				cancelExec()
				<-resCh // discard whatever the call produced
				out := queue.Outcome{Kind: queue.OutcomeFatal, Error: queue.ReasonCancelled}
				if err := p.dispatcher.Release(execCtx, j.ID, workerID, out); err != nil {
					logger.Warn("release failed", zap.Error(err))
				}
				return
			}
		}
	}
}

func outcomeFor(r execResult) queue.Outcome {
	if r.err == nil {
		result, err := json.Marshal(r.res)
		if err != nil {
			return queue.Outcome{Kind: queue.OutcomeRetryable, Error: fmt.Sprintf("marshal result: %v", err)}
		}
		return queue.Outcome{Kind: queue.OutcomeSuccess, Result: result}
	}
	var perr *provider.Error
	if errors.As(r.err, &perr) && perr.Kind == provider.KindFatal {
		return queue.Outcome{Kind: queue.OutcomeFatal, Error: r.err.Error()}
	}
	return queue.Outcome{Kind: queue.OutcomeRetryable, Error: r.err.Error()}
}
