package serverrun

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/MSR806/writers-llm-backend/internal/config"
	"github.com/MSR806/writers-llm-backend/internal/dispatch"
	"github.com/MSR806/writers-llm-backend/internal/provider"
	"github.com/MSR806/writers-llm-backend/internal/queue"
	"github.com/MSR806/writers-llm-backend/internal/runtime"
	httpserver "github.com/MSR806/writers-llm-backend/internal/server/http"
	"github.com/MSR806/writers-llm-backend/internal/worker"
	logpkg "github.com/MSR806/writers-llm-backend/pkg/log"
)

// Run starts the API server, worker pool and sweeper, and blocks until ctx
// is cancelled or one of them fails.
func Run(ctx context.Context, cfg cfgpkg.Config) error {
	// Layer a local signal context over the provided one so the server
	// shuts down cleanly even when the caller's context is background.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logpkg.New(logpkg.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	defer logger.Sync()

	rt, err := runtime.Open(sctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	router, err := buildRouter(cfg, logger)
	if err != nil {
		return err
	}

	dopts := dispatch.DefaultOptions()
	dopts.LeaseMs = cfg.LeaseMs
	dopts.SweepIntervalMs = cfg.SweepIntervalMs
	dopts.RetentionMs = cfg.RetentionMs
	d := dispatch.New(rt.Store(), dopts, logger)

	pool := worker.New(d, router, worker.Options{
		Workers:        cfg.Workers,
		PollIntervalMs: cfg.PollIntervalMs,
	}, logger)

	api := httpserver.New(rt.Store(), router, httpserver.Options{
		DefaultLane:        queue.Lane(cfg.DefaultLane),
		DefaultMaxAttempts: cfg.MaxAttempts,
		RequireIdentity:    cfg.RequireIdentity,
	}, logger)

	logger.Info("starting dispatch server",
		zap.String("http", cfg.HTTPAddr),
		zap.String("backend", string(cfg.Backend)),
		zap.String("queue", cfg.Queue),
		zap.Int("workers", cfg.Workers),
		zap.Int64("lease_ms", cfg.LeaseMs))

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error { return api.ListenAndServe(gctx, cfg.HTTPAddr) })
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return d.RunSweeper(gctx) })

	err = g.Wait()
	api.Close()
	return err
}

func buildRouter(cfg cfgpkg.Config, logger *zap.Logger) (*provider.Router, error) {
	client := &http.Client{Timeout: time.Duration(cfg.CallTimeoutMs) * time.Millisecond}
	invokers := make([]provider.Invoker, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		switch p.Kind {
		case "openai":
			invokers = append(invokers, provider.NewOpenAI(p.Name, p.BaseURL, p.APIKey, client))
		case "anthropic":
			invokers = append(invokers, provider.NewAnthropic(p.Name, p.BaseURL, p.APIKey, client))
		default:
			return nil, fmt.Errorf("provider %q: unknown kind %q", p.Name, p.Kind)
		}
	}
	return provider.NewRouter(invokers, provider.RouterOptions{
		DefaultProvider: cfg.DefaultProvider,
		DefaultModel:    cfg.DefaultModel,
		FailoverOrder:   cfg.FailoverOrder,
		CallTimeout:     time.Duration(cfg.CallTimeoutMs) * time.Millisecond,
	}, logger)
}
