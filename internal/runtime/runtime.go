package runtime

import (
	"context"
	"errors"
	"fmt"

	cfgpkg "github.com/MSR806/writers-llm-backend/internal/config"
	"github.com/MSR806/writers-llm-backend/internal/queue"
	"github.com/MSR806/writers-llm-backend/internal/queue/redisq"
	pebblestore "github.com/MSR806/writers-llm-backend/internal/storage/pebble"
)

// Runtime wires the configured store backend for a single-node instance.
type Runtime struct {
	store  queue.Store
	config cfgpkg.Config
}

// Open initializes the backend named by the configuration.
func Open(ctx context.Context, cfg cfgpkg.Config) (*Runtime, error) {
	var store queue.Store
	switch cfg.Backend {
	case cfgpkg.BackendPebble:
		db, err := pebblestore.Open(pebblestore.Options{DataDir: cfg.DataDir, Fsync: pebblestore.FsyncModeAlways})
		if err != nil {
			return nil, fmt.Errorf("runtime: open pebble: %w", err)
		}
		store, err = queue.OpenPebble(db, cfg.Queue)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	case cfgpkg.BackendRedis:
		var err error
		store, err = redisq.Open(ctx, redisq.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Queue:    cfg.Queue,
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("runtime: unknown backend %q", cfg.Backend)
	}
	return &Runtime{store: store, config: cfg}, nil
}

// Close closes the underlying store.
func (r *Runtime) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}

// CheckHealth performs a simple store round trip.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.store == nil {
		return errors.New("store not open")
	}
	_, err := r.store.Stats(ctx)
	return err
}

// Store returns the queue store.
func (r *Runtime) Store() queue.Store { return r.store }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
