// Package runtime wires the pool, the status cache, and the background
// refresher into one explicitly owned object with a clear init/teardown
// lifecycle. Collaborators receive the runtime by reference; nothing in
// dockgate lives in package-global mutable state.
package runtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/dockgate/dockgate/pkg/config"
	"github.com/dockgate/dockgate/pkg/engine"
	"github.com/dockgate/dockgate/pkg/pool"
	"github.com/dockgate/dockgate/pkg/statuscache"
)

// Runtime owns every long-lived component of a dockgate process. Construct it
// once, Start it, and Shutdown it on the way out.
type Runtime struct {
	cfg    *config.Config
	logger *zap.Logger

	pool      *pool.Pool
	cache     *statuscache.Cache
	refresher *statuscache.Refresher
}

// Option customizes runtime construction.
type Option func(*options)

type options struct {
	factory engine.Factory
}

// WithFactory overrides the daemon client factory. Tests use it to substitute
// a fake engine.
func WithFactory(f engine.Factory) Option {
	return func(o *options) {
		o.factory = f
	}
}

// New builds a runtime from the configuration. The daemon is not contacted
// until the first acquire or refresh.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	factory := o.factory
	if factory == nil {
		factory = engine.NewFactory(cfg.Daemon, logger)
	}

	p := pool.New(cfg.Pool, factory, logger)
	cache := statuscache.New(cfg.Cache, p, logger)
	refresher := statuscache.NewRefresher(cfg.Refresh, cache, logger)

	return &Runtime{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "runtime")),
		pool:      p,
		cache:     cache,
		refresher: refresher,
	}, nil
}

// Start launches background work: the refresher, when enabled.
func (r *Runtime) Start() {
	if r.cfg.Refresh.Enabled {
		r.refresher.Start()
	}
	r.logger.Info("runtime started",
		zap.Int("max_connections", r.cfg.Pool.MaxConnections),
		zap.Bool("background_refresh", r.cfg.Refresh.Enabled))
}

// Shutdown stops background work and closes the pool. The context bounds how
// long teardown may take; components past it are abandoned to process exit.
func (r *Runtime) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.refresher.Stop()
		r.pool.Close()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("runtime shut down")
		return nil
	case <-ctx.Done():
		r.logger.Warn("runtime shutdown timed out", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

// Config returns the runtime's configuration.
func (r *Runtime) Config() *config.Config { return r.cfg }

// Pool returns the connection pool.
func (r *Runtime) Pool() *pool.Pool { return r.pool }

// Cache returns the status cache.
func (r *Runtime) Cache() *statuscache.Cache { return r.cache }

// Refresher returns the background refresher.
func (r *Runtime) Refresher() *statuscache.Refresher { return r.refresher }
