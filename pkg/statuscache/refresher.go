package statuscache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dockgate/dockgate/pkg/config"
)

// RefresherState is the lifecycle state of the background refresher.
type RefresherState int32

const (
	// StateStopped means no refresh loop is running
	StateStopped RefresherState = iota
	// StateStarting means Start won the race and the loop is being launched
	StateStarting
	// StateRunning means the refresh loop is active
	StateRunning
	// StateStopping means Stop was called and the loop is winding down
	StateStopping
)

// String returns the state name for logs and diagnostics.
func (s RefresherState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Refresher proactively repopulates the status cache so reads rarely miss.
// It survives transient refresh failures: errors are logged, a short backoff
// is applied, and the loop continues. Start and Stop are idempotent.
type Refresher struct {
	cfg    config.RefreshConfig
	cache  *Cache
	logger *zap.Logger

	state  int32
	stopCh chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRefresher creates a background refresher for the given cache.
func NewRefresher(cfg config.RefreshConfig, cache *Cache, logger *zap.Logger) *Refresher {
	return &Refresher{
		cfg:    cfg,
		cache:  cache,
		logger: logger.With(zap.String("component", "refresher")),
	}
}

// State returns the refresher's current lifecycle state.
func (r *Refresher) State() RefresherState {
	return RefresherState(atomic.LoadInt32(&r.state))
}

// Start launches the refresh loop. Starting an already-running refresher is a
// no-op.
func (r *Refresher) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !atomic.CompareAndSwapInt32(&r.state, int32(StateStopped), int32(StateStarting)) {
		return
	}

	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.loop(r.stopCh)

	atomic.StoreInt32(&r.state, int32(StateRunning))
	r.logger.Info("background refresh started",
		zap.Duration("interval", r.cfg.Interval))
}

// Stop winds the refresh loop down and waits for it to exit. Stopping an
// already-stopped refresher is a no-op.
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !atomic.CompareAndSwapInt32(&r.state, int32(StateRunning), int32(StateStopping)) {
		return
	}

	close(r.stopCh)
	r.wg.Wait()

	atomic.StoreInt32(&r.state, int32(StateStopped))
	r.logger.Info("background refresh stopped")
}

// loop refreshes, then sleeps until the next cycle, watching the stop channel
// the whole time so shutdown latency stays low.
func (r *Refresher) loop(stopCh chan struct{}) {
	defer r.wg.Done()

	for {
		pause := r.cfg.Interval
		if err := r.refreshOnce(stopCh); err != nil {
			r.logger.Warn("background refresh failed, continuing",
				zap.Error(err))
			if r.cfg.FailureBackoff > 0 && r.cfg.FailureBackoff < pause {
				pause = r.cfg.FailureBackoff
			}
		}

		timer := time.NewTimer(pause)
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// refreshOnce runs one bounded refresh attempt. The context is canceled on
// stop so a shutdown never waits out a slow daemon call.
func (r *Refresher) refreshOnce(stopCh chan struct{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return r.cache.Refresh(ctx)
}
