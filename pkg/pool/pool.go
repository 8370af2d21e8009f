package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dockgate/dockgate/pkg/config"
	"github.com/dockgate/dockgate/pkg/engine"
	"github.com/dockgate/dockgate/pkg/errors"
	"github.com/dockgate/dockgate/pkg/metrics"
)

// Conn is a pooled daemon connection. It is owned exclusively by one caller
// between Acquire and Release; the pool never touches a handed-out connection.
type Conn struct {
	client    engine.Client
	pool      *Pool
	createdAt time.Time
	lastUsed  time.Time
	useCount  int64
	unhealthy bool
	released  atomic.Bool
}

// Client returns the daemon client backing this connection
func (c *Conn) Client() engine.Client {
	return c.client
}

// MarkUnhealthy tells the pool to destroy this connection on release instead
// of recycling it. Callers use it after transport-level failures.
func (c *Conn) MarkUnhealthy() {
	c.unhealthy = true
}

// Release returns the connection to the pool. Safe to call more than once;
// only the first call has an effect. Callers must pair every Acquire with a
// deferred Release so no exit path leaks a slot.
func (c *Conn) Release() {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	c.pool.release(c)
}

// Pool is the bounded connection pool. One instance mediates all daemon access
// for the process; it is constructed once by the runtime and closed on
// shutdown.
type Pool struct {
	cfg     config.PoolConfig
	factory engine.Factory
	logger  *zap.Logger

	mu        sync.Mutex
	idle      []*Conn
	inUse     int // handed-out connections plus creation reservations
	closed    bool
	lastSweep time.Time

	queue   chan *waiter
	availCh chan struct{}
	stopCh  chan struct{}
	done    chan struct{}

	stats poolCounters
}

// poolCounters holds the pool's diagnostic counters, guarded by Pool.mu.
type poolCounters struct {
	totalRequests  int64
	queuedTotal    int64
	queueDepth     int64
	maxQueueDepth  int64
	timeouts       int64
	creationErrors int64
	healthFailures int64
	created        int64
	destroyed      int64
	avgWaitNanos   float64
	waitSamples    int64
}

// Stats is a point-in-time snapshot of the pool's counters.
type Stats struct {
	MaxConnections      int     `json:"max_connections"`
	InUse               int     `json:"in_use"`
	Idle                int     `json:"idle"`
	TotalRequests       int64   `json:"total_requests"`
	QueuedTotal         int64   `json:"queued_total"`
	QueueDepth          int64   `json:"queue_depth"`
	MaxQueueDepth       int64   `json:"max_queue_depth"`
	Timeouts            int64   `json:"timeouts"`
	CreationErrors      int64   `json:"creation_errors"`
	HealthCheckFailures int64   `json:"health_check_failures"`
	Created             int64   `json:"created"`
	Destroyed           int64   `json:"destroyed"`
	AvgWaitMs           float64 `json:"avg_wait_ms"`
}

// New creates a connection pool and starts its queue processor.
func New(cfg config.PoolConfig, factory engine.Factory, logger *zap.Logger) *Pool {
	p := &Pool{
		cfg:       cfg,
		factory:   factory,
		logger:    logger.With(zap.String("component", "pool")),
		queue:     make(chan *waiter, cfg.QueueCapacity),
		availCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		lastSweep: time.Now(),
	}

	go p.processQueue()

	return p
}

// Acquire obtains a connection, queueing behind other waiters when the pool is
// saturated. The fast path is bounded by ctx and the configured acquire
// timeout; a queued request additionally gets the larger queue budget. Always
// pair with Conn.Release, normally via defer.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		metrics.PoolAcquires.WithLabelValues("closed").Inc()
		return nil, errors.New(errors.ErrorTypeClosed, "pool is closed")
	}
	p.stats.totalRequests++
	p.mu.Unlock()

	conn, err := p.tryAcquire(ctx)
	if err != nil {
		metrics.PoolAcquires.WithLabelValues("creation_error").Inc()
		return nil, err
	}
	if conn != nil {
		p.recordWait(start)
		metrics.PoolAcquires.WithLabelValues("hit").Inc()
		return conn, nil
	}

	return p.enqueue(ctx, start)
}

// WithConn acquires a connection, runs fn, and releases the connection on
// every exit path.
func (p *Pool) WithConn(ctx context.Context, fn func(engine.Client) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(conn.Client())
}

// tryAcquire is the fast path: pop and health-check an idle connection, or
// create a new one when a slot is free. Returns (nil, nil) when the pool is
// saturated and the caller must queue. Health checks and creation are blocking
// daemon calls and run outside the pool lock; a creation in flight holds a
// slot reservation so the cap is never exceeded.
func (p *Pool) tryAcquire(ctx context.Context) (*Conn, error) {
	p.maybeSweep()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.New(errors.ErrorTypeClosed, "pool is closed")
		}

		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.inUse++
			p.updateGauges()
			p.mu.Unlock()

			if p.healthCheck(conn) {
				conn.lastUsed = time.Now()
				conn.useCount++
				return conn, nil
			}
			p.discard(conn, true)
			continue
		}

		if p.inUse < p.cfg.MaxConnections {
			p.inUse++ // reservation held while creating outside the lock
			p.updateGauges()
			p.mu.Unlock()

			conn, err := p.create(ctx)
			if err != nil {
				p.mu.Lock()
				p.inUse--
				p.stats.creationErrors++
				p.updateGauges()
				p.mu.Unlock()
				p.signalAvailable()
				return nil, err
			}
			return conn, nil
		}

		p.mu.Unlock()
		return nil, nil
	}
}

// create builds a new connection through the factory, bounded by the creation
// timeout. The caller already holds a slot reservation.
func (p *Pool) create(ctx context.Context) (*Conn, error) {
	createCtx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	defer cancel()

	client, err := p.factory(createCtx)
	if err != nil {
		p.logger.Warn("connection creation failed", zap.Error(err))
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "create daemon connection")
	}

	now := time.Now()
	conn := &Conn{
		client:    client,
		pool:      p,
		createdAt: now,
		lastUsed:  now,
		useCount:  1,
	}

	p.mu.Lock()
	p.stats.created++
	created := p.stats.created
	p.mu.Unlock()

	p.logger.Debug("created new connection",
		zap.Int64("total_created", created))

	return conn, nil
}

// healthCheck pings a recycled connection with its own short timeout.
func (p *Pool) healthCheck(conn *Conn) bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HealthCheckTimeout)
	defer cancel()

	if err := conn.client.Ping(ctx); err != nil {
		p.logger.Debug("health check failed, discarding connection",
			zap.Duration("age", time.Since(conn.createdAt)),
			zap.Int64("use_count", conn.useCount),
			zap.Error(err))
		metrics.HealthCheckFailures.Inc()
		return false
	}
	return true
}

// discard destroys a connection the pool still accounts for and frees its slot.
func (p *Pool) discard(conn *Conn, healthFailure bool) {
	_ = conn.client.Close()

	p.mu.Lock()
	p.inUse--
	p.stats.destroyed++
	if healthFailure {
		p.stats.healthFailures++
	}
	p.updateGauges()
	p.mu.Unlock()

	p.signalAvailable()
}

// release returns a connection to the idle set and raises the availability
// signal so the queue processor can retry its head waiter.
func (p *Pool) release(conn *Conn) {
	p.mu.Lock()
	p.inUse--
	switch {
	case p.closed || conn.unhealthy:
		p.stats.destroyed++
		p.updateGauges()
		p.mu.Unlock()
		_ = conn.client.Close()
	default:
		p.idle = append(p.idle, conn)
		p.updateGauges()
		p.mu.Unlock()
	}

	p.signalAvailable()
}

// signalAvailable is the availability condition: a 1-buffered notify channel.
// Release and slot-freeing paths raise it; the queue processor waits on it
// bounded by the head waiter's remaining deadline.
func (p *Pool) signalAvailable() {
	select {
	case p.availCh <- struct{}{}:
	default:
	}
}

// maybeSweep opportunistically health-checks idle connections once the sweep
// interval has elapsed. The checks run in a separate goroutine so the caller's
// acquire never waits on them; candidates hold slot reservations while away
// from the idle set.
func (p *Pool) maybeSweep() {
	p.mu.Lock()
	if p.closed || len(p.idle) == 0 || time.Since(p.lastSweep) < p.cfg.IdleSweepInterval {
		p.mu.Unlock()
		return
	}
	p.lastSweep = time.Now()
	candidates := p.idle
	p.idle = nil
	p.inUse += len(candidates)
	p.updateGauges()
	p.mu.Unlock()

	go func() {
		alive := 0
		for _, conn := range candidates {
			if p.healthCheck(conn) {
				p.mu.Lock()
				p.inUse--
				if p.closed {
					p.stats.destroyed++
					p.updateGauges()
					p.mu.Unlock()
					_ = conn.client.Close()
				} else {
					p.idle = append(p.idle, conn)
					p.updateGauges()
					p.mu.Unlock()
					alive++
				}
				p.signalAvailable()
			} else {
				p.discard(conn, true)
			}
		}
		if alive < len(candidates) {
			p.logger.Info("idle sweep discarded dead connections",
				zap.Int("checked", len(candidates)),
				zap.Int("discarded", len(candidates)-alive))
		}
	}()
}

// recordWait folds one acquire's wait time into the moving average.
func (p *Pool) recordWait(start time.Time) {
	elapsed := time.Since(start)
	metrics.AcquireWait.Observe(elapsed.Seconds())

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.waitSamples++
	if p.stats.waitSamples == 1 {
		p.stats.avgWaitNanos = float64(elapsed.Nanoseconds())
	} else {
		p.stats.avgWaitNanos = p.stats.avgWaitNanos*0.9 + float64(elapsed.Nanoseconds())*0.1
	}
}

// updateGauges refreshes the Prometheus pool gauges. Caller holds p.mu.
func (p *Pool) updateGauges() {
	metrics.PoolConnections.WithLabelValues("idle").Set(float64(len(p.idle)))
	metrics.PoolConnections.WithLabelValues("in_use").Set(float64(p.inUse))
}

// Stats returns a snapshot of the pool's diagnostic counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		MaxConnections:      p.cfg.MaxConnections,
		InUse:               p.inUse,
		Idle:                len(p.idle),
		TotalRequests:       p.stats.totalRequests,
		QueuedTotal:         p.stats.queuedTotal,
		QueueDepth:          p.stats.queueDepth,
		MaxQueueDepth:       p.stats.maxQueueDepth,
		Timeouts:            p.stats.timeouts,
		CreationErrors:      p.stats.creationErrors,
		HealthCheckFailures: p.stats.healthFailures,
		Created:             p.stats.created,
		Destroyed:           p.stats.destroyed,
		AvgWaitMs:           p.stats.avgWaitNanos / float64(time.Millisecond),
	}
}

// Close shuts the pool down: pending waiters are resolved with a closed error,
// idle connections are destroyed, and handed-out connections are destroyed as
// they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.updateGauges()
	p.mu.Unlock()

	close(p.stopCh)
	<-p.done

	for _, conn := range idle {
		_ = conn.client.Close()
		p.mu.Lock()
		p.stats.destroyed++
		p.mu.Unlock()
	}

	p.logger.Info("connection pool closed",
		zap.Int("idle_destroyed", len(idle)))
}
