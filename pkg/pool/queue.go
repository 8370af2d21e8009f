package pool

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dockgate/dockgate/pkg/errors"
	"github.com/dockgate/dockgate/pkg/metrics"
)

// waiter is one queued acquire request. It is resolved exactly once: by the
// queue processor (connection, creation error, or timeout) or by the caller
// abandoning it on context cancellation. The resolved flag arbitrates the
// race; the loser of the race reads the winner's outcome.
type waiter struct {
	enqueuedAt time.Time
	deadline   time.Time
	resolved   atomic.Bool
	result     chan acquireResult
}

type acquireResult struct {
	conn *Conn
	err  error
}

// resolve fills the waiter's result slot. Returns false if the waiter was
// already resolved, in which case the caller keeps ownership of any
// connection it was about to hand over.
func (w *waiter) resolve(res acquireResult) bool {
	if !w.resolved.CompareAndSwap(false, true) {
		return false
	}
	w.result <- res
	return true
}

// enqueue parks an acquire request on the FIFO queue and blocks until the
// processor resolves it or ctx is canceled. The push happens in the same
// critical section as the closed check: Close flips the flag under the same
// lock before draining, so a waiter is either pushed in time to be drained or
// rejected here, never stranded in between.
func (p *Pool) enqueue(ctx context.Context, start time.Time) (*Conn, error) {
	now := time.Now()
	w := &waiter{
		enqueuedAt: now,
		deadline:   now.Add(p.cfg.QueueTimeout()),
		result:     make(chan acquireResult, 1),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		metrics.PoolAcquires.WithLabelValues("closed").Inc()
		return nil, errors.New(errors.ErrorTypeClosed, "pool is closed")
	}

	select {
	case p.queue <- w:
	default:
		p.mu.Unlock()
		metrics.PoolAcquires.WithLabelValues("queue_full").Inc()
		return nil, errors.Newf(errors.ErrorTypeQueueTimeout,
			"acquire queue full (%d waiting)", p.cfg.QueueCapacity)
	}

	p.stats.queuedTotal++
	p.stats.queueDepth++
	if p.stats.queueDepth > p.stats.maxQueueDepth {
		p.stats.maxQueueDepth = p.stats.queueDepth
	}
	metrics.QueueDepth.Inc()
	p.mu.Unlock()

	select {
	case res := <-w.result:
		if res.err != nil {
			return nil, res.err
		}
		p.recordWait(start)
		metrics.PoolAcquires.WithLabelValues("queued").Inc()
		return res.conn, nil

	case <-ctx.Done():
		if w.resolved.CompareAndSwap(false, true) {
			// Abandoned before the processor got to it; the processor will
			// skip it and its bookkeeping when it reaches the queue slot.
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeQueueTimeout,
				"acquire canceled while queued")
		}
		// Lost the race: the processor resolved first and the result is ready.
		res := <-w.result
		if res.err != nil {
			return nil, res.err
		}
		p.recordWait(start)
		metrics.PoolAcquires.WithLabelValues("queued").Inc()
		return res.conn, nil
	}
}

// processQueue is the single background worker serving queued requests in
// strict arrival order. It runs for the lifetime of the pool.
func (p *Pool) processQueue() {
	defer close(p.done)

	for {
		select {
		case <-p.stopCh:
			p.drainQueue()
			return
		case w := <-p.queue:
			p.dequeued()
			p.serve(w)
		}
	}
}

// dequeued updates depth accounting when a waiter leaves the queue, whatever
// its fate.
func (p *Pool) dequeued() {
	p.mu.Lock()
	p.stats.queueDepth--
	p.mu.Unlock()
	metrics.QueueDepth.Dec()
}

// serve works one waiter to resolution. It retries the fast-path acquire
// whenever the availability signal fires, bounded by the waiter's remaining
// deadline; creation failures are retried on a shorter pace since no release
// signal follows them. There is no polling loop: every wait is on the signal
// or on a deadline-derived timer.
func (p *Pool) serve(w *waiter) {
	var lastErr error

	for {
		if w.resolved.Load() {
			return // caller abandoned the request
		}

		conn, err := p.tryAcquire(context.Background())
		if conn != nil {
			if !w.resolve(acquireResult{conn: conn}) {
				// Caller canceled while we were acquiring; recycle the slot.
				conn.Release()
			}
			return
		}
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeClosed) {
				w.resolve(acquireResult{err: err})
				return
			}
			lastErr = err
		}

		remaining := time.Until(w.deadline)
		if remaining <= 0 {
			p.expire(w, lastErr)
			return
		}

		wait := remaining
		if lastErr != nil && p.cfg.CreationRetryInterval > 0 && wait > p.cfg.CreationRetryInterval {
			wait = p.cfg.CreationRetryInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-p.availCh:
			timer.Stop()
		case <-timer.C:
		case <-p.stopCh:
			timer.Stop()
			w.resolve(acquireResult{err: errors.New(errors.ErrorTypeClosed, "pool is closed")})
			return
		}
	}
}

// expire resolves a waiter whose budget ran out. If the final obstacle was a
// creation failure the distinct connection error surfaces instead of a bare
// timeout, so callers can tell "daemon unreachable" from "pool saturated".
func (p *Pool) expire(w *waiter, lastErr error) {
	p.mu.Lock()
	p.stats.timeouts++
	p.mu.Unlock()

	waited := time.Since(w.enqueuedAt)
	var err error
	if lastErr != nil {
		err = lastErr
		metrics.PoolAcquires.WithLabelValues("creation_error").Inc()
	} else {
		err = errors.Newf(errors.ErrorTypeQueueTimeout,
			"no connection available after %s", waited.Round(time.Millisecond))
		metrics.PoolAcquires.WithLabelValues("queue_timeout").Inc()
	}

	if w.resolve(acquireResult{err: err}) {
		p.logger.Debug("queued acquire expired",
			zap.Duration("waited", waited),
			zap.Bool("creation_failure", lastErr != nil))
	}
}

// drainQueue resolves everything still queued when the pool shuts down.
func (p *Pool) drainQueue() {
	for {
		select {
		case w := <-p.queue:
			p.dequeued()
			w.resolve(acquireResult{err: errors.New(errors.ErrorTypeClosed, "pool is closed")})
		default:
			return
		}
	}
}
