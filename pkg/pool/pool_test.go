package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockgate/dockgate/pkg/config"
	"github.com/dockgate/dockgate/pkg/engine"
	"github.com/dockgate/dockgate/pkg/errors"
	"github.com/dockgate/dockgate/pkg/testutil"
)

func testPoolConfig(maxConns int) config.PoolConfig {
	return config.PoolConfig{
		MaxConnections:        maxConns,
		AcquireTimeout:        200 * time.Millisecond,
		QueueTimeoutFloor:     2 * time.Second,
		QueueTimeoutFactor:    3,
		QueueCapacity:         32,
		HealthCheckTimeout:    200 * time.Millisecond,
		CreateTimeout:         500 * time.Millisecond,
		CreationRetryInterval: 20 * time.Millisecond,
		IdleSweepInterval:     time.Hour, // keep sweeps out of timing-sensitive tests
	}
}

func newTestPool(t *testing.T, maxConns int) (*Pool, *testutil.FakeEngine) {
	t.Helper()
	factory, fake := testutil.NewFakeFactory()
	p := New(testPoolConfig(maxConns), factory, testutil.TestLogger(t))
	t.Cleanup(p.Close)
	return p, fake
}

func TestAcquireUnderCapacityNeverQueues(t *testing.T) {
	p, _ := newTestPool(t, 3)
	ctx := context.Background()

	conns := make([]*Conn, 0, 3)
	for i := 0; i < 3; i++ {
		conn, err := p.Acquire(ctx)
		require.NoError(t, err)
		conns = append(conns, conn)
	}

	stats := p.Stats()
	assert.Equal(t, 3, stats.InUse)
	assert.Equal(t, int64(0), stats.QueuedTotal)

	for _, conn := range conns {
		conn.Release()
	}

	stats = p.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 3, stats.Idle)
}

func TestAcquireReusesIdleConnection(t *testing.T) {
	p, fake := newTestPool(t, 2)
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)
	conn.Release()

	conn2, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer conn2.Release()

	// One creation (factory ping-free fake: creation does not ping, but the
	// recycled acquire health-checks), so exactly one connection ever existed.
	assert.Equal(t, int64(1), p.Stats().Created)
	assert.GreaterOrEqual(t, fake.Pings(), int64(1))
}

func TestAcquireDiscardsDeadIdleConnection(t *testing.T) {
	p, fake := newTestPool(t, 2)
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)
	conn.Release()

	// The idle connection fails its health check; the pool must create a
	// replacement transparently instead of surfacing an error.
	fake.SetPingErr(errors.New(errors.ErrorTypeConnection, "gone"))
	defer fake.SetPingErr(nil)

	conn2, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer conn2.Release()

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Created)
	assert.Equal(t, int64(1), stats.HealthCheckFailures)
	assert.Equal(t, 1, stats.InUse)
}

func TestSaturatedPoolQueuesFIFO(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	require.NoError(t, err)

	const waiters = 4
	var grantOrder []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < waiters; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := p.Acquire(ctx)
			require.NoError(t, err)
			mu.Lock()
			grantOrder = append(grantOrder, i)
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			conn.Release()
		}()
		// Wait for this waiter to be parked before starting the next, so the
		// FIFO arrival order is deterministic. QueuedTotal is monotonic and
		// only moves after the waiter has its queue slot.
		testutil.AssertEventually(t, func() bool {
			return p.Stats().QueuedTotal == int64(i+1)
		}, time.Second, "waiter did not enqueue")
	}

	held.Release()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3}, grantOrder,
		"the K-th released connection must go to the K-th-longest waiter")
	assert.Equal(t, int64(waiters), p.Stats().QueuedTotal)
}

func TestAcquireReleaseCyclesDoNotLeakSlots(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		conn, err := p.Acquire(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, p.Stats().InUse, 2)
		conn.Release()
	}

	stats := p.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, int64(25), stats.TotalRequests)
}

func TestDoubleReleaseIsHarmless(t *testing.T) {
	p, _ := newTestPool(t, 2)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	conn.Release()
	conn.Release()

	stats := p.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 1, stats.Idle)
}

func TestQueuedAcquireTimesOutWithoutBlockingSuccessors(t *testing.T) {
	cfg := testPoolConfig(1)
	cfg.QueueTimeoutFloor = 100 * time.Millisecond
	cfg.QueueTimeoutFactor = 0

	factory, _ := testutil.NewFakeFactory()
	p := New(cfg, factory, testutil.TestLogger(t))
	defer p.Close()

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	// First waiter will expire before anything is released.
	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeQueueTimeout), "got %v", err)
	assert.Equal(t, int64(1), p.Stats().Timeouts)

	// A later waiter must still be served once capacity frees up.
	done := make(chan error, 1)
	go func() {
		conn, err := p.Acquire(context.Background())
		if err == nil {
			conn.Release()
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	held.Release()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("successor waiter was never served")
	}
}

func TestCreationFailureSurfacesDistinctError(t *testing.T) {
	var attempts int64
	factory := func(ctx context.Context) (engine.Client, error) {
		atomic.AddInt64(&attempts, 1)
		return nil, errors.New(errors.ErrorTypeConnection, "daemon unreachable")
	}

	cfg := testPoolConfig(1)
	cfg.QueueTimeoutFloor = 50 * time.Millisecond
	cfg.QueueTimeoutFactor = 0

	p := New(cfg, factory, testutil.TestLogger(t))
	defer p.Close()

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection),
		"creation failure must not masquerade as a timeout, got %v", err)
	assert.False(t, errors.IsTimeout(err))

	stats := p.Stats()
	assert.Equal(t, 0, stats.InUse, "failed creation must return its slot reservation")
	assert.GreaterOrEqual(t, stats.CreationErrors, int64(1))
}

func TestQueuedCreationFailureRetriesWithinBudget(t *testing.T) {
	// Attempt 1 succeeds (the held connection), attempts 2 and 3 fail, later
	// attempts succeed again. The queued waiter must ride out the outage on
	// the creation-retry pace instead of timing out.
	var attempts int64
	factory, _ := testutil.NewFakeFactory()
	flaky := func(ctx context.Context) (engine.Client, error) {
		n := atomic.AddInt64(&attempts, 1)
		if n == 2 || n == 3 {
			return nil, errors.New(errors.ErrorTypeConnection, "daemon unreachable")
		}
		return factory(ctx)
	}

	p := New(testPoolConfig(1), flaky, testutil.TestLogger(t))
	defer p.Close()

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	held.MarkUnhealthy()

	done := make(chan error, 1)
	go func() {
		conn, err := p.Acquire(context.Background())
		if err == nil {
			conn.Release()
		}
		done <- err
	}()

	testutil.AssertEventually(t, func() bool {
		return p.Stats().QueuedTotal == 1
	}, time.Second, "waiter did not enqueue")

	// Frees the slot without producing an idle connection, forcing the queued
	// waiter through the (failing) creation path.
	held.Release()

	select {
	case err := <-done:
		require.NoError(t, err, "retries within the queue budget should succeed")
	case <-time.After(2 * time.Second):
		t.Fatal("queued waiter never resolved")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt64(&attempts), int64(4))
	assert.GreaterOrEqual(t, p.Stats().CreationErrors, int64(2))
}

func TestAcquireContextCancellationCleansUp(t *testing.T) {
	p, _ := newTestPool(t, 1)

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		done <- err
	}()

	testutil.AssertEventually(t, func() bool {
		return p.Stats().QueuedTotal == 1
	}, time.Second, "waiter did not enqueue")

	cancel()
	err = <-done
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeQueueTimeout))

	// The abandoned waiter must not eat the released connection.
	held.Release()
	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	conn.Release()
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestFiveCallersTwoSlots(t *testing.T) {
	p, _ := newTestPool(t, 2)

	const callers = 5
	const hold = 200 * time.Millisecond

	var wg sync.WaitGroup
	start := time.Now()
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := p.Acquire(context.Background())
			errs[i] = err
			if err != nil {
				return
			}
			defer conn.Release()
			time.Sleep(hold)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	for i, err := range errs {
		require.NoError(t, err, "caller %d", i)
	}

	stats := p.Stats()
	assert.Equal(t, int64(callers), stats.TotalRequests)
	assert.Equal(t, int64(3), stats.QueuedTotal, "exactly max_connections proceed immediately")
	assert.LessOrEqual(t, stats.MaxQueueDepth, int64(3))

	// ceil(5/2) rounds of 200ms, plus scheduling noise.
	assert.GreaterOrEqual(t, elapsed, 3*hold-50*time.Millisecond)
	assert.Less(t, elapsed, 6*hold)
}

func TestMarkUnhealthyDestroysOnRelease(t *testing.T) {
	p, fake := newTestPool(t, 2)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	conn.MarkUnhealthy()
	conn.Release()

	stats := p.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, int64(1), stats.Destroyed)
	assert.GreaterOrEqual(t, fake.Closes(), int64(1))
}

func TestCloseResolvesQueuedWaiters(t *testing.T) {
	factory, _ := testutil.NewFakeFactory()
	p := New(testPoolConfig(1), factory, testutil.TestLogger(t))

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		done <- err
	}()

	testutil.AssertEventually(t, func() bool {
		return p.Stats().QueuedTotal == 1
	}, time.Second, "waiter did not enqueue")

	p.Close()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("queued waiter leaked through Close")
	}

	// Late release of a handed-out connection must not panic or resurrect it.
	held.Release()
	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeClosed))
}

func TestEnqueueAfterCloseResolvesImmediately(t *testing.T) {
	factory, _ := testutil.NewFakeFactory()
	p := New(testPoolConfig(1), factory, testutil.TestLogger(t))

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	// An acquire that saw the pool open but loses the race to Close must not
	// be parked on a queue nobody drains anymore. With no context deadline a
	// stranded waiter would hang forever.
	p.Close()

	done := make(chan error, 1)
	go func() {
		_, err := p.enqueue(context.Background(), time.Now())
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeClosed), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter stranded after close")
	}

	held.Release()
	assert.Equal(t, int64(0), p.Stats().QueueDepth)
}

func TestQueueDepthNeverGoesNegative(t *testing.T) {
	cfg := testPoolConfig(1)
	cfg.QueueTimeoutFloor = 50 * time.Millisecond
	cfg.QueueTimeoutFactor = 0

	factory, _ := testutil.NewFakeFactory()
	p := New(cfg, factory, testutil.TestLogger(t))
	defer p.Close()

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	// The processor pops waiters as fast as they arrive; the depth counter
	// must be incremented in step with the push, never trailing the pop.
	stop := make(chan struct{})
	var sawNegative atomic.Bool
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				if p.Stats().QueueDepth < 0 {
					sawNegative.Store(true)
					return
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Acquire(context.Background())
		}()
	}
	wg.Wait()
	close(stop)

	assert.False(t, sawNegative.Load(), "queue depth dipped below zero")
	assert.Equal(t, int64(0), p.Stats().QueueDepth)
}

func TestWithConnReleasesOnError(t *testing.T) {
	p, _ := newTestPool(t, 1)

	sentinel := errors.New(errors.ErrorTypeDaemon, "boom")
	err := p.WithConn(context.Background(), func(engine.Client) error {
		return sentinel
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDaemon))
	assert.Equal(t, 0, p.Stats().InUse, "WithConn must release on error paths")
}
