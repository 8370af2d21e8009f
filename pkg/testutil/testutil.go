// Package testutil provides testing utilities for dockgate
package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/dockgate/dockgate/pkg/engine"
	"github.com/dockgate/dockgate/pkg/errors"
)

// TestLogger creates a test logger that writes to the test output.
// The logger is automatically cleaned up when the test completes.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout.
// The caller must call the returned cancel function to avoid leaks.
func TestContext(_ *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 10ms until it succeeds or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// FakeEngine is an in-memory engine.Client for tests. All knobs are safe for
// concurrent use.
type FakeEngine struct {
	mu         sync.Mutex
	containers []engine.Container
	pingErr    error
	listErr    error
	callDelay  time.Duration
	closed     bool

	pings     int64
	listCalls int64
	closes    int64
}

// NewFakeEngine returns a fake engine preloaded with the given containers.
func NewFakeEngine(containers ...engine.Container) *FakeEngine {
	return &FakeEngine{containers: containers}
}

// NewFakeFactory returns an engine.Factory producing the same fake, plus the
// fake itself for assertions.
func NewFakeFactory(containers ...engine.Container) (engine.Factory, *FakeEngine) {
	fake := NewFakeEngine(containers...)
	factory := func(ctx context.Context) (engine.Client, error) {
		return fake, nil
	}
	return factory, fake
}

// SetContainers replaces the container set the fake reports.
func (f *FakeEngine) SetContainers(containers ...engine.Container) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers = containers
}

// SetPingErr makes subsequent health checks fail with err.
func (f *FakeEngine) SetPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

// SetListErr makes subsequent list calls fail with err.
func (f *FakeEngine) SetListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// SetCallDelay makes every call sleep first, to simulate a slow daemon.
func (f *FakeEngine) SetCallDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callDelay = d
}

// Pings returns how many health checks the fake has served.
func (f *FakeEngine) Pings() int64 { return atomic.LoadInt64(&f.pings) }

// ListCalls returns how many whole-set queries the fake has served.
func (f *FakeEngine) ListCalls() int64 { return atomic.LoadInt64(&f.listCalls) }

// Closes returns how many times Close was called.
func (f *FakeEngine) Closes() int64 { return atomic.LoadInt64(&f.closes) }

func (f *FakeEngine) delay(ctx context.Context) error {
	f.mu.Lock()
	d := f.callDelay
	f.mu.Unlock()
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping implements engine.Client
func (f *FakeEngine) Ping(ctx context.Context) error {
	atomic.AddInt64(&f.pings, 1)
	if err := f.delay(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

// ListContainers implements engine.Client
func (f *FakeEngine) ListContainers(ctx context.Context) ([]engine.Container, error) {
	atomic.AddInt64(&f.listCalls, 1)
	if err := f.delay(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]engine.Container, len(f.containers))
	copy(out, f.containers)
	return out, nil
}

// InspectContainer implements engine.Client
func (f *FakeEngine) InspectContainer(ctx context.Context, nameOrID string) (*engine.ContainerDetail, error) {
	if err := f.delay(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ct := range f.containers {
		if ct.Name() == nameOrID || ct.ID == nameOrID {
			detail := &engine.ContainerDetail{ID: ct.ID, Name: "/" + ct.Name(), Image: ct.Image}
			detail.State.Status = ct.State
			detail.State.Running = ct.State == "running"
			return detail, nil
		}
	}
	return nil, errors.Newf(errors.ErrorTypeNotFound, "no such container: %s", nameOrID)
}

// ContainerStats implements engine.Client
func (f *FakeEngine) ContainerStats(ctx context.Context, nameOrID string) (*engine.ContainerStats, error) {
	if err := f.delay(ctx); err != nil {
		return nil, err
	}
	stats := &engine.ContainerStats{Read: time.Now()}
	stats.MemoryStats.Usage = 64 << 20
	stats.MemoryStats.Limit = 512 << 20
	return stats, nil
}

// Close implements engine.Client
func (f *FakeEngine) Close() error {
	atomic.AddInt64(&f.closes, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
