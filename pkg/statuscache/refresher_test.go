package statuscache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockgate/dockgate/pkg/config"
	"github.com/dockgate/dockgate/pkg/errors"
	"github.com/dockgate/dockgate/pkg/testutil"
)

func testRefreshConfig() config.RefreshConfig {
	return config.RefreshConfig{
		Enabled:        true,
		Interval:       15 * time.Millisecond,
		Timeout:        time.Second,
		FailureBackoff: 10 * time.Millisecond,
	}
}

func newTestRefresher(t *testing.T) (*Refresher, *Cache, *testutil.FakeEngine) {
	t.Helper()
	cfg := testCacheConfig()
	cfg.TTL = 5 * time.Millisecond
	cfg.QueryCooldown = 0
	c, fake := newTestCache(t, cfg, container("web", "running"))
	r := NewRefresher(testRefreshConfig(), c, testutil.TestLogger(t))
	t.Cleanup(r.Stop)
	return r, c, fake
}

func TestRefresherKeepsCacheWarm(t *testing.T) {
	r, c, fake := newTestRefresher(t)

	assert.Equal(t, StateStopped, r.State())
	r.Start()
	assert.Equal(t, StateRunning, r.State())

	testutil.AssertEventually(t, func() bool {
		return fake.ListCalls() >= 3
	}, 2*time.Second, "refresher never cycled")

	stats := c.Stats()
	assert.GreaterOrEqual(t, stats.Refreshes, int64(3))
	assert.Less(t, stats.AgeSeconds, 1.0)

	r.Stop()
	assert.Equal(t, StateStopped, r.State())
}

func TestRefresherStartStopIdempotent(t *testing.T) {
	r, _, fake := newTestRefresher(t)

	// Stop before any Start is a no-op.
	r.Stop()
	assert.Equal(t, StateStopped, r.State())

	r.Start()
	r.Start()
	assert.Equal(t, StateRunning, r.State())

	r.Stop()
	r.Stop()
	assert.Equal(t, StateStopped, r.State())

	// Restartable after a full stop.
	calls := fake.ListCalls()
	r.Start()
	testutil.AssertEventually(t, func() bool {
		return fake.ListCalls() > calls
	}, 2*time.Second, "refresher did not restart")
	r.Stop()
}

func TestRefresherSurvivesFailures(t *testing.T) {
	r, c, fake := newTestRefresher(t)
	fake.SetListErr(errors.New(errors.ErrorTypeDaemon, "engine overloaded"))

	r.Start()

	testutil.AssertEventually(t, func() bool {
		return c.Stats().RefreshErrors >= 2
	}, 2*time.Second, "refresher did not retry after failure")
	require.Equal(t, StateRunning, r.State(), "failures must not kill the loop")

	fake.SetListErr(nil)
	testutil.AssertEventually(t, func() bool {
		return c.Stats().Refreshes >= 1 && c.Stats().LastError == ""
	}, 2*time.Second, "refresher did not recover")

	r.Stop()
}

func TestRefresherStopIsPrompt(t *testing.T) {
	r, _, fake := newTestRefresher(t)
	// A slow daemon call must not hold up shutdown past the stop signal.
	fake.SetCallDelay(200 * time.Millisecond)

	r.Start()
	time.Sleep(20 * time.Millisecond) // let a refresh get in flight

	start := time.Now()
	r.Stop()
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateStopped, r.State())
}
