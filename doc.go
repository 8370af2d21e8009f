// Package dockgate provides a mediation gateway for a rate-limited container
// engine daemon. It sits between many concurrent callers and one slow,
// rate-sensitive Docker-compatible daemon, bounding simultaneous connections,
// queueing excess requests fairly, and answering most reads from a
// freshness-aware status cache.
//
// # Architecture
//
// dockgate is organized around three cooperating components, owned and wired
// by internal/runtime:
//
// 1. Connection pool (pkg/pool): at most max_connections daemon connections
// exist at any instant, counting connections still being established. When
// the pool is saturated, acquires wait in a FIFO queue with a budget larger
// than the plain acquire timeout, so no caller blocks forever and no caller
// is starved.
//
// 2. Status cache (pkg/statuscache): container state is cached with a TTL and
// served from memory. A cooldown gate guarantees minimum spacing between
// daemon queries regardless of caller count. When the daemon is unreachable,
// readers get the last known data flagged stale together with the error.
//
// 3. Background refresher (pkg/statuscache): a supervised loop keeps the
// cache warm so the steady-state read path never waits on the daemon. It
// survives transient failures and is idempotent to start and stop.
//
// # Quick Start
//
// Build a runtime and read container status:
//
//	import (
//	    "context"
//	    "github.com/dockgate/dockgate/internal/runtime"
//	    "github.com/dockgate/dockgate/pkg/config"
//	    "github.com/dockgate/dockgate/pkg/logger"
//	)
//
//	cfg := config.Default()
//	rt, err := runtime.New(cfg, logger.Get())
//	if err != nil {
//	    // handle error
//	}
//	rt.Start()
//	defer rt.Shutdown(context.Background())
//
//	snaps, err := rt.Cache().Containers(context.Background(), false)
//
// The cmd/dockgate CLI wraps the same runtime behind serve and status
// commands and exposes an HTTP diagnostics surface (internal/server) with
// cached reads, pool and cache statistics, Prometheus metrics, and a
// websocket stream of container change events.
package dockgate
