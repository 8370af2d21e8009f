// Package pool implements the bounded connection pool that mediates all access
// to the engine daemon.
//
// The pool owns every daemon connection in the process. Connections are created
// lazily up to a hard cap, health-checked when recycled, and handed out through
// a two-tier acquire path: a fast path that pops an idle connection or creates
// a new one under the pool's single lock, and a slow path that parks the
// request on a strictly FIFO queue served by one background processor.
//
// The processor never polls. It waits on an availability signal that Release
// raises whenever a slot opens, bounded by the waiter's remaining deadline, so
// a queued request is always resolved exactly once: with a connection, with a
// typed creation error, or with a queue timeout.
//
// Invariant: idle + in-use connections (including creation reservations) never
// exceed the configured maximum.
package pool
