// Package syncer runs queued tasks.
//
// A single polling loop lists the pending tasks on every tick and hands the
// runnable ones to a worker pool, so a slow task never delays the next tick.
// A task is runnable when it is not already running, not backing off after
// a rate limit, has no pending dependency, is not superseded by a later task
// doing the same work, and its lock is free. Repository tasks lock their
// repository; organization-wide tasks lock every repository of their
// installation.
//
// Tasks are acknowledged by removing them from the queue once they finish.
// Rate-limited and credential failures leave the task queued for a later
// tick; any other failure is reported and the task is dropped.
package syncer
