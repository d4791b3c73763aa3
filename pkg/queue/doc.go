// Package queue holds pending sync tasks in FIFO order. Tasks stay in the
// queue until the worker acknowledges them with Remove, so a crash between
// processing and acknowledgment re-runs the task rather than losing it.
package queue
