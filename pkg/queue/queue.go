package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotFound is returned by Remove when no pending task has the id
var ErrNotFound = errors.New("task not found")

// QueueConnectionError reports a failure of the backing store
type QueueConnectionError struct {
	Op  string
	Err error
}

// Error implements the error interface
func (e *QueueConnectionError) Error() string {
	return fmt.Sprintf("queue %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *QueueConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is or wraps a QueueConnectionError
func IsConnectionError(err error) bool {
	var connErr *QueueConnectionError
	return errors.As(err, &connErr)
}

// Store is the ordered, persistent backing of a Queue. Append and Delete must
// update the list and the id set atomically.
type Store interface {
	Connect(ctx context.Context) error
	Close() error
	Append(ctx context.Context, id string, data []byte) error
	Range(ctx context.Context) ([][]byte, error)
	Delete(ctx context.Context, id string, data []byte) error
	Exists(ctx context.Context, id string) (bool, error)
}

// Queue is a FIFO of tasks backed by a Store. It is safe for concurrent use
// as long as the Store is.
type Queue struct {
	store  Store
	newID  func() string
	logger *zap.Logger
}

// Option configures a Queue
type Option func(*Queue)

// WithLogger sets where discarded entries are reported
func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// New creates a queue on top of store
func New(store Store, opts ...Option) *Queue {
	q := &Queue{store: store, newID: uuid.NewString, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start connects to the backing store
func (q *Queue) Start(ctx context.Context) error {
	if err := q.store.Connect(ctx); err != nil {
		return &QueueConnectionError{Op: "connect", Err: err}
	}
	return nil
}

// Dispose closes the backing store
func (q *Queue) Dispose() error {
	if err := q.store.Close(); err != nil {
		return &QueueConnectionError{Op: "close", Err: err}
	}
	return nil
}

// Push assigns the task a fresh id and appends it to the queue
func (q *Queue) Push(ctx context.Context, task Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", fmt.Errorf("invalid task: %w", err)
	}

	task.ID = q.newID()
	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to encode task: %w", err)
	}

	if err := q.store.Append(ctx, task.ID, data); err != nil {
		return "", &QueueConnectionError{Op: "push", Err: err}
	}
	return task.ID, nil
}

// List returns the pending tasks in queue order without removing them.
// Entries that cannot be decoded are deleted from the store.
func (q *Queue) List(ctx context.Context) ([]Task, error) {
	entries, err := q.list(ctx)
	if err != nil {
		return nil, err
	}

	tasks := make([]Task, 0, len(entries))
	for _, e := range entries {
		tasks = append(tasks, e.task)
	}
	return tasks, nil
}

// Remove acknowledges a task, dropping it from the queue
func (q *Queue) Remove(ctx context.Context, id string) error {
	entries, err := q.list(ctx)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.task.ID != id {
			continue
		}
		if err := q.store.Delete(ctx, id, e.raw); err != nil {
			return &QueueConnectionError{Op: "remove", Err: err}
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Contains reports whether a task with id is still pending
func (q *Queue) Contains(ctx context.Context, id string) (bool, error) {
	ok, err := q.store.Exists(ctx, id)
	if err != nil {
		return false, &QueueConnectionError{Op: "contains", Err: err}
	}
	return ok, nil
}

type entry struct {
	task Task
	raw  []byte
}

func (q *Queue) list(ctx context.Context) ([]entry, error) {
	raw, err := q.store.Range(ctx)
	if err != nil {
		return nil, &QueueConnectionError{Op: "list", Err: err}
	}

	entries := make([]entry, 0, len(raw))
	for _, data := range raw {
		var task Task
		if err := json.Unmarshal(data, &task); err != nil {
			q.discard(ctx, data, err)
			continue
		}
		entries = append(entries, entry{task: task, raw: data})
	}
	return entries, nil
}

// discard deletes an entry no task can be decoded from. Nothing could ever
// run or remove it otherwise.
func (q *Queue) discard(ctx context.Context, data []byte, cause error) {
	// The id survives most decoding failures, such as an unknown kind
	var envelope struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(data, &envelope)

	log := q.logger.With(zap.String("id", envelope.ID), zap.ByteString("entry", data), zap.NamedError("cause", cause))
	if err := q.store.Delete(ctx, envelope.ID, data); err != nil {
		log.Error("Failed to delete undecodable task", zap.Error(err))
		return
	}
	log.Warn("Deleted undecodable task")
}
