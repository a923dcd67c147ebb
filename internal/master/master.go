package master

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dMaggot/pymw/internal/backend"
	"github.com/dMaggot/pymw/internal/codec"
	"github.com/dMaggot/pymw/internal/model"
	"github.com/dMaggot/pymw/internal/store"
)

// Master owns the task registry and dispatches tasks to an execution backend.
type Master struct {
	backend backend.Interface
	codec   codec.Codec
	store   store.Store
	broker  *LogBroker
	logger  *slog.Logger
	wg      sync.WaitGroup

	mu       sync.RWMutex
	tasks    map[string]*model.Task
	order    []string
	shutdown bool
}

// Option configures a Master.
type Option func(*Master)

// WithStore records task history and stderr lines in s.
func WithStore(s store.Store) Option {
	return func(m *Master) { m.store = s }
}

// New creates a master dispatching to b. Results are decoded with the codec
// the backend reports in its capabilities.
func New(b backend.Interface, logger *slog.Logger, opts ...Option) (*Master, error) {
	c, err := codec.ByName(b.Capabilities().Codec)
	if err != nil {
		return nil, fmt.Errorf("backend codec: %w", err)
	}
	m := &Master{
		backend: b,
		codec:   c,
		broker:  NewLogBroker(),
		logger:  logger,
		tasks:   make(map[string]*model.Task),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Broker returns the master's log broker for SSE subscription.
func (m *Master) Broker() *LogBroker {
	return m.broker
}

// Backend returns the execution backend tasks are dispatched to.
func (m *Master) Backend() backend.Interface {
	return m.backend
}

// Store returns the history store, or nil if none is configured.
func (m *Master) Store() store.Store {
	return m.store
}

// Codec returns the codec task outputs are decoded with.
func (m *Master) Codec() codec.Codec {
	return m.codec
}

type submitOptions struct {
	fileInput bool
}

// SubmitOption configures a single submission.
type SubmitOption func(*submitOptions)

// WithFileInput marks the input as file references ([]model.FileRange or
// []string of paths) that the worker reads from disk itself.
func WithFileInput() SubmitOption {
	return func(o *submitOptions) { o.fileInput = true }
}

// Submit registers a new task and starts dispatching it in a goroutine. It
// returns the task ID without waiting for a worker. After Cleanup it returns
// a *model.InterfaceShutdownError.
func (m *Master) Submit(executable string, input any, opts ...SubmitOption) (string, error) {
	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}

	payload, err := model.NewPayload(input, o.fileInput)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}

	task := model.NewTask(executable, payload)
	task.LogWriter = m.logWriter(task.ID)

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return "", &model.InterfaceShutdownError{Op: "submit"}
	}
	m.tasks[task.ID] = task
	m.order = append(m.order, task.ID)
	m.mu.Unlock()

	if m.store != nil {
		rec := task.Record()
		if err := m.store.CreateTask(context.Background(), &rec); err != nil {
			m.logger.Error("failed to record task", "task_id", task.ID, "error", err)
		}
	}

	m.logger.Debug("task submitted", "task_id", task.ID, "executable", executable, "file_input", o.fileInput)

	m.wg.Go(func() {
		m.dispatch(task)
	})

	return task.ID, nil
}

// logWriter persists each stderr line for history, then publishes it to the
// broker for live subscribers.
func (m *Master) logWriter(taskID string) func(string) {
	var seq atomic.Int32
	return func(line string) {
		n := int(seq.Add(1) - 1)
		if m.store != nil {
			if err := m.store.InsertLogLine(context.Background(), taskID, n, line); err != nil {
				m.logger.Error("failed to persist log line", "task_id", taskID, "seq", n, "error", err)
			}
		}
		m.broker.Publish(taskID, line)
	}
}

// dispatch reserves a worker and executes the task on it. The task is
// terminal when dispatch returns.
func (m *Master) dispatch(task *model.Task) {
	defer m.broker.Close(task.ID)
	defer m.record(task)

	w, err := m.backend.ReserveWorker()
	if err != nil {
		if ferr := task.Fail(err); ferr != nil {
			m.logger.Warn("failed to fail task", "task_id", task.ID, "error", ferr)
		}
		m.logger.Debug("task not dispatched", "task_id", task.ID, "error", err)
		return
	}

	m.backend.ExecuteTask(context.Background(), task, w)
}

func (m *Master) record(task *model.Task) {
	if m.store == nil {
		return
	}
	rec := task.Record()
	if err := m.store.UpdateTask(context.Background(), &rec); err != nil {
		m.logger.Error("failed to update task history", "task_id", task.ID, "error", err)
	}
}

func (m *Master) lookup(id string) (*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, &model.UnknownTaskError{ID: id}
	}
	return t, nil
}

// Result blocks until the task is terminal and returns its decoded output or
// the error it failed with. It may be called any number of times. If ctx is
// done first, Result returns ctx.Err() and the task is unaffected.
func (m *Master) Result(ctx context.Context, id string) (any, error) {
	t, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	select {
	case <-t.Done():
		return t.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResultAs is Result with the raw output decoded into T instead of the
// codec's untyped representation.
func ResultAs[T any](ctx context.Context, m *Master, id string) (T, error) {
	var zero T
	if _, err := m.Result(ctx, id); err != nil {
		return zero, err
	}

	t, err := m.lookup(id)
	if err != nil {
		return zero, err
	}

	var out T
	if err := m.codec.Decode(t.Raw(), &out); err != nil {
		return zero, &model.SerializationError{Op: "decode result", Err: err}
	}
	return out, nil
}

// Task returns a snapshot of the task with the given ID.
func (m *Master) Task(id string) (model.TaskRecord, error) {
	t, err := m.lookup(id)
	if err != nil {
		return model.TaskRecord{}, err
	}
	return t.Record(), nil
}

// Tasks returns snapshots of all registered tasks in submission order.
func (m *Master) Tasks() []model.TaskRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.TaskRecord, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tasks[id].Record())
	}
	return out
}

// Clear drops terminal tasks from the registry and returns how many were
// removed. Their results are no longer retrievable.
func (m *Master) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.order[:0]
	removed := 0
	for _, id := range m.order {
		if model.IsTerminal(m.tasks[id].State()) {
			delete(m.tasks, id)
			m.broker.Forget(id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	clear(m.order[len(kept):])
	m.order = kept
	return removed
}

// Wait blocks until every dispatcher goroutine has returned.
func (m *Master) Wait() {
	m.wg.Wait()
}

// Status reports the backend's worker occupancy.
func (m *Master) Status() backend.Status {
	return m.backend.Status()
}

// ShutDown reports whether Cleanup has been called.
func (m *Master) ShutDown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shutdown
}

// Cleanup shuts the backend down, force-killing running workers. Tasks still
// waiting for a worker fail with model.ErrInterfaceShutdown, as do later
// submissions. Cleanup is idempotent.
func (m *Master) Cleanup() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	m.mu.Unlock()

	m.backend.Cleanup()
	m.logger.Info("master shut down")
}
