package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dMaggot/pymw/internal/codec"
	"github.com/dMaggot/pymw/internal/model"
	"github.com/dMaggot/pymw/internal/pool"
)

// Outcome is what a worker produced for one task, before decoding.
type Outcome struct {
	ExitCode int
	Output   []byte
	Stderr   string
}

// RunFunc executes one task whose input has already been encoded. A returned
// error means the worker could not be started or reached; a worker that ran
// and failed is reported through Outcome.ExitCode.
type RunFunc func(ctx context.Context, input []byte) (Outcome, error)

// Base holds the worker pool and codec of a backend and implements the parts
// of Interface that do not depend on how workers execute. Concrete backends
// embed it and supply a RunFunc to Execute.
type Base struct {
	name   string
	pool   *pool.Pool
	codec  codec.Codec
	logger *slog.Logger
}

// NewBase creates a Base whose pool holds the given workers.
func NewBase(name string, workers []*pool.Worker, c codec.Codec, logger *slog.Logger) *Base {
	return &Base{
		name:   name,
		pool:   pool.New(workers, logger),
		codec:  c,
		logger: logger.With("backend", name),
	}
}

// Name returns the backend name used in logs and metrics.
func (b *Base) Name() string { return b.name }

// Codec returns the codec tasks are encoded with.
func (b *Base) Codec() codec.Codec { return b.codec }

// Logger returns the backend's logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// Pool returns the backend's worker pool.
func (b *Base) Pool() *pool.Pool { return b.pool }

// ReserveWorker blocks until a worker is idle.
func (b *Base) ReserveWorker() (*pool.Worker, error) {
	start := time.Now()
	w, err := b.pool.Acquire()
	workerAcquireDuration.WithLabelValues(b.name).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, pool.ErrPoolClosed) {
			return nil, &model.InterfaceShutdownError{Op: "reserve worker", Err: err}
		}
		return nil, err
	}
	b.observeActive()
	return w, nil
}

// Status reports occupancy. After Cleanup no worker counts as active.
func (b *Base) Status() Status {
	st := Status{TotalWorkers: b.pool.Size()}
	if !b.pool.Closed() {
		st.ActiveWorkers = st.TotalWorkers - b.pool.Idle()
	}
	return st
}

func (b *Base) observeActive() {
	activeWorkers.WithLabelValues(b.name).Set(float64(b.Status().ActiveWorkers))
}

// Cleanup closes the pool, killing every live handle.
func (b *Base) Cleanup() {
	b.pool.Close()
	b.observeActive()
	b.logger.Info("backend cleaned up", "workers", b.pool.Size())
}

// Execute dispatches task onto w, runs it through run and finalizes the task
// from the outcome. The worker is released on every path, including a panic
// in the codec or in run, which fails the task with a SerializationError.
func (b *Base) Execute(ctx context.Context, task *model.Task, w *pool.Worker, run RunFunc) {
	start := time.Now()
	var (
		output any
		raw    []byte
		err    error
	)

	defer func() {
		if r := recover(); r != nil {
			err = &model.SerializationError{Op: "execute task", Err: fmt.Errorf("panic: %v", r)}
		}
		b.finalize(task, w, start, output, raw, err)
	}()

	if err = task.Dispatch(w.ID); err != nil {
		return
	}
	b.logger.Debug("task dispatched", "task_id", task.ID, "worker_id", w.ID)

	input, encErr := b.codec.Encode(task.Payload.Value())
	if encErr != nil {
		err = &model.SerializationError{Op: "encode input", Err: encErr}
		return
	}

	out, runErr := run(ctx, input)
	if runErr != nil {
		err = runErr
		return
	}
	output, raw, err = b.decode(out)
}

// decode maps an outcome into the task result: exit code 0 decodes the
// output, anything else is an ExecutionError carrying stderr unmodified.
func (b *Base) decode(out Outcome) (any, []byte, error) {
	if out.ExitCode != 0 {
		return nil, nil, &model.ExecutionError{ExitCode: out.ExitCode, Stderr: out.Stderr}
	}
	if len(out.Output) == 0 {
		return nil, nil, &model.SerializationError{Op: "decode output", Err: errors.New("worker produced no output")}
	}
	var v any
	if err := b.codec.Decode(out.Output, &v); err != nil {
		return nil, nil, &model.SerializationError{Op: "decode output", Err: err}
	}
	return v, out.Output, nil
}

func (b *Base) finalize(task *model.Task, w *pool.Worker, start time.Time, output any, raw []byte, err error) {
	defer func() {
		w.Detach()
		b.pool.Release(w)
		b.observeActive()
	}()

	elapsed := time.Since(start)
	taskDuration.WithLabelValues(b.name).Observe(elapsed.Seconds())

	if err != nil {
		if ferr := task.Fail(err); ferr != nil {
			b.logger.Warn("task already finalized", "task_id", task.ID, "error", err)
			return
		}
		tasksTotal.WithLabelValues(b.name, statusFailed).Inc()
		b.logger.Info("task failed",
			"task_id", task.ID,
			"worker_id", w.ID,
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return
	}

	if ferr := task.Finish(output, raw); ferr != nil {
		b.logger.Warn("task already finalized", "task_id", task.ID)
		return
	}
	tasksTotal.WithLabelValues(b.name, statusFinished).Inc()
	b.logger.Info("task finished",
		"task_id", task.ID,
		"worker_id", w.ID,
		"duration_ms", elapsed.Milliseconds(),
	)
}
