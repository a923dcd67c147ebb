// Package local implements the execution backend that runs each task as a
// subprocess on this machine.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dMaggot/pymw/internal/backend"
	"github.com/dMaggot/pymw/internal/model"
	"github.com/dMaggot/pymw/internal/pool"
	"github.com/dMaggot/pymw/internal/proc"
	"github.com/dMaggot/pymw/internal/taskio"
)

// Name is the registry name of the local backend.
const Name = "local"

// Scratch file names inside a task's work directory.
const (
	inputFile  = "input"
	outputFile = "output"
)

// Backend runs tasks as local processes, one per worker at a time.
type Backend struct {
	*backend.Base
	cfg         backend.Config
	ownsWorkDir bool
}

// Compile-time interface check.
var _ backend.Interface = (*Backend)(nil)

// New creates a local backend with cfg.WorkerCount workers.
func New(cfg backend.Config, logger *slog.Logger) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()

	owns := false
	if cfg.WorkDir == "" {
		dir, err := os.MkdirTemp("", "pymw-")
		if err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
		cfg.WorkDir = dir
		owns = true
	} else if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	workers := make([]*pool.Worker, cfg.WorkerCount)
	for i := range workers {
		workers[i] = pool.NewWorker(model.WorkerID(Name, i), "")
	}

	b := &Backend{
		Base:        backend.NewBase(Name, workers, cfg.Codec, logger),
		cfg:         cfg,
		ownsWorkDir: owns,
	}
	b.Logger().Info("local backend ready",
		"workers", cfg.WorkerCount,
		"launcher", cfg.LauncherPath,
		"codec", cfg.Codec.Name(),
		"work_dir", cfg.WorkDir,
	)
	return b, nil
}

// Factory adapts New to backend.Factory.
func Factory(cfg backend.Config, logger *slog.Logger) (backend.Interface, error) {
	return New(cfg, logger)
}

// ExecuteTask runs the task's executable on w.
func (b *Backend) ExecuteTask(ctx context.Context, task *model.Task, w *pool.Worker) {
	b.Execute(ctx, task, w, func(_ context.Context, input []byte) (backend.Outcome, error) {
		return b.run(task, w, input)
	})
}

// run launches `launcher executable inputRef outputRef` inside the task's
// scratch directory and waits for it to exit.
func (b *Backend) run(task *model.Task, w *pool.Worker, input []byte) (backend.Outcome, error) {
	dir := filepath.Join(b.cfg.WorkDir, task.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return backend.Outcome{}, &model.LaunchError{Executable: task.Executable, Err: fmt.Errorf("create scratch dir: %w", err)}
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			b.Logger().Warn("remove scratch dir failed", "task_id", task.ID, "error", err)
		}
	}()

	inputRef := filepath.Join(dir, inputFile)
	outputRef := filepath.Join(dir, outputFile)
	if err := os.WriteFile(inputRef, input, 0o644); err != nil {
		return backend.Outcome{}, &model.LaunchError{Executable: task.Executable, Err: fmt.Errorf("write input: %w", err)}
	}

	cmd := proc.Command{
		Launcher:   b.cfg.LauncherPath,
		Executable: task.Executable,
		InputRef:   inputRef,
		OutputRef:  outputRef,
		Env:        append(os.Environ(), taskio.Env(b.Codec().Name(), task.Payload.FileInput())...),
		StderrLine: task.LogWriter,
	}
	if b.cfg.InputDelivery == backend.InputStdin {
		cmd.Stdin = input
	}

	p, err := proc.Start(cmd)
	if err != nil {
		return backend.Outcome{}, &model.LaunchError{Executable: task.Executable, Err: err}
	}
	// A worker killed between reservation and start kills p right here; Wait
	// then reports the signal exit.
	w.Attach(p)
	defer w.Detach()

	b.Logger().Debug("worker process started", "task_id", task.ID, "worker_id", w.ID, "pid", p.Pid())

	res, err := p.Wait()
	if err != nil {
		return backend.Outcome{}, &model.LaunchError{Executable: task.Executable, Err: err}
	}

	out := backend.Outcome{ExitCode: res.ExitCode, Output: res.Stdout, Stderr: res.Stderr}
	if out.ExitCode == 0 && len(out.Output) == 0 {
		data, err := os.ReadFile(outputRef)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return backend.Outcome{}, &model.SerializationError{Op: "read output file", Err: err}
		}
		out.Output = data
	}
	return out, nil
}

// Cleanup kills every running worker process and removes the work
// directory if the backend created it.
func (b *Backend) Cleanup() {
	b.Base.Cleanup()
	if !b.ownsWorkDir {
		return
	}
	if err := os.RemoveAll(b.cfg.WorkDir); err != nil {
		b.Logger().Warn("remove work dir failed", "work_dir", b.cfg.WorkDir, "error", err)
	}
}

// Capabilities describes the configured backend.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:          Name,
		WorkerCount:   b.Pool().Size(),
		Codec:         b.Codec().Name(),
		InputDelivery: b.cfg.InputDelivery,
	}
}
