// Package cluster implements the execution backend whose workers are remote
// rank agents reached over TCP. Worker i is bound to rank i modulo the
// number of configured ranks, so several workers may share one rank.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/dMaggot/pymw/internal/backend"
	"github.com/dMaggot/pymw/internal/model"
	"github.com/dMaggot/pymw/internal/pool"
	"github.com/dMaggot/pymw/internal/protocol"
)

// Name is the registry name of the cluster backend.
const Name = "cluster"

// Backend dispatches tasks to rank agents.
type Backend struct {
	*backend.Base
	cfg backend.Config
}

// Compile-time interface check.
var _ backend.Interface = (*Backend)(nil)

// New creates a cluster backend with cfg.WorkerCount workers spread over
// cfg.RankAddrs.
func New(cfg backend.Config, logger *slog.Logger) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.RankAddrs) == 0 {
		return nil, errors.New("cluster backend requires at least one rank address")
	}
	cfg = cfg.WithDefaults()

	workers := make([]*pool.Worker, cfg.WorkerCount)
	for i := range workers {
		workers[i] = pool.NewWorker(model.WorkerID(Name, i), cfg.RankAddrs[i%len(cfg.RankAddrs)])
	}

	b := &Backend{
		Base: backend.NewBase(Name, workers, cfg.Codec, logger),
		cfg:  cfg,
	}
	b.Logger().Info("cluster backend ready",
		"workers", cfg.WorkerCount,
		"ranks", len(cfg.RankAddrs),
		"codec", cfg.Codec.Name(),
	)
	return b, nil
}

// Factory adapts New to backend.Factory.
func Factory(cfg backend.Config, logger *slog.Logger) (backend.Interface, error) {
	return New(cfg, logger)
}

// ExecuteTask sends the task to the rank bound to w.
func (b *Backend) ExecuteTask(ctx context.Context, task *model.Task, w *pool.Worker) {
	b.Execute(ctx, task, w, func(ctx context.Context, input []byte) (backend.Outcome, error) {
		return b.run(ctx, task, w, input)
	})
}

func (b *Backend) run(ctx context.Context, task *model.Task, w *pool.Worker, input []byte) (backend.Outcome, error) {
	rc, err := DialRank(ctx, w.Target)
	if err != nil {
		return backend.Outcome{}, &model.LaunchError{Executable: task.Executable, Err: err}
	}
	defer rc.Close()

	if !w.Attach(rc) {
		return backend.Outcome{ExitCode: -1, Stderr: "worker killed before the task started"}, nil
	}
	defer w.Detach()

	resp, err := rc.Run(protocol.RankRequest{
		TaskID:     task.ID,
		Launcher:   b.cfg.LauncherPath,
		Executable: task.Executable,
		Codec:      b.Codec().Name(),
		Input:      input,
		InputFile:  b.cfg.InputDelivery == backend.InputFile,
		FileInput:  task.Payload.FileInput(),
	}, task.LogWriter)
	if err != nil {
		if errors.Is(err, protocol.ErrMessageTooLarge) {
			return backend.Outcome{}, &model.SerializationError{Op: "encode request", Err: err}
		}
		if rc.Killed() {
			return backend.Outcome{ExitCode: -1, Stderr: "worker killed"}, nil
		}
		// The rank may already have run the worker.
		return backend.Outcome{ExitCode: -1, Stderr: fmt.Sprintf("lost connection to rank %s: %v", w.Target, err)}, nil
	}
	if resp.Error != "" {
		return backend.Outcome{}, &model.LaunchError{Executable: task.Executable, Err: errors.New(resp.Error)}
	}
	return backend.Outcome{ExitCode: resp.ExitCode, Output: resp.Output, Stderr: resp.Stderr}, nil
}

// Verify pings every configured rank concurrently and returns the first
// failure.
func (b *Backend) Verify(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, addr := range b.ranks() {
		g.Go(func() error {
			rc, err := DialRank(ctx, addr)
			if err != nil {
				return err
			}
			defer rc.Close()
			if err := rc.Ping(); err != nil {
				return fmt.Errorf("rank %s: %w", addr, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ranks returns the distinct rank addresses in configuration order.
func (b *Backend) ranks() []string {
	var out []string
	for _, addr := range b.cfg.RankAddrs {
		if !slices.Contains(out, addr) {
			out = append(out, addr)
		}
	}
	return out
}

// Capabilities describes the configured backend.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:          Name,
		WorkerCount:   b.Pool().Size(),
		Codec:         b.Codec().Name(),
		InputDelivery: b.cfg.InputDelivery,
		Ranks:         b.ranks(),
	}
}
