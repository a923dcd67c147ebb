package backend

import (
	"context"
	"fmt"

	"github.com/dMaggot/pymw/internal/codec"
	"github.com/dMaggot/pymw/internal/model"
	"github.com/dMaggot/pymw/internal/pool"
)

// Interface is implemented by every execution backend. The master only talks
// to this interface, so dispatch does not change with the execution mechanism.
type Interface interface {
	// ReserveWorker blocks until a worker is idle and returns it. After
	// Cleanup it returns a *model.InterfaceShutdownError.
	ReserveWorker() (*pool.Worker, error)

	// ExecuteTask runs the task on the reserved worker. It always leaves the
	// task in a terminal state and returns the worker to the pool.
	ExecuteTask(ctx context.Context, task *model.Task, w *pool.Worker)

	// Status reports the pool size and how many workers are busy.
	Status() Status

	// Cleanup force-kills every live worker handle. It never fails.
	Cleanup()

	// Capabilities describes the backend for listing.
	Capabilities() Capabilities
}

// Status is the worker occupancy of a backend.
type Status struct {
	TotalWorkers  int `json:"total_workers"`
	ActiveWorkers int `json:"active_workers"`
}

// Capabilities describes a configured backend.
type Capabilities struct {
	Name          string   `json:"name"`
	WorkerCount   int      `json:"worker_count"`
	Codec         string   `json:"codec"`
	InputDelivery string   `json:"input_delivery"`
	Ranks         []string `json:"ranks,omitempty"`
}

// Input delivery modes.
const (
	// InputStdin writes the encoded input to the worker's stdin.
	InputStdin = "stdin"
	// InputFile writes the encoded input to the inputRef file only.
	InputFile = "file"
)

// Config is the construction-time configuration of a backend. It is not
// changed after the backend is created.
type Config struct {
	WorkerCount int

	// LauncherPath is the interpreter that runs task executables. Empty runs
	// executables directly.
	LauncherPath string

	// RankAddrs lists the rank agent addresses of the cluster backend.
	RankAddrs []string

	// Codec serializes task inputs and outputs. Nil selects the default codec.
	Codec codec.Codec

	// WorkDir holds per-task scratch directories. Empty uses a temporary
	// directory owned by the backend.
	WorkDir string

	InputDelivery string
}

// WithDefaults returns a copy of c with unset optional fields filled in.
func (c Config) WithDefaults() Config {
	if c.Codec == nil {
		c.Codec, _ = codec.ByName(codec.Default)
	}
	if c.InputDelivery == "" {
		c.InputDelivery = InputStdin
	}
	return c
}

// Validate checks the fields every backend depends on.
func (c Config) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", c.WorkerCount)
	}
	switch c.InputDelivery {
	case "", InputStdin, InputFile:
	default:
		return fmt.Errorf("invalid input delivery %q: must be %q or %q", c.InputDelivery, InputStdin, InputFile)
	}
	return nil
}
