package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dMaggot/pymw/internal/codec"
	"github.com/dMaggot/pymw/internal/model"
	"github.com/dMaggot/pymw/internal/pool"
)

func newTestBase(t *testing.T, name string, n int) *Base {
	t.Helper()
	workers := make([]*pool.Worker, n)
	for i := range workers {
		workers[i] = pool.NewWorker(model.WorkerID(name, i), "")
	}
	return NewBase(name, workers, codec.JSON{}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func newTestTask(t *testing.T, input any) *model.Task {
	t.Helper()
	p, err := model.NewPayload(input, false)
	require.NoError(t, err)
	return model.NewTask("worker.py", p)
}

// runTask reserves a worker and executes task through run.
func runTask(t *testing.T, b *Base, task *model.Task, run RunFunc) {
	t.Helper()
	w, err := b.ReserveWorker()
	require.NoError(t, err)
	b.Execute(context.Background(), task, w, run)
}

func TestExecuteFinishesOnExitZero(t *testing.T) {
	b := newTestBase(t, "test-ok", 1)
	task := newTestTask(t, map[string]int{"x": 2})

	var gotInput []byte
	runTask(t, b, task, func(_ context.Context, input []byte) (Outcome, error) {
		gotInput = input
		assert.Equal(t, 1, b.Status().ActiveWorkers)
		return Outcome{ExitCode: 0, Output: []byte(`{"y":4}`)}, nil
	})

	assert.JSONEq(t, `{"x":2}`, string(gotInput))
	assert.Equal(t, model.StateFinished, task.State())
	out, err := task.Result()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"y": float64(4)}, out)
	assert.Equal(t, `{"y":4}`, string(task.Raw()))

	assert.Equal(t, Status{TotalWorkers: 1, ActiveWorkers: 0}, b.Status())
}

func TestExecuteNonzeroExitIsExecutionError(t *testing.T) {
	b := newTestBase(t, "test-fail", 1)
	task := newTestTask(t, 1)

	runTask(t, b, task, func(context.Context, []byte) (Outcome, error) {
		return Outcome{ExitCode: 2, Stderr: "boom\n"}, nil
	})

	assert.Equal(t, model.StateFailed, task.State())
	_, err := task.Result()
	var execErr *model.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 2, execErr.ExitCode)
	assert.Equal(t, "boom\n", execErr.Stderr)
	assert.Equal(t, 1, b.Pool().Idle())
}

func TestExecuteRunErrorPropagates(t *testing.T) {
	b := newTestBase(t, "test-launch", 1)
	task := newTestTask(t, 1)
	launchErr := &model.LaunchError{Executable: "worker.py", Err: errors.New("no such file")}

	runTask(t, b, task, func(context.Context, []byte) (Outcome, error) {
		return Outcome{}, launchErr
	})

	_, err := task.Result()
	var got *model.LaunchError
	require.ErrorAs(t, err, &got)
	assert.Same(t, launchErr, got)
}

func TestExecuteBadOutputIsSerializationError(t *testing.T) {
	tests := []struct {
		name   string
		output []byte
	}{
		{"empty", nil},
		{"garbage", []byte("{not json")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBase(t, "test-decode-"+tc.name, 1)
			task := newTestTask(t, 1)

			runTask(t, b, task, func(context.Context, []byte) (Outcome, error) {
				return Outcome{Output: tc.output}, nil
			})

			_, err := task.Result()
			var serErr *model.SerializationError
			require.ErrorAs(t, err, &serErr)
			assert.Equal(t, "decode output", serErr.Op)
		})
	}
}

func TestExecuteUnencodableInput(t *testing.T) {
	b := newTestBase(t, "test-encode", 1)
	task := newTestTask(t, func() {})

	called := false
	runTask(t, b, task, func(context.Context, []byte) (Outcome, error) {
		called = true
		return Outcome{}, nil
	})

	assert.False(t, called, "run must not be called when the input cannot be encoded")
	_, err := task.Result()
	var serErr *model.SerializationError
	require.ErrorAs(t, err, &serErr)
	assert.Equal(t, "encode input", serErr.Op)
	assert.Equal(t, 1, b.Pool().Idle())
}

func TestExecutePanicReleasesWorker(t *testing.T) {
	b := newTestBase(t, "test-panic", 1)
	task := newTestTask(t, 1)

	runTask(t, b, task, func(context.Context, []byte) (Outcome, error) {
		panic("codec exploded")
	})

	assert.Equal(t, model.StateFailed, task.State())
	_, err := task.Result()
	var serErr *model.SerializationError
	require.ErrorAs(t, err, &serErr)
	assert.Contains(t, err.Error(), "codec exploded")

	w, err := b.ReserveWorker()
	require.NoError(t, err, "worker must be back in the pool after a panic")
	assert.False(t, w.HasHandle())
}

func TestReserveWorkerAfterCleanup(t *testing.T) {
	b := newTestBase(t, "test-cleanup", 2)
	b.Cleanup()
	b.Cleanup()

	_, err := b.ReserveWorker()
	assert.ErrorIs(t, err, model.ErrInterfaceShutdown)
	assert.ErrorIs(t, err, pool.ErrPoolClosed)
	assert.Equal(t, Status{TotalWorkers: 2, ActiveWorkers: 0}, b.Status())
}

func TestStatusCountsBusyWorkers(t *testing.T) {
	b := newTestBase(t, "test-status", 3)
	_, err := b.ReserveWorker()
	require.NoError(t, err)
	_, err = b.ReserveWorker()
	require.NoError(t, err)

	assert.Equal(t, Status{TotalWorkers: 3, ActiveWorkers: 2}, b.Status())
	assert.Equal(t, float64(2), gaugeValue(t, "pymw_active_workers", "test-status"))

	b.Cleanup()
	assert.Equal(t, Status{TotalWorkers: 3, ActiveWorkers: 0}, b.Status())
	assert.Equal(t, float64(0), gaugeValue(t, "pymw_active_workers", "test-status"))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{WorkerCount: 1}, false},
		{"file delivery", Config{WorkerCount: 4, InputDelivery: InputFile}, false},
		{"zero workers", Config{WorkerCount: 0}, true},
		{"bad delivery", Config{WorkerCount: 1, InputDelivery: "socket"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{WorkerCount: 1}.WithDefaults()
	require.NotNil(t, cfg.Codec)
	assert.Equal(t, codec.Default, cfg.Codec.Name())
	assert.Equal(t, InputStdin, cfg.InputDelivery)

	gob := Config{WorkerCount: 1, Codec: codec.Gob{}, InputDelivery: InputFile}.WithDefaults()
	assert.Equal(t, codec.NameGob, gob.Codec.Name())
	assert.Equal(t, InputFile, gob.InputDelivery)
}

func gaugeValue(t *testing.T, name, backendName string) float64 {
	t.Helper()
	for _, m := range metricsFor(t, name, backendName) {
		if m.GetGauge() != nil {
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("gauge %q{backend=%q} not found", name, backendName)
	return 0
}

func metricsFor(t *testing.T, name, backendName string) []*dto.Metric {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var out []*dto.Metric
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "backend" && lp.GetValue() == backendName {
					out = append(out, m)
				}
			}
		}
	}
	return out
}
