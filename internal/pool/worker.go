package pool

import "sync"

// Worker state constants.
const (
	StateIdle   = "idle"
	StateBusy   = "busy"
	StateKilled = "killed"
)

// Handle is a live execution channel of a worker: a running process or an
// open connection to a remote rank. Kill terminates it forcefully and must be
// safe to call after the execution has already ended.
type Handle interface {
	Kill() error
}

// Worker is one execution slot. Its handle exists only while a task runs on it.
type Worker struct {
	ID string

	// Target is backend-specific addressing, such as a rank address.
	Target string

	mu     sync.Mutex
	state  string
	handle Handle
}

// NewWorker creates an idle worker with no handle.
func NewWorker(id, target string) *Worker {
	return &Worker{ID: id, Target: target, state: StateIdle}
}

// State returns the worker's current state.
func (w *Worker) State() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

// Attach sets the live handle for the current execution. If the worker was
// killed in the meantime the handle is killed immediately and Attach reports
// false.
func (w *Worker) Attach(h Handle) bool {
	w.mu.Lock()
	if w.state == StateKilled {
		w.mu.Unlock()
		_ = h.Kill()
		return false
	}
	w.handle = h
	w.mu.Unlock()
	return true
}

// Detach clears the live handle after the execution ended.
func (w *Worker) Detach() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handle = nil
}

// HasHandle reports whether an execution is currently attached.
func (w *Worker) HasHandle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handle != nil
}

// Kill forcefully terminates the attached execution, if any. It is a no-op
// on a worker without a handle.
func (w *Worker) Kill() error {
	w.mu.Lock()
	h := w.handle
	w.mu.Unlock()

	if h == nil {
		return nil
	}
	return h.Kill()
}
