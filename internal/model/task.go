package model

import (
	"errors"
	"sync"
	"time"
)

// Task state constants.
const (
	StateSubmitted  = "submitted"
	StateDispatched = "dispatched"
	StateFinished   = "finished"
	StateFailed     = "failed"
)

// validTransitions maps each state to the set of states it may transition to.
// A submitted task may fail without being dispatched when no worker can ever
// be reserved for it (the interface was shut down).
var validTransitions = map[string]map[string]bool{
	StateSubmitted: {
		StateDispatched: true,
		StateFailed:     true,
	},
	StateDispatched: {
		StateFinished: true,
		StateFailed:   true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether state is finished or failed.
func IsTerminal(state string) bool {
	return state == StateFinished || state == StateFailed
}

// Task is one unit of submitted work. The identity fields are fixed at
// creation; the lifecycle fields are only changed through Dispatch, Finish
// and Fail, which enforce the state machine.
type Task struct {
	ID         string
	Executable string
	Payload    Payload
	CreatedAt  time.Time

	// LogWriter, if set, receives each line the worker writes to stderr
	// while the task runs.
	LogWriter func(line string)

	mu           sync.Mutex
	state        string
	workerID     string
	output       any
	raw          []byte
	err          error
	dispatchedAt time.Time
	finishedAt   time.Time
	done         chan struct{}
}

// NewTask creates a task in the submitted state with a fresh ID.
func NewTask(executable string, payload Payload) *Task {
	return &Task{
		ID:         NewID(),
		Executable: executable,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
		state:      StateSubmitted,
		done:       make(chan struct{}),
	}
}

// State returns the current state.
func (t *Task) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done returns a channel that is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Dispatch records that the task is now held by the given worker.
func (t *Task) Dispatch(workerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !ValidTransition(t.state, StateDispatched) {
		return ErrInvalidTransition
	}
	t.state = StateDispatched
	t.workerID = workerID
	t.dispatchedAt = time.Now().UTC()
	return nil
}

// Finish moves the task to finished with the decoded output and the raw
// encoded bytes it was decoded from.
func (t *Task) Finish(output any, raw []byte) error {
	return t.terminate(StateFinished, output, raw, nil)
}

// Fail moves the task to failed, carrying err.
func (t *Task) Fail(err error) error {
	if err == nil {
		err = errors.New("task failed")
	}
	return t.terminate(StateFailed, nil, nil, err)
}

func (t *Task) terminate(state string, output any, raw []byte, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !ValidTransition(t.state, state) {
		return ErrInvalidTransition
	}
	t.state = state
	t.output = output
	t.raw = raw
	t.err = err
	t.finishedAt = time.Now().UTC()
	close(t.done)
	return nil
}

// Result returns the output or the carried error. It does not block; before
// the task is terminal it returns a nil value and a nil error.
func (t *Task) Result() (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.output, t.err
}

// Raw returns the encoded output bytes of a finished task.
func (t *Task) Raw() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.raw
}

// Record returns a point-in-time snapshot of the task.
func (t *Task) Record() TaskRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := TaskRecord{
		ID:         t.ID,
		Executable: t.Executable,
		State:      t.state,
		FileInput:  t.Payload != nil && t.Payload.FileInput(),
		WorkerID:   t.workerID,
		Output:     t.raw,
		CreatedAt:  t.CreatedAt,
	}
	if !t.dispatchedAt.IsZero() {
		d := t.dispatchedAt
		rec.DispatchedAt = &d
	}
	if !t.finishedAt.IsZero() {
		f := t.finishedAt
		rec.FinishedAt = &f
		start := t.CreatedAt
		if !t.dispatchedAt.IsZero() {
			start = t.dispatchedAt
		}
		dur := int(f.Sub(start).Milliseconds())
		rec.DurationMS = &dur
	}
	if t.err != nil {
		rec.Error = t.err.Error()
		var execErr *ExecutionError
		if errors.As(t.err, &execErr) {
			code := execErr.ExitCode
			rec.ExitCode = &code
		}
	} else if t.state == StateFinished {
		code := 0
		rec.ExitCode = &code
	}
	return rec
}

// TaskRecord is a serializable snapshot of a task, used by the history store
// and the HTTP API.
type TaskRecord struct {
	ID           string     `json:"id"`
	Executable   string     `json:"executable"`
	State        string     `json:"state"`
	FileInput    bool       `json:"file_input"`
	WorkerID     string     `json:"worker_id,omitempty"`
	Output       []byte     `json:"output,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	Error        string     `json:"error,omitempty"`
	DurationMS   *int       `json:"duration_ms,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// LogLine represents a single persisted stderr line from a task execution.
type LogLine struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}
