// Package store keeps a history of executed tasks and their stderr lines in
// SQLite. It is a record for inspection only: tasks are never re-dispatched
// from it after a restart.
package store

import (
	"context"
	"errors"

	"github.com/dMaggot/pymw/internal/model"
)

// ErrNotFound is returned when a task is not in the store.
var ErrNotFound = errors.New("task not found")

// ErrInvalidTransition is returned when an update would move a task's state
// backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid state transition")

// TaskStats holds aggregate execution statistics.
type TaskStats struct {
	Total             int            `json:"total"`
	CountByState      map[string]int `json:"count_by_state"`
	CountByExecutable map[string]int `json:"count_by_executable"`
	AvgDurationMS     float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for task history.
type Store interface {
	CreateTask(ctx context.Context, rec *model.TaskRecord) error
	GetTask(ctx context.Context, id string) (*model.TaskRecord, error)
	ListTasks(ctx context.Context, limit, offset int) ([]*model.TaskRecord, int, error)
	UpdateTask(ctx context.Context, rec *model.TaskRecord) error
	GetTaskStats(ctx context.Context) (*TaskStats, error)
	InsertLogLine(ctx context.Context, taskID string, seq int, line string) error
	GetLogLines(ctx context.Context, taskID string) ([]model.LogLine, error)
	Close() error
}

// stateRank orders task states along the lifecycle.
var stateRank = map[string]int{
	model.StateSubmitted:  0,
	model.StateDispatched: 1,
	model.StateFinished:   2,
	model.StateFailed:     2,
}

// forward reports whether a stored task may move from one state to another.
// Intermediate states may be skipped, since the history is written from
// snapshots.
func forward(from, to string) bool {
	if from == to {
		return !model.IsTerminal(from)
	}
	if model.IsTerminal(from) {
		return false
	}
	rf, ok1 := stateRank[from]
	rt, ok2 := stateRank[to]
	return ok1 && ok2 && rt > rf
}
