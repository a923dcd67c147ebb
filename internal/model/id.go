package model

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as a task identifier.
func NewID() string {
	return ulid.Make().String()
}

// WorkerID returns the identifier of the n-th worker slot of a backend.
func WorkerID(backendName string, n int) string {
	return fmt.Sprintf("%s-%d", backendName, n)
}
