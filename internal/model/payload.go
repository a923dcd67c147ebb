package model

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
)

func init() {
	gob.Register([]FileRange{})
}

// Payload is the input of a task. It is either an InlinePayload, delivered
// whole through the IPC channel, or a FileRangePayload, which only carries
// references to data on disk.
type Payload interface {
	// Value returns the value that is serialized and sent to the worker.
	Value() any
	// FileInput reports whether the worker should read its data from disk.
	FileInput() bool
}

// InlinePayload carries the task input itself.
type InlinePayload struct {
	Data any
}

func (p InlinePayload) Value() any      { return p.Data }
func (p InlinePayload) FileInput() bool { return false }

// FileRange is a byte range [Start, End) of the file at Path.
type FileRange struct {
	Path  string
	Start int64
	End   int64
}

// MarshalJSON encodes the range as a [path, start, end] triple.
func (r FileRange) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.Path, r.Start, r.End})
}

// UnmarshalJSON decodes a [path, start, end] triple.
func (r *FileRange) UnmarshalJSON(data []byte) error {
	var triple []json.RawMessage
	if err := json.Unmarshal(data, &triple); err != nil {
		return err
	}
	if len(triple) != 3 {
		return fmt.Errorf("file range: want 3 elements, got %d", len(triple))
	}
	if err := json.Unmarshal(triple[0], &r.Path); err != nil {
		return fmt.Errorf("file range path: %w", err)
	}
	if err := json.Unmarshal(triple[1], &r.Start); err != nil {
		return fmt.Errorf("file range start: %w", err)
	}
	if err := json.Unmarshal(triple[2], &r.End); err != nil {
		return fmt.Errorf("file range end: %w", err)
	}
	return nil
}

// Len returns the number of bytes covered by the range.
func (r FileRange) Len() int64 {
	return r.End - r.Start
}

// FileRangePayload references input data on disk, either as byte ranges or
// as whole files. Exactly one of Ranges and Paths is set.
type FileRangePayload struct {
	Ranges []FileRange
	Paths  []string
}

func (p FileRangePayload) Value() any {
	if p.Ranges != nil {
		return p.Ranges
	}
	return p.Paths
}

func (p FileRangePayload) FileInput() bool { return true }

// NewPayload resolves a submitted input into its payload variant. With
// fileInput set, input must be a []FileRange or a []string of whole-file paths.
func NewPayload(input any, fileInput bool) (Payload, error) {
	if !fileInput {
		return InlinePayload{Data: input}, nil
	}

	switch v := input.(type) {
	case []FileRange:
		for i, r := range v {
			if r.Path == "" {
				return nil, fmt.Errorf("file range %d: empty path", i)
			}
			if r.Start < 0 || r.End < r.Start {
				return nil, fmt.Errorf("file range %d: invalid bounds [%d, %d)", i, r.Start, r.End)
			}
		}
		return FileRangePayload{Ranges: v}, nil
	case []string:
		return FileRangePayload{Paths: v}, nil
	default:
		return nil, fmt.Errorf("file input requires []FileRange or []string, got %T", input)
	}
}
