// Package protocol defines the wire format spoken between the master and
// rank agents over a stream connection.
//
// Every message is a length-prefixed JSON header frame. Task payloads are not
// part of the header: a run request is followed by the input blob, and a
// result message by the output and stderr blobs. A blob is a sequence of
// length-prefixed raw chunks terminated by a zero-length chunk, so payload
// size is unbounded.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed header frame (16 MiB).
const MaxMessageSize = 16 << 20

// ChunkSize is the largest chunk a blob is split into.
const ChunkSize = 1 << 20

// ErrMessageTooLarge is returned when a header frame exceeds MaxMessageSize.
var ErrMessageTooLarge = errors.New("message exceeds maximum frame size")

// Master→rank request types.
const (
	ReqTypeRun  = "run"
	ReqTypePing = "ping"
)

// Rank→master message types.
const (
	MsgTypeLog    = "log"
	MsgTypeResult = "result"
	MsgTypePong   = "pong"
)

// RankRequest is sent from the master to a rank agent. A run request
// carries one task; a ping request only asks the rank to answer with pong.
type RankRequest struct {
	Type       string `json:"type"`
	TaskID     string `json:"task_id,omitempty"`
	Launcher   string `json:"launcher,omitempty"`
	Executable string `json:"executable,omitempty"`

	// Codec names the codec Input is encoded with. It is passed on to the
	// worker process.
	Codec string `json:"codec,omitempty"`

	// Input is the encoded task input, written to the worker's stdin. It
	// travels as a blob after the header.
	Input []byte `json:"-"`

	// InputFile asks the rank to write Input to the input file only and
	// leave stdin empty.
	InputFile bool `json:"input_file,omitempty"`

	// FileInput tells the worker its input is a list of file paths or
	// ranges to read rather than the task value itself.
	FileInput bool `json:"file_input,omitempty"`
}

// RankResponse is the outcome of one run request.
type RankResponse struct {
	ExitCode int `json:"exit_code"`

	// Output and Stderr travel as blobs after the result header.
	Output []byte `json:"-"`
	Stderr string `json:"-"`

	// Error is set when the worker process could not be started at all.
	Error string `json:"error,omitempty"`
}

// RankMessage is the envelope for all rank→master messages. While a task
// runs the rank sends one log message per stderr line, then exactly one
// result message.
type RankMessage struct {
	Type     string        `json:"type"`
	Line     string        `json:"line,omitempty"`
	Response *RankResponse `json:"response,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}

// WriteBlob writes data as chunks of at most ChunkSize bytes followed by an
// empty terminating chunk.
func WriteBlob(w io.Writer, data []byte) error {
	var prefix [4]byte
	for len(data) > 0 {
		n := min(len(data), ChunkSize)
		binary.BigEndian.PutUint32(prefix[:], uint32(n))
		if _, err := w.Write(prefix[:]); err != nil {
			return fmt.Errorf("write chunk prefix: %w", err)
		}
		if _, err := w.Write(data[:n]); err != nil {
			return fmt.Errorf("write chunk: %w", err)
		}
		data = data[n:]
	}
	binary.BigEndian.PutUint32(prefix[:], 0)
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write blob terminator: %w", err)
	}
	return nil
}

// ReadBlob reads a blob written by WriteBlob. An empty blob is returned as nil.
func ReadBlob(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("read chunk prefix: %w", err)
		}
		if n == 0 {
			return buf.Bytes(), nil
		}
		if n > ChunkSize {
			return nil, fmt.Errorf("chunk size %d exceeds maximum %d", n, ChunkSize)
		}
		if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
			return nil, fmt.Errorf("read chunk: %w", err)
		}
	}
}

// WriteRequest writes a request header followed by its input blob.
func WriteRequest(w io.Writer, req *RankRequest) error {
	if err := WriteMessage(w, req); err != nil {
		return err
	}
	return WriteBlob(w, req.Input)
}

// ReadRequest reads a request header and its input blob.
func ReadRequest(r io.Reader, req *RankRequest) error {
	if err := ReadMessage(r, req); err != nil {
		return err
	}
	input, err := ReadBlob(r)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	req.Input = input
	return nil
}

// WriteResult writes a result message followed by the output and stderr
// blobs.
func WriteResult(w io.Writer, resp RankResponse) error {
	if err := WriteMessage(w, RankMessage{Type: MsgTypeResult, Response: &resp}); err != nil {
		return err
	}
	if err := WriteBlob(w, resp.Output); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if err := WriteBlob(w, []byte(resp.Stderr)); err != nil {
		return fmt.Errorf("write stderr: %w", err)
	}
	return nil
}

// ReadRankMessage reads one rank message. For a result message carrying a
// response, the output and stderr blobs are read into it.
func ReadRankMessage(r io.Reader, msg *RankMessage) error {
	if err := ReadMessage(r, msg); err != nil {
		return err
	}
	if msg.Type != MsgTypeResult || msg.Response == nil {
		return nil
	}
	output, err := ReadBlob(r)
	if err != nil {
		return fmt.Errorf("read output: %w", err)
	}
	stderr, err := ReadBlob(r)
	if err != nil {
		return fmt.Errorf("read stderr: %w", err)
	}
	msg.Response.Output = output
	msg.Response.Stderr = string(stderr)
	return nil
}
