// Package taskio is the worker side of the task protocol. A worker
// executable is invoked as `executable inputRef outputRef`, receives its
// encoded input on stdin (or in the inputRef file when stdin is empty) and
// writes its encoded result to stdout. A nonzero exit with a message on
// stderr reports failure.
//
// A task submitted with file input carries a list of paths or byte ranges
// instead of its data. The master marks such tasks with FileInputEnv; workers
// built with MainFiles read the referenced data from disk and write their
// result to the outputRef file.
package taskio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/dMaggot/pymw/internal/codec"
	"github.com/dMaggot/pymw/internal/model"
)

// CodecEnv names the environment variable the master sets to tell workers
// which codec their input is encoded with.
const CodecEnv = "PYMW_CODEC"

// CodecFromEnv returns the codec selected by CodecEnv, or the default.
func CodecFromEnv() (codec.Codec, error) {
	name := os.Getenv(CodecEnv)
	if name == "" {
		name = codec.Default
	}
	return codec.ByName(name)
}

// FileInputEnv names the environment variable set to "1" for tasks whose
// input is a list of files or byte ranges.
const FileInputEnv = "PYMW_FILE_INPUT"

// FileInputFromEnv reports whether FileInputEnv marks the task as file input.
func FileInputFromEnv() bool {
	on, _ := strconv.ParseBool(os.Getenv(FileInputEnv))
	return on
}

// Env returns the variables a worker process needs on top of the inherited
// environment.
func Env(codecName string, fileInput bool) []string {
	env := []string{CodecEnv + "=" + codecName}
	if fileInput {
		env = append(env, FileInputEnv+"=1")
	}
	return env
}

// Refs holds the two file references a worker is invoked with.
type Refs struct {
	Input  string
	Output string
}

// ParseArgs extracts the refs from a worker's argv (including argv[0]).
func ParseArgs(args []string) (Refs, error) {
	if len(args) < 3 {
		return Refs{}, fmt.Errorf("usage: %s <input-ref> <output-ref>", progName(args))
	}
	return Refs{Input: args[1], Output: args[2]}, nil
}

func progName(args []string) string {
	if len(args) == 0 {
		return "worker"
	}
	return args[0]
}

// ReadInput decodes the task input from stdin, falling back to the
// inputRef file when stdin carries nothing.
func ReadInput(c codec.Codec, stdin io.Reader, inputRef string, v any) error {
	data, err := readEncoded(stdin, inputRef)
	if err != nil {
		return err
	}
	if err := c.Decode(data, v); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	return nil
}

func readEncoded(stdin io.Reader, inputRef string) ([]byte, error) {
	var data []byte
	if stdin != nil {
		var err error
		data, err = io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
	}
	if len(bytes.TrimSpace(data)) == 0 && inputRef != "" {
		var err error
		data, err = os.ReadFile(inputRef)
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
	}
	return data, nil
}

// WriteOutput encodes v to w.
func WriteOutput(c codec.Codec, w io.Writer, v any) error {
	data, err := c.Encode(v)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

// ReadFileInput resolves a file-input payload into the data it references.
// The payload is first decoded as a list of byte ranges; if that fails it is
// decoded as a list of whole-file paths. The chunks are returned in payload
// order.
func ReadFileInput(c codec.Codec, data []byte) ([][]byte, error) {
	var ranges []model.FileRange
	rangeErr := c.Decode(data, &ranges)
	if rangeErr == nil {
		return ReadRanges(ranges)
	}

	var paths []string
	if err := c.Decode(data, &paths); err != nil {
		return nil, fmt.Errorf("decode file input: %w", errors.Join(rangeErr, err))
	}
	return ReadFiles(paths)
}

// ReadRanges reads each byte range from disk.
func ReadRanges(ranges []model.FileRange) ([][]byte, error) {
	chunks := make([][]byte, 0, len(ranges))
	for _, r := range ranges {
		chunk, err := readRange(r)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func readRange(r model.FileRange) ([]byte, error) {
	if r.Start < 0 || r.End < r.Start {
		return nil, fmt.Errorf("invalid range %s [%d, %d)", r.Path, r.Start, r.End)
	}
	f, err := os.Open(r.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", r.Path, err)
	}
	defer f.Close()

	buf := make([]byte, r.Len())
	if _, err := f.ReadAt(buf, r.Start); err != nil {
		return nil, fmt.Errorf("read %s [%d, %d): %w", r.Path, r.Start, r.End, err)
	}
	return buf, nil
}

// ReadFiles reads each file in full.
func ReadFiles(paths []string) ([][]byte, error) {
	chunks := make([][]byte, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		chunks = append(chunks, data)
	}
	return chunks, nil
}

// Run is the body of a worker executable: it decodes the input into I,
// calls fn and writes the encoded result to stdout. Any failure is printed
// to stderr and turns into exit code 1. It returns the process exit code.
func Run[I, O any](args []string, stdin io.Reader, stdout, stderr io.Writer, c codec.Codec, fn func(I) (O, error)) int {
	refs, err := ParseArgs(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	var in I
	if err := ReadInput(c, stdin, refs.Input, &in); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	out, err := fn(in)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if err := WriteOutput(c, stdout, out); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

// RunFiles is the body of a file-input worker executable. It resolves the
// task's paths or ranges into their data, calls fn with the chunks in
// payload order and writes the encoded result to the outputRef file.
func RunFiles[O any](args []string, stdin io.Reader, stderr io.Writer, c codec.Codec, fn func([][]byte) (O, error)) int {
	refs, err := ParseArgs(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	data, err := readEncoded(stdin, refs.Input)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	chunks, err := ReadFileInput(c, data)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	out, err := fn(chunks)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	f, err := os.Create(refs.Output)
	if err != nil {
		fmt.Fprintln(stderr, fmt.Errorf("create output file: %w", err))
		return 1
	}
	werr := WriteOutput(c, f, out)
	if cerr := f.Close(); werr == nil && cerr != nil {
		werr = fmt.Errorf("close output file: %w", cerr)
	}
	if werr != nil {
		fmt.Fprintln(stderr, werr)
		return 1
	}
	return 0
}

// MainFiles runs fn as a file-input worker executable. Tasks not marked
// with FileInputEnv are rejected.
func MainFiles[O any](fn func([][]byte) (O, error)) {
	c, err := CodecFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if !FileInputFromEnv() {
		fmt.Fprintf(os.Stderr, "%s expects file input; submit the task with file input enabled\n", progName(os.Args))
		os.Exit(2)
	}
	os.Exit(RunFiles(os.Args, os.Stdin, os.Stderr, c, fn))
}

// Main runs fn as a worker executable using the process's argv and stdio
// and exits with the resulting code.
func Main[I, O any](fn func(I) (O, error)) {
	c, err := CodecFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(Run(os.Args, os.Stdin, os.Stdout, os.Stderr, c, fn))
}
