// Package proc launches worker executables following the invocation
// convention `launcher executable inputRef outputRef`, captures their output
// and maps process exit into a Result. It is shared by the local backend and
// the rank agent.
package proc

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Command describes one worker process invocation.
type Command struct {
	// Launcher is the interpreter used to run Executable. Empty runs
	// Executable directly.
	Launcher   string
	Executable string
	InputRef   string
	OutputRef  string

	// Stdin is written to the process's standard input. Nil leaves stdin empty.
	Stdin []byte

	Dir string
	Env []string

	// StderrLine, if set, is called for every line written to stderr.
	StderrLine func(line string)
}

// Args returns the full argv of the command.
func (c Command) Args() []string {
	args := make([]string, 0, 4)
	if c.Launcher != "" {
		args = append(args, c.Launcher)
	}
	return append(args, c.Executable, c.InputRef, c.OutputRef)
}

// Result is the outcome of a process that ran to completion.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   string
}

// waitDelay bounds how long Wait keeps reading output after the process
// exits, for when a grandchild inherited stdout or stderr.
const waitDelay = 2 * time.Second

// Process is a running worker process. It implements pool.Handle.
type Process struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr *lineWriter

	mu     sync.Mutex
	exited bool
}

// Start launches the command. An error means the process never started.
func Start(c Command) (*Process, error) {
	argv := c.Args()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = waitDelay
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}

	p := &Process{cmd: cmd, stderr: &lineWriter{fn: c.StderrLine}}
	cmd.Stdout = &p.stdout
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

// lineWriter captures everything written to it and passes each complete
// line to fn. It is only written to by the exec copying goroutine.
type lineWriter struct {
	all     bytes.Buffer
	partial []byte
	fn      func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.all.Write(p)
	if w.fn == nil {
		return len(p), nil
	}
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.fn(strings.TrimSuffix(string(w.partial[:i]), "\r"))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

// flush emits a trailing line that had no newline.
func (w *lineWriter) flush() {
	if w.fn != nil && len(w.partial) > 0 {
		w.fn(strings.TrimSuffix(string(w.partial), "\r"))
	}
	w.partial = nil
}

// Wait blocks until the process exits. A nonzero exit, including death by
// signal (exit code -1), is reported in the Result, not as an error.
func (p *Process) Wait() (Result, error) {
	err := p.cmd.Wait()
	p.stderr.flush()

	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()

	res := Result{
		Stdout: p.stdout.Bytes(),
		Stderr: p.stderr.all.String(),
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		// Exited cleanly; only a leftover descendant held the pipes.
		err = nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("wait: %w", err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

// Kill forcefully terminates the process. It is a no-op once the process
// has exited.
func (p *Process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited || p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.cmd.Process.Pid, err)
	}
	return nil
}

// Pid returns the operating system process ID.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}
