// Package rank implements the rank agent: a long-running process on a
// cluster node that accepts task requests from the master over TCP, runs
// each one as a local worker process and streams its stderr and result back.
package rank

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dMaggot/pymw/internal/model"
	"github.com/dMaggot/pymw/internal/proc"
	"github.com/dMaggot/pymw/internal/protocol"
	"github.com/dMaggot/pymw/internal/taskio"
)

// Agent accepts master connections and executes tasks.
type Agent struct {
	listener net.Listener
	workDir  string
	launcher string
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New creates a rank agent. launcher is used for requests that do not name
// their own.
func New(listener net.Listener, workDir, launcher string, logger *slog.Logger) *Agent {
	return &Agent{
		listener: listener,
		workDir:  workDir,
		launcher: launcher,
		logger:   logger,
	}
}

// Addr returns the address the agent listens on.
func (a *Agent) Addr() net.Addr {
	return a.listener.Addr()
}

// Serve accepts connections and handles requests. It blocks until the
// listener is closed, then waits for in-flight requests and returns nil.
func (a *Agent) Serve() error {
	defer a.wg.Wait()
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handleConnection(conn)
		}()
	}
}

// Close stops accepting connections.
func (a *Agent) Close() error {
	return a.listener.Close()
}

// handleConnection processes a single request on conn.
func (a *Agent) handleConnection(conn net.Conn) {
	defer conn.Close()

	var req protocol.RankRequest
	if err := protocol.ReadRequest(conn, &req); err != nil {
		a.logger.Warn("read request failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}

	switch req.Type {
	case protocol.ReqTypePing:
		if err := protocol.WriteMessage(conn, protocol.RankMessage{Type: protocol.MsgTypePong}); err != nil {
			a.logger.Warn("write pong failed", "error", err)
		}
	case protocol.ReqTypeRun:
		resp := a.execute(conn, &req)
		sendResult(conn, resp, a.logger)
	default:
		sendResult(conn, protocol.RankResponse{
			ExitCode: 1,
			Error:    fmt.Sprintf("unknown request type: %q", req.Type),
		}, a.logger)
	}
}

// execute runs the task described by req, streaming stderr lines to conn.
// The worker process is killed if the master closes the connection first.
func (a *Agent) execute(conn net.Conn, req *protocol.RankRequest) protocol.RankResponse {
	if req.TaskID == "" {
		req.TaskID = model.NewID()
	}
	if err := validatePath(a.workDir, req.TaskID); err != nil {
		return protocol.RankResponse{ExitCode: 1, Error: fmt.Sprintf("invalid task id: %v", err)}
	}

	dir := filepath.Join(a.workDir, req.TaskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return protocol.RankResponse{ExitCode: 1, Error: fmt.Sprintf("create scratch dir: %v", err)}
	}
	defer os.RemoveAll(dir)

	inputRef := filepath.Join(dir, "input")
	outputRef := filepath.Join(dir, "output")
	if err := os.WriteFile(inputRef, req.Input, 0o644); err != nil {
		return protocol.RankResponse{ExitCode: 1, Error: fmt.Sprintf("write input: %v", err)}
	}

	launcher := req.Launcher
	if launcher == "" {
		launcher = a.launcher
	}

	// Stderr lines arrive on the exec copy goroutine; the result is written
	// only after Wait returns.
	var writeMu sync.Mutex
	cmd := proc.Command{
		Launcher:   launcher,
		Executable: req.Executable,
		InputRef:   inputRef,
		OutputRef:  outputRef,
		Env:        os.Environ(),
		StderrLine: func(line string) {
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := protocol.WriteMessage(conn, protocol.RankMessage{Type: protocol.MsgTypeLog, Line: line}); err != nil {
				a.logger.Debug("write log line failed", "task_id", req.TaskID, "error", err)
			}
		},
	}
	if req.Codec != "" {
		cmd.Env = append(cmd.Env, taskio.Env(req.Codec, req.FileInput)...)
	} else if req.FileInput {
		cmd.Env = append(cmd.Env, taskio.FileInputEnv+"=1")
	}
	if !req.InputFile {
		cmd.Stdin = req.Input
	}

	p, err := proc.Start(cmd)
	if err != nil {
		return protocol.RankResponse{ExitCode: 1, Error: fmt.Sprintf("start command: %v", err)}
	}
	a.logger.Info("task started", "task_id", req.TaskID, "executable", req.Executable, "pid", p.Pid())

	// The master sends nothing after the request; any read completing means
	// the connection went away.
	go func() {
		_, _ = io.Copy(io.Discard, conn)
		if err := p.Kill(); err != nil {
			a.logger.Debug("kill orphaned task failed", "task_id", req.TaskID, "error", err)
		}
	}()

	res, err := p.Wait()
	if err != nil {
		return protocol.RankResponse{ExitCode: 1, Error: err.Error()}
	}

	resp := protocol.RankResponse{ExitCode: res.ExitCode, Output: res.Stdout, Stderr: res.Stderr}
	if resp.ExitCode == 0 && len(resp.Output) == 0 {
		data, err := os.ReadFile(outputRef)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return protocol.RankResponse{ExitCode: 1, Error: fmt.Sprintf("read output file: %v", err)}
		}
		resp.Output = data
	}
	a.logger.Info("task exited", "task_id", req.TaskID, "exit_code", resp.ExitCode)
	return resp
}

// sendResult sends the final RankResponse. A result whose header cannot be
// framed is replaced by an error result so the master still gets an answer.
func sendResult(conn net.Conn, resp protocol.RankResponse, logger *slog.Logger) {
	err := protocol.WriteResult(conn, resp)
	if errors.Is(err, protocol.ErrMessageTooLarge) {
		logger.Warn("result header too large", "error", err)
		err = protocol.WriteResult(conn, protocol.RankResponse{
			ExitCode: 1,
			Error:    fmt.Sprintf("encode result: %v", err),
		})
	}
	if err != nil {
		logger.Warn("write result failed", "error", err)
	}
}

// validatePath checks that joining baseDir with relPath stays within baseDir.
func validatePath(baseDir, relPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolve base dir: %w", err)
	}
	cleaned := filepath.Clean(filepath.Join(absBase, relPath))
	if !strings.HasPrefix(cleaned, absBase+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes work directory", relPath)
	}
	return nil
}
