package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dMaggot/pymw/internal/master"
	"github.com/dMaggot/pymw/internal/model"
	"github.com/dMaggot/pymw/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

var errTaskNotFound = errors.New("task not found")

// submitTaskRequest is the JSON body for POST /v1/tasks.
type submitTaskRequest struct {
	Executable string          `json:"executable"`
	Input      json.RawMessage `json:"input"`
	FileInput  bool            `json:"file_input"`
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []*model.TaskRecord `json:"tasks"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// taskResultResponse is the JSON response for GET /v1/tasks/{id}/result.
type taskResultResponse struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	Output   any    `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		taskSubmissionsTotal.WithLabelValues(submitInvalid).Inc()
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Executable == "" {
		taskSubmissionsTotal.WithLabelValues(submitInvalid).Inc()
		s.writeError(w, http.StatusBadRequest, "executable is required")
		return
	}

	input, err := decodeInput(req.Input, req.FileInput)
	if err != nil {
		taskSubmissionsTotal.WithLabelValues(submitInvalid).Inc()
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var opts []master.SubmitOption
	if req.FileInput {
		opts = append(opts, master.WithFileInput())
	}

	id, err := s.master.Submit(req.Executable, input, opts...)
	if errors.Is(err, model.ErrInterfaceShutdown) {
		taskSubmissionsTotal.WithLabelValues(submitShutdown).Inc()
		s.writeError(w, http.StatusServiceUnavailable, "execution interface is shut down")
		return
	}
	if err != nil {
		taskSubmissionsTotal.WithLabelValues(submitInvalid).Inc()
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	taskSubmissionsTotal.WithLabelValues(submitAccepted).Inc()

	rec, err := s.master.Task(id)
	if err != nil {
		s.logger.Error("get submitted task", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusAccepted, rec)
}

// decodeInput turns the raw JSON input into a task input. File input must be
// a list of [path, start, end] triples or a list of paths.
func decodeInput(raw json.RawMessage, fileInput bool) (any, error) {
	if !fileInput {
		if len(raw) == 0 {
			return nil, nil
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, errors.New("invalid input")
		}
		return v, nil
	}

	var ranges []model.FileRange
	if err := json.Unmarshal(raw, &ranges); err == nil {
		return ranges, nil
	}
	var paths []string
	if err := json.Unmarshal(raw, &paths); err == nil {
		return paths, nil
	}
	return nil, errors.New("file input must be a list of [path, start, end] ranges or a list of paths")
}

// findTask returns the live task snapshot, or the stored history record for
// tasks the master no longer holds.
func (s *Server) findTask(ctx context.Context, id string) (*model.TaskRecord, error) {
	rec, err := s.master.Task(id)
	if err == nil {
		return &rec, nil
	}
	var unknown *model.UnknownTaskError
	if !errors.As(err, &unknown) {
		return nil, err
	}

	stored, err := s.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errTaskNotFound
	}
	return stored, err
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.findTask(r.Context(), id)
	if errors.Is(err, errTaskNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	tasks, total, err := s.store.ListTasks(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	if tasks == nil {
		tasks = []*model.TaskRecord{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleClearTasks(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]int{"removed": s.master.Clear()})
}

// handleGetResult blocks until the task is terminal or the client goes away.
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline for result", "error", err)
	}

	start := time.Now()
	output, err := s.master.Result(r.Context(), id)
	var unknown *model.UnknownTaskError
	if errors.As(err, &unknown) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if r.Context().Err() != nil {
		return
	}

	resp := taskResultResponse{ID: id, State: model.StateFinished, Output: output}
	if err != nil {
		resp = taskResultResponse{ID: id, State: model.StateFailed, Error: err.Error()}
		var execErr *model.ExecutionError
		if errors.As(err, &execErr) {
			code := execErr.ExitCode
			resp.ExitCode = &code
			resp.Stderr = execErr.Stderr
		}
	}

	resultWaitDuration.WithLabelValues(resp.State).Observe(time.Since(start).Seconds())
	s.writeJSON(w, http.StatusOK, resp)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
