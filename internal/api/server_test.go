package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/dMaggot/pymw/internal/backend"
	"github.com/dMaggot/pymw/internal/backend/local"
	"github.com/dMaggot/pymw/internal/master"
	"github.com/dMaggot/pymw/internal/store"
)

const testWorkers = 2

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	reg := backend.NewRegistry()
	reg.Register(local.Name, local.Factory)
	b, err := reg.Open(local.Name, backend.Config{WorkerCount: testWorkers, LauncherPath: "sh"}, logger)
	if err != nil {
		t.Fatalf("Open backend: %v", err)
	}

	m, err := master.New(b, logger, master.WithStore(s))
	if err != nil {
		t.Fatalf("master.New: %v", err)
	}
	t.Cleanup(func() {
		m.Cleanup()
		m.Wait()
		reg.CleanupAll()
	})

	return NewServer(":0", s, reg, m, logger)
}

// writeScript writes a shell worker script and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not available on windows")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/v1/status", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /v1/status: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET /v1/status: %v", err)
	}
	defer resp.Body.Close()

	var st backend.Status
	decodeBody(t, resp, &st)
	if st.TotalWorkers != testWorkers || st.ActiveWorkers != 0 {
		t.Errorf("status = %+v, want %d total and 0 active", st, testWorkers)
	}

	srv.master.Cleanup()

	resp2, err := http.Get(ts.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET /v1/status: %v", err)
	}
	defer resp2.Body.Close()
	decodeBody(t, resp2, &st)
	if st.ActiveWorkers != 0 {
		t.Errorf("active workers after cleanup = %d, want 0", st.ActiveWorkers)
	}
}

func TestBackendsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/backends")
	if err != nil {
		t.Fatalf("GET /v1/backends: %v", err)
	}
	defer resp.Body.Close()

	var infos []backend.BackendInfo
	decodeBody(t, resp, &infos)
	if len(infos) != 1 {
		t.Fatalf("got %d backends, want 1", len(infos))
	}
	if infos[0].Name != local.Name || !infos[0].Open {
		t.Errorf("backend = %+v, want open local backend", infos[0])
	}
	if infos[0].Capabilities == nil || infos[0].Capabilities.WorkerCount != testWorkers {
		t.Errorf("capabilities = %+v", infos[0].Capabilities)
	}
}
