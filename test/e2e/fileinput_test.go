package e2e

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/dMaggot/pymw/internal/backend/cluster"
	"github.com/dMaggot/pymw/internal/backend/local"
	"github.com/dMaggot/pymw/internal/taskio"
)

// workerModeEnv makes the test binary act as a file-input worker that
// returns the concatenation of its chunks.
const workerModeEnv = "PYMW_E2E_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(workerModeEnv) == "concat" {
		taskio.MainFiles(func(chunks [][]byte) ([]byte, error) {
			return bytes.Join(chunks, nil), nil
		})
	}
	os.Exit(m.Run())
}

// concatWorker returns a script that re-executes the test binary as the
// concat worker.
func concatWorker(t *testing.T) string {
	t.Helper()
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	t.Setenv(workerModeEnv, "concat")
	return writeScript(t, "exec "+strconv.Quote(self)+" \"$@\"\n")
}

func (st *stack) submitFiles(t *testing.T, executable string, input any) string {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"executable": executable, "input": input, "file_input": true})
	resp, err := http.Post(st.ts.URL+"/v1/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/tasks: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202", resp.StatusCode)
	}
	var rec struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode submit: %v", err)
	}
	return rec.ID
}

func TestFileRangesReachWorker(t *testing.T) {
	for _, name := range []string{local.Name, cluster.Name} {
		t.Run(name, func(t *testing.T) {
			st := newStack(t, name, 2)
			worker := concatWorker(t)

			content := make([]byte, 30)
			for i := range content {
				content[i] = byte(i)
			}
			path := filepath.Join(t.TempDir(), "a.bin")
			if err := os.WriteFile(path, content, 0o644); err != nil {
				t.Fatalf("write data: %v", err)
			}

			id := st.submitFiles(t, worker, [][]any{{path, 0, 10}, {path, 10, 20}})

			var res result
			if status := st.getJSON(t, "/v1/tasks/"+id+"/result", &res); status != http.StatusOK {
				t.Fatalf("result status %d", status)
			}
			if res.State != "finished" {
				t.Fatalf("state = %q, error %q, stderr %q", res.State, res.Error, res.Stderr)
			}
			want := base64.StdEncoding.EncodeToString(content[:20])
			if res.Output != want {
				t.Errorf("output = %v, want bytes [0,20) as %q", res.Output, want)
			}
		})
	}
}

func TestFileWorkerRejectsInlineInput(t *testing.T) {
	st := newStack(t, local.Name, 1)
	worker := concatWorker(t)

	status, id := st.submit(t, worker, "a.bin")
	if status != http.StatusAccepted {
		t.Fatalf("submit status = %d", status)
	}

	var res result
	st.getJSON(t, "/v1/tasks/"+id+"/result", &res)
	if res.State != "failed" || res.ExitCode == nil || *res.ExitCode != 2 {
		t.Fatalf("result = %+v, want failure with exit code 2", res)
	}
}
