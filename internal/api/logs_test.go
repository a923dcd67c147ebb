package api

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// submitSleeper submits a task that stays dispatched until cleanup.
func submitSleeper(t *testing.T, srv *Server) string {
	t.Helper()
	script := writeScript(t, "exec sleep 30\n")
	id, err := srv.master.Submit(script, 1)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return id
}

func openLogStream(t *testing.T, ts *httptest.Server, id string) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/tasks/"+id+"/logs", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	return resp
}

func TestStreamLogsNotFound(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/v1/tasks/nonexistent/logs", "/v1/tasks/nonexistent/logs/history"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestStreamLogsFinishedTask(t *testing.T) {
	srv := newTestServer(t)
	script := writeScript(t, squareScript)

	id, err := srv.master.Submit(script, 2)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := srv.master.Result(context.Background(), id); err != nil {
		t.Fatalf("Result: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := openLogStream(t, ts, id)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
}

func TestStreamLogsReceivesEvents(t *testing.T) {
	srv := newTestServer(t)
	id := submitSleeper(t, srv)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := openLogStream(t, ts, id)

	broker := srv.master.Broker()
	broker.Publish(id, "hello world")
	broker.Publish(id, "goodbye")
	broker.Close(id)

	scanner := bufio.NewScanner(resp.Body)
	var events []string
	var sawDone bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: done" {
			sawDone = true
			continue
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok && !sawDone {
			events = append(events, data)
		}
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %v", len(events), events)
	}
	if events[0] != "hello world" {
		t.Errorf("event[0] = %q, want %q", events[0], "hello world")
	}
	if events[1] != "goodbye" {
		t.Errorf("event[1] = %q, want %q", events[1], "goodbye")
	}
	if !sawDone {
		t.Error("stream ended without a done event")
	}
}

func TestStreamLogsMultiLineData(t *testing.T) {
	srv := newTestServer(t)
	id := submitSleeper(t, srv)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := openLogStream(t, ts, id)

	broker := srv.master.Broker()
	broker.Publish(id, "Traceback (most recent call last):\n  File \"w.py\", line 3\nValueError")
	broker.Close(id)

	// Consecutive "data:" lines form one event, separated by blank lines.
	scanner := bufio.NewScanner(resp.Body)
	var events []string
	var current []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			break
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			current = append(current, data)
		} else if line == "" && len(current) > 0 {
			events = append(events, strings.Join(current, "\n"))
			current = nil
		}
	}

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %v", len(events), events)
	}

	want := "Traceback (most recent call last):\n  File \"w.py\", line 3\nValueError"
	if events[0] != want {
		t.Errorf("event = %q, want %q", events[0], want)
	}
}

func TestStreamLogsFromWorker(t *testing.T) {
	srv := newTestServer(t)
	script := writeScript(t, "x=$(cat)\nsleep 0.5\necho first >&2\necho second >&2\necho $x\n")

	id, err := srv.master.Submit(script, 5)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := openLogStream(t, ts, id)

	scanner := bufio.NewScanner(resp.Body)
	var events []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: done" {
			break
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			events = append(events, data)
		}
	}

	if strings.Join(events, ",") != "first,second" {
		t.Errorf("events = %q, want [first second]", events)
	}
}

func TestLogHistory(t *testing.T) {
	srv := newTestServer(t)
	script := writeScript(t, "x=$(cat)\nfor i in 1 2 3; do echo \"line $i\" >&2; done\necho $x\n")

	id, err := srv.master.Submit(script, 1)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := srv.master.Result(context.Background(), id); err != nil {
		t.Fatalf("Result: %v", err)
	}
	srv.master.Wait()

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/tasks/" + id + "/logs/history")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer resp.Body.Close()

	var hist logHistoryResponse
	decodeBody(t, resp, &hist)

	if hist.TaskID != id {
		t.Errorf("task_id = %q, want %q", hist.TaskID, id)
	}
	if len(hist.Lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(hist.Lines))
	}
	for i, l := range hist.Lines {
		if l.Seq != i || l.Line != fmt.Sprintf("line %d", i+1) {
			t.Errorf("line %d = %+v", i, l)
		}
	}
}

func TestLogHistoryEmpty(t *testing.T) {
	srv := newTestServer(t)
	id := submitSleeper(t, srv)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/tasks/" + id + "/logs/history")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer resp.Body.Close()

	var hist logHistoryResponse
	decodeBody(t, resp, &hist)
	if hist.Lines == nil || len(hist.Lines) != 0 {
		t.Errorf("lines = %v, want empty list", hist.Lines)
	}
}
