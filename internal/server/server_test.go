package server_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/llmshell/llmshell/internal/logstore"
	"github.com/llmshell/llmshell/internal/probe"
	"github.com/llmshell/llmshell/internal/server"
	"github.com/llmshell/llmshell/internal/supervisor"
)

type stubProbes struct{}

func (stubProbes) Probe(int) probe.Probe { return probe.Probe{} }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	store := logstore.New(t.TempDir())
	sup := supervisor.New(store, stubProbes{}, log)
	sup.SettleDelay = 200 * time.Millisecond
	sup.KillWait = 2 * time.Second
	t.Cleanup(func() { sup.Shutdown() })

	ts := httptest.NewServer(server.New(sup, store, log, 2*time.Second))
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, ts *httptest.Server, path, contentType, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(ts.URL+path, contentType, strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("POST %s: read body: %v", path, err)
	}
	return resp.StatusCode, string(b)
}

func get(t *testing.T, ts *httptest.Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("GET %s: read body: %v", path, err)
	}
	return resp.StatusCode, string(b)
}

type statusResponse struct {
	Status   string  `json:"status"`
	PID      int     `json:"pid"`
	Uptime   *string `json:"uptime"`
	Command  string  `json:"command"`
	LogFile  string  `json:"log_file"`
	ExitCode *int    `json:"exit_code"`
	KillType *string `json:"kill_type"`
	LogTail  *string `json:"log_tail"`
}

func statusJSON(t *testing.T, ts *httptest.Server, path string) statusResponse {
	t.Helper()
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	code, body := get(t, ts, path+sep+"format=json")
	if code != http.StatusOK {
		t.Fatalf("GET %s: status %d, body %q", path, code, body)
	}
	var sr statusResponse
	if err := json.Unmarshal([]byte(body), &sr); err != nil {
		t.Fatalf("GET %s: decode %q: %v", path, body, err)
	}
	return sr
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"status":"healthy"}` {
		t.Errorf("body = %q", body)
	}
}

func TestStartLongRunning(t *testing.T) {
	ts := newTestServer(t)

	code, body := post(t, ts, "/start", "text/plain", "sleep 30")
	if code != http.StatusOK {
		t.Fatalf("status = %d, body %q", code, body)
	}
	for _, want := range []string{"status: running\n", "command: sleep 30\n", "pid: "} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "stopped_at") {
		t.Errorf("running status carries termination fields:\n%s", body)
	}

	sr := statusJSON(t, ts, "/status")
	if sr.Status != "running" || sr.PID <= 0 {
		t.Errorf("status = %+v, want running with a PID", sr)
	}
	if sr.Uptime == nil {
		t.Error("uptime missing for running process")
	}
}

func TestStartFastExitAttachesLogs(t *testing.T) {
	ts := newTestServer(t)

	code, body := post(t, ts, "/start", "application/json", `{"command":"echo hi; exit 3"}`)
	if code != http.StatusOK {
		t.Fatalf("status = %d, body %q", code, body)
	}
	for _, want := range []string{"status: exited\n", "exit_code: 3\n", "\nLogs:\nhi\n"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}

func TestStartEmptyCommand(t *testing.T) {
	ts := newTestServer(t)

	code, body := post(t, ts, "/start", "text/plain", "   ")
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}
	if body != "error: command cannot be empty" {
		t.Errorf("body = %q", body)
	}

	code, body = post(t, ts, "/start?format=json", "application/json", `{"command":""}`)
	if code != http.StatusBadRequest {
		t.Fatalf("json status = %d, want 400", code)
	}
	var e map[string]string
	if err := json.Unmarshal([]byte(body), &e); err != nil || e["error"] == "" {
		t.Errorf("json error body = %q", body)
	}
}

func TestStartMalformedJSONBody(t *testing.T) {
	ts := newTestServer(t)

	code, body := post(t, ts, "/start", "application/json", `{"command": nope`)
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %q", code, body)
	}
}

func TestStartConflict(t *testing.T) {
	ts := newTestServer(t)

	if code, body := post(t, ts, "/start", "text/plain", "sleep 30"); code != http.StatusOK {
		t.Fatalf("first start: status %d, body %q", code, body)
	}
	code, body := post(t, ts, "/start", "text/plain", "sleep 30")
	if code != http.StatusConflict {
		t.Fatalf("second start: status %d, want 409", code)
	}
	if !strings.HasPrefix(body, "error: ") {
		t.Errorf("body = %q", body)
	}
}

func TestStatusBeforeAnyStart(t *testing.T) {
	ts := newTestServer(t)

	code, body := get(t, ts, "/status")
	if code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body %q", code, body)
	}
}

func TestKillFlow(t *testing.T) {
	ts := newTestServer(t)
	post(t, ts, "/start", "text/plain", "sleep 30")

	code, body := post(t, ts, "/kill", "text/plain", "")
	if code != http.StatusOK {
		t.Fatalf("kill: status %d, body %q", code, body)
	}
	for _, want := range []string{"status: killed\n", "type: SIGTERM\n", "exit_code: -15\n", "stopped_at: "} {
		if !strings.Contains(body, want) {
			t.Errorf("kill body missing %q:\n%s", want, body)
		}
	}

	// Terminal status is sticky.
	sr := statusJSON(t, ts, "/status")
	if sr.Status != "killed" {
		t.Errorf("status after kill = %q, want killed", sr.Status)
	}
	if sr.KillType == nil || *sr.KillType != "SIGTERM" {
		t.Errorf("kill_type = %v, want SIGTERM", sr.KillType)
	}

	code, _ = post(t, ts, "/kill", "text/plain", "")
	if code != http.StatusBadRequest {
		t.Errorf("kill of dead process: status %d, want 400", code)
	}
}

func TestKillForcefulJSON(t *testing.T) {
	ts := newTestServer(t)
	post(t, ts, "/start", "text/plain", "sleep 30")

	code, body := post(t, ts, "/kill?type=SIGKILL&format=json", "text/plain", "")
	if code != http.StatusOK {
		t.Fatalf("status %d, body %q", code, body)
	}
	var kr struct {
		Status    string  `json:"status"`
		Type      *string `json:"type"`
		ExitCode  *int    `json:"exit_code"`
		StoppedAt *string `json:"stopped_at"`
	}
	if err := json.Unmarshal([]byte(body), &kr); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	if kr.Status != "killed" || kr.Type == nil || *kr.Type != "SIGKILL" {
		t.Errorf("response = %+v", kr)
	}
	if kr.ExitCode == nil || *kr.ExitCode != -9 {
		t.Errorf("exit_code = %v, want -9", kr.ExitCode)
	}
	if kr.StoppedAt == nil {
		t.Error("stopped_at missing")
	}
}

func TestKillValidation(t *testing.T) {
	ts := newTestServer(t)

	if code, _ := post(t, ts, "/kill", "text/plain", ""); code != http.StatusNotFound {
		t.Errorf("kill with no process: status %d, want 404", code)
	}

	post(t, ts, "/start", "text/plain", "sleep 30")
	if code, _ := post(t, ts, "/kill?type=SIGHUP", "text/plain", ""); code != http.StatusBadRequest {
		t.Errorf("kill with bad type: status %d, want 400", code)
	}
}

func TestRestartFlow(t *testing.T) {
	ts := newTestServer(t)
	post(t, ts, "/start", "text/plain", "sleep 30")
	before := statusJSON(t, ts, "/status")

	code, body := post(t, ts, "/restart?timeout=2", "text/plain", "")
	if code != http.StatusOK {
		t.Fatalf("restart: status %d, body %q", code, body)
	}
	if !strings.Contains(body, "status: running\n") {
		t.Errorf("restart body:\n%s", body)
	}

	after := statusJSON(t, ts, "/status")
	if after.PID == before.PID {
		t.Errorf("restart kept PID %d", before.PID)
	}
	if after.Command != before.Command {
		t.Errorf("command changed: %q -> %q", before.Command, after.Command)
	}
	if after.LogFile == before.LogFile {
		t.Errorf("restart kept log file %q", before.LogFile)
	}
}

func TestRestartValidation(t *testing.T) {
	ts := newTestServer(t)

	if code, _ := post(t, ts, "/restart", "text/plain", ""); code != http.StatusNotFound {
		t.Errorf("restart with no history: status %d, want 404", code)
	}

	post(t, ts, "/start", "text/plain", "sleep 30")
	for _, q := range []string{"timeout=-1", "timeout=abc", "timeout=1.5"} {
		if code, _ := post(t, ts, "/restart?"+q, "text/plain", ""); code != http.StatusBadRequest {
			t.Errorf("restart?%s: status %d, want 400", q, code)
		}
	}
}

func TestLogsFilters(t *testing.T) {
	ts := newTestServer(t)
	post(t, ts, "/start", "text/plain", "for i in 1 2 3 4 5; do echo line$i; done; sleep 30")
	time.Sleep(100 * time.Millisecond) // let the pump flush the burst

	code, body := get(t, ts, "/logs")
	if code != http.StatusOK {
		t.Fatalf("logs: status %d, body %q", code, body)
	}
	if want := "line1\nline2\nline3\nline4\nline5"; body != want {
		t.Errorf("logs = %q, want %q", body, want)
	}

	_, body = get(t, ts, "/logs?lines=2")
	if want := "line4\nline5"; body != want {
		t.Errorf("logs?lines=2 = %q, want %q", body, want)
	}

	_, body = get(t, ts, "/logs?seconds=60")
	if !strings.Contains(body, "line1") || !strings.Contains(body, "line5") {
		t.Errorf("logs?seconds=60 = %q", body)
	}
}

func TestLogsValidation(t *testing.T) {
	ts := newTestServer(t)

	if code, _ := get(t, ts, "/logs"); code != http.StatusNotFound {
		t.Errorf("logs with no process: status %d, want 404", code)
	}

	post(t, ts, "/start", "text/plain", "sleep 30")
	for _, q := range []string{
		"lines=0", "lines=-1", "lines=abc",
		"seconds=0", "seconds=-5", "seconds=abc",
		"lines=1&seconds=1",
	} {
		if code, _ := get(t, ts, "/logs?"+q); code != http.StatusBadRequest {
			t.Errorf("logs?%s: status %d, want 400", q, code)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	if code, _ := get(t, ts, "/start"); code != http.StatusMethodNotAllowed {
		t.Errorf("GET /start: status %d, want 405", code)
	}
	resp, err := http.Post(ts.URL+"/status", "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /status: status %d, want 405", resp.StatusCode)
	}
}
