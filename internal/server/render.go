package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/llmshell/llmshell/internal/supervisor"
)

// stampLayout matches the timestamps in the log records: millisecond UTC.
const stampLayout = "2006-01-02T15:04:05.000Z"

// statusJSON is the JSON shape of a status response. Pointer fields render
// as null when the underlying value is unavailable; the trailing fields are
// omitted entirely when they do not apply.
type statusJSON struct {
	Status    string   `json:"status"`
	PID       int      `json:"pid"`
	Uptime    *string  `json:"uptime"`
	Command   string   `json:"command"`
	User      *string  `json:"user"`
	Ports     []int    `json:"ports"`
	CPU       *float64 `json:"cpu"`
	MemMB     *float64 `json:"mem_mb"`
	Threads   *int     `json:"threads"`
	OpenFiles *int     `json:"open_files"`
	Conns     *int     `json:"connections"`
	Children  *int     `json:"children"`
	EnvCount  *int     `json:"env_count"`
	CreatedAt string   `json:"created_at"`
	LogFile   string   `json:"log_file"`
	StoppedAt *string  `json:"stopped_at,omitempty"`
	ExitCode  *int     `json:"exit_code,omitempty"`
	KillType  *string  `json:"kill_type,omitempty"`
	LogTail   *string  `json:"log_tail,omitempty"`
}

// killJSON is the JSON shape of a kill response.
type killJSON struct {
	Status    string  `json:"status"`
	Type      *string `json:"type"`
	ExitCode  *int    `json:"exit_code"`
	StoppedAt *string `json:"stopped_at"`
}

// writeStatus renders a supervisor snapshot, plain text by default.
func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request, snap supervisor.Snapshot, logTail string) {
	if wantJSON(r) {
		payload := statusJSON{
			Status:    string(snap.State),
			PID:       snap.PID,
			Uptime:    uptimeString(snap.Uptime),
			Command:   snap.Command,
			User:      snap.Probe.User,
			Ports:     snap.Probe.Ports,
			CPU:       snap.Probe.CPUPercent,
			MemMB:     snap.Probe.MemoryMB,
			Threads:   snap.Probe.Threads,
			OpenFiles: snap.Probe.OpenFiles,
			Conns:     snap.Probe.Connections,
			Children:  snap.Probe.Children,
			EnvCount:  snap.Probe.EnvCount,
			CreatedAt: snap.CreatedAt.UTC().Format(stampLayout),
			LogFile:   snap.LogFile,
			StoppedAt: stampString(snap.StoppedAt),
			ExitCode:  snap.ExitCode,
		}
		if snap.KillType != nil {
			kt := string(*snap.KillType)
			payload.KillType = &kt
		}
		if logTail != "" {
			payload.LogTail = &logTail
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	var b strings.Builder
	line := func(key, value string) {
		b.WriteString(key)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteByte('\n')
	}

	line("status", string(snap.State))
	line("pid", strconv.Itoa(snap.PID))
	line("uptime", orDash(uptimeString(snap.Uptime)))
	line("command", snap.Command)
	line("user", orDash(snap.Probe.User))
	line("ports", portsString(snap.Probe.Ports))
	line("cpu", floatString(snap.Probe.CPUPercent))
	line("mem_mb", floatString(snap.Probe.MemoryMB))
	line("threads", intString(snap.Probe.Threads))
	line("open_files", intString(snap.Probe.OpenFiles))
	line("connections", intString(snap.Probe.Connections))
	line("children", intString(snap.Probe.Children))
	line("env_count", intString(snap.Probe.EnvCount))

	if snap.State != supervisor.StateRunning {
		line("stopped_at", orDash(stampString(snap.StoppedAt)))
		line("exit_code", intString(snap.ExitCode))
		if snap.KillType != nil {
			line("kill_type", string(*snap.KillType))
		}
	}

	if logTail != "" {
		b.WriteString("\nLogs:\n")
		b.WriteString(logTail)
		b.WriteByte('\n')
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, b.String())
}

// writeKill renders the termination acknowledgement.
func (s *Server) writeKill(w http.ResponseWriter, r *http.Request, snap supervisor.Snapshot) {
	if wantJSON(r) {
		payload := killJSON{
			Status:    string(snap.State),
			ExitCode:  snap.ExitCode,
			StoppedAt: stampString(snap.StoppedAt),
		}
		if snap.KillType != nil {
			kt := string(*snap.KillType)
			payload.Type = &kt
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "status: %s\n", snap.State)
	if snap.KillType != nil {
		fmt.Fprintf(&b, "type: %s\n", *snap.KillType)
	} else {
		b.WriteString("type: -\n")
	}
	fmt.Fprintf(&b, "exit_code: %s\n", intString(snap.ExitCode))
	fmt.Fprintf(&b, "stopped_at: %s\n", orDash(stampString(snap.StoppedAt)))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, b.String())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// uptimeString humanizes an uptime as a whole-second duration, e.g. "3m4s".
func uptimeString(d *time.Duration) *string {
	if d == nil {
		return nil
	}
	s := d.Truncate(time.Second).String()
	return &s
}

func stampString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(stampLayout)
	return &s
}

func portsString(ports []int) string {
	if len(ports) == 0 {
		return "-"
	}
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func floatString(f *float64) string {
	if f == nil {
		return "-"
	}
	return strconv.FormatFloat(*f, 'f', 1, 64)
}

func intString(n *int) string {
	if n == nil {
		return "-"
	}
	return strconv.Itoa(*n)
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
