// Package server exposes the supervisor over a local HTTP API.
//
// Every endpoint answers in plain text (one "key: value" per line, stable
// order) by default and in JSON when the query string carries format=json.
// The logs endpoint is always plain text; health is always JSON.
package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/llmshell/llmshell/internal/apierr"
	"github.com/llmshell/llmshell/internal/logstore"
	"github.com/llmshell/llmshell/internal/supervisor"
)

// logTailLines is how much of the log is attached to a /start response when
// the child dies inside the settle window.
const logTailLines = 100

// Server is the llmshell HTTP API handler.
type Server struct {
	mux   *http.ServeMux
	sup   *supervisor.Supervisor
	store *logstore.Store
	log   *logrus.Logger

	// restartTimeout is the graceful phase for POST /restart when the
	// request carries no timeout parameter.
	restartTimeout time.Duration
}

// New creates a Server and registers all routes. A nil logger falls back to
// the logrus standard logger.
func New(sup *supervisor.Supervisor, store *logstore.Store, log *logrus.Logger, restartTimeout time.Duration) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		mux:            http.NewServeMux(),
		sup:            sup,
		store:          store,
		log:            log,
		restartTimeout: restartTimeout,
	}

	s.mux.HandleFunc("POST /start", s.handleStart)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("POST /kill", s.handleKill)
	s.mux.HandleFunc("POST /restart", s.handleRestart)
	s.mux.HandleFunc("GET /logs", s.handleLogs)
	s.mux.HandleFunc("GET /health", s.handleHealth)

	return s
}

// ServeHTTP implements http.Handler, wrapping the mux with the access log.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.accessLog(s.mux).ServeHTTP(w, r)
}

// wantJSON reports whether the request opted into JSON rendering.
func wantJSON(r *http.Request) bool {
	return r.URL.Query().Get("format") == "json"
}

// handleStart handles POST /start.
//
// The command comes either from a {"command": "..."} JSON body (when the
// Content-Type says application/json) or from the raw request body. The
// response is the post-settle status; if the child already died, the tail
// of its log rides along so early failures are diagnosable synchronously.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	command, err := readCommand(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	snap, err := s.sup.Start(command)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var logTail string
	if snap.State != supervisor.StateRunning {
		if res, rerr := s.store.Read(snap.LogFile, logstore.Filter{Lines: logTailLines}); rerr == nil {
			logTail = res.Content
		}
	}

	s.writeStatus(w, r, snap, logTail)
}

// readCommand extracts the command string from the request body.
func readCommand(r *http.Request) (string, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", apierr.New(apierr.BadRequest, "invalid request body")
	}

	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var payload struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", apierr.New(apierr.BadRequest, "invalid request body")
		}
		if strings.TrimSpace(payload.Command) == "" {
			return "", apierr.New(apierr.BadRequest, "command cannot be empty")
		}
		return payload.Command, nil
	}

	if strings.TrimSpace(string(body)) == "" {
		return "", apierr.New(apierr.BadRequest, "command cannot be empty")
	}
	return string(body), nil
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sup.Status()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeStatus(w, r, snap, "")
}

// handleKill handles POST /kill?type=SIGTERM|SIGKILL.
func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	kind, err := supervisor.ParseSignalKind(r.URL.Query().Get("type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	snap, err := s.sup.Kill(kind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeKill(w, r, snap)
}

// handleRestart handles POST /restart?timeout=N. The timeout is the graceful
// SIGTERM phase in whole seconds; zero escalates to SIGKILL immediately.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	timeout := s.restartTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			s.writeError(w, r, apierr.New(apierr.BadRequest, "timeout must be a non-negative integer"))
			return
		}
		timeout = time.Duration(secs) * time.Second
	}

	snap, err := s.sup.Restart(timeout)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeStatus(w, r, snap, "")
}

// handleLogs handles GET /logs with at most one of lines= or seconds=.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := readLogFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	path, err := s.sup.LogPath()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.store.Read(path, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, res.Content)
}

// readLogFilter validates the lines/seconds query parameters.
func readLogFilter(r *http.Request) (logstore.Filter, error) {
	q := r.URL.Query()
	rawLines, rawSeconds := q.Get("lines"), q.Get("seconds")

	if rawLines != "" && rawSeconds != "" {
		return logstore.Filter{}, apierr.New(apierr.BadRequest, "cannot specify both 'lines' and 'seconds'")
	}

	var f logstore.Filter
	if rawLines != "" {
		n, err := strconv.Atoi(rawLines)
		if err != nil || n < 1 {
			return logstore.Filter{}, apierr.New(apierr.BadRequest, "lines must be a positive integer")
		}
		f.Lines = n
	}
	if rawSeconds != "" {
		n, err := strconv.Atoi(rawSeconds)
		if err != nil || n < 1 {
			return logstore.Filter{}, apierr.New(apierr.BadRequest, "seconds must be a positive integer")
		}
		f.Seconds = n
	}
	return f, nil
}

// handleHealth handles GET /health. Always JSON, always the same body; load
// balancer friendly and cheap enough to poll.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, `{"status":"healthy"}`)
}

// writeError renders err in the negotiated format with its mapped HTTP
// status code.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apierr.Status(err)
	msg := apierr.Message(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}

	if wantJSON(r) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": msg})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, "error: "+msg)
}
