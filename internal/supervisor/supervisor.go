// Package supervisor owns the single supervised child process and its
// lifecycle: spawn through the shell, pump output to the log store, reap,
// signal, and restart. At most one child is live at any time.
package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/llmshell/llmshell/internal/apierr"
	"github.com/llmshell/llmshell/internal/logstore"
	"github.com/llmshell/llmshell/internal/probe"
)

// State is the lifecycle tag of a ChildRun.
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
	StateKilled  State = "killed"
)

// SignalKind selects how a child is terminated.
type SignalKind string

const (
	SigTerm SignalKind = "SIGTERM" // graceful, escalates to SIGKILL
	SigKill SignalKind = "SIGKILL" // forceful
)

// ParseSignalKind maps the HTTP "type" parameter to a SignalKind.
// The empty string defaults to SIGTERM.
func ParseSignalKind(s string) (SignalKind, error) {
	switch s {
	case "", string(SigTerm):
		return SigTerm, nil
	case string(SigKill):
		return SigKill, nil
	default:
		return "", apierr.Newf(apierr.BadRequest, "invalid signal type: %s", s)
	}
}

// Signal returns the OS signal for the kind.
func (k SignalKind) Signal() syscall.Signal {
	if k == SigKill {
		return syscall.SIGKILL
	}
	return syscall.SIGTERM
}

// ChildRun records one invocation of a command. Terminal fields are written
// exactly once, by the waiter or a mutating operation, and never cleared; a
// later start creates a fresh ChildRun.
type ChildRun struct {
	Command   string
	PID       int
	CreatedAt time.Time
	StoppedAt *time.Time
	ExitCode  *int // negative = died from that signal number
	KillType  *SignalKind
	LogFile   string
	State     State
}

// run is a ChildRun plus the live handles the supervisor needs.
type run struct {
	ChildRun

	cmd *exec.Cmd

	// done is closed by the waiter after the terminal fields are recorded.
	// Anyone waiting for the child's death waits here, never on a second
	// Wait.
	done chan struct{}

	// pumpDone is closed when the output pump has drained the pipe.
	pumpDone chan struct{}

	waitErr error
}

// Snapshot is a consistent copy of the current run, enriched for status
// rendering.
type Snapshot struct {
	ChildRun

	// Uptime is set only while the run is live.
	Uptime *time.Duration

	// Probe is populated only while the run is live.
	Probe probe.Probe
}

// Supervisor enforces the single-child invariant. Mutating operations
// (Start, Kill, Restart, Shutdown) are serialized by opMu for their whole
// duration; mu guards the current run and its fields and is only ever held
// briefly, so the waiter can record an exit while a Start sits in its settle
// window.
type Supervisor struct {
	store  *logstore.Store
	probes probe.Source
	log    *logrus.Logger

	// SettleDelay is how long Start waits before reporting, so failures
	// that manifest immediately (bad directory, command not found) are
	// visible synchronously. Tests shorten it.
	SettleDelay time.Duration

	// KillWait bounds each wait-for-exit after a signal.
	KillWait time.Duration

	opMu sync.Mutex
	mu   sync.Mutex

	current *run
}

// New creates a Supervisor. A nil logger falls back to the logrus standard
// logger.
func New(store *logstore.Store, probes probe.Source, log *logrus.Logger) *Supervisor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Supervisor{
		store:       store,
		probes:      probes,
		log:         log,
		SettleDelay: 2 * time.Second,
		KillWait:    5 * time.Second,
	}
}

// Start spawns command through the shell and waits out the settle window
// before reporting. Fails with Conflict while a child is live.
func (s *Supervisor) Start(command string) (Snapshot, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.start(command)
}

// start is the Start body, shared with Restart. Caller holds opMu.
func (s *Supervisor) start(command string) (Snapshot, error) {
	if strings.TrimSpace(command) == "" {
		return Snapshot{}, apierr.New(apierr.BadRequest, "command cannot be empty")
	}

	s.mu.Lock()
	if s.current != nil && s.current.State == StateRunning {
		s.mu.Unlock()
		return Snapshot{}, apierr.New(apierr.Conflict, "process already running")
	}
	s.mu.Unlock()

	created := time.Now().UTC()
	logPath, err := s.store.Create(created)
	if err != nil {
		return Snapshot{}, err
	}

	// The shell is the point: users want cd, &&, pipes and env
	// assignments. Spawn it as a process-group leader so signals reach
	// every descendant.
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		s.store.Close(logPath)
		return Snapshot{}, apierr.Newf(apierr.Internal, "create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		s.store.Close(logPath)
		return Snapshot{}, apierr.Newf(apierr.Internal, "failed to start process: %w", err)
	}
	// The child's descendants hold the write end now; the parent's copy
	// must go so the pump sees EOF when they are gone.
	pw.Close()

	r := &run{
		ChildRun: ChildRun{
			Command:   command,
			PID:       cmd.Process.Pid,
			CreatedAt: created,
			LogFile:   logPath,
			State:     StateRunning,
		},
		cmd:      cmd,
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}

	s.mu.Lock()
	s.current = r
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"pid": r.PID, "command": command}).Info("process started")

	go s.pump(r, pr)
	go s.wait(r)

	// Settle: a child that dies early ends the wait immediately, and its
	// output is drained before the terminal snapshot is taken.
	select {
	case <-r.done:
		s.drainPump(r, time.Second)
	case <-time.After(s.SettleDelay):
	}

	return s.snapshotOf(r)
}

// wait reaps the child exactly once and records the terminal fields before
// closing the run's done channel, so any observer of done sees a consistent
// (state, exit code, stopped-at) triple.
func (s *Supervisor) wait(r *run) {
	err := r.cmd.Wait()

	code := 0
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		// code stays 0
	case errors.As(err, &exitErr):
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			code = -int(ws.Signal())
		} else {
			code = exitErr.ExitCode()
		}
		err = nil
	}

	now := time.Now().UTC()
	s.mu.Lock()
	r.StoppedAt = &now
	if err != nil {
		r.waitErr = err
	} else {
		c := code
		r.ExitCode = &c
	}
	if r.State == StateRunning {
		r.State = StateExited
	}
	s.mu.Unlock()
	close(r.done)

	if err != nil {
		s.log.WithError(err).WithField("pid", r.PID).Error("failed to reap child")
	} else {
		s.log.WithFields(logrus.Fields{"pid": r.PID, "exit_code": code}).Info("process exited")
	}
}

// Status snapshots the current run. Fails with NotFound when nothing has
// ever been started.
func (s *Supervisor) Status() (Snapshot, error) {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r == nil {
		return Snapshot{}, apierr.New(apierr.NotFound, "no process started")
	}
	return s.snapshotOf(r)
}

// LogPath returns the current run's log file. Cheaper than Status: log
// reads need only the path, not the probe enrichment. Fails with NotFound
// when nothing has ever been started.
func (s *Supervisor) LogPath() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return "", apierr.New(apierr.NotFound, "no process started")
	}
	return s.current.LogFile, nil
}

// Kill signals the live child's process group and waits (bounded) for the
// reap. SIGTERM escalates to SIGKILL when the child does not exit within
// KillWait. A child that won self-exit against the signal yields success
// with the recorded terminal snapshot.
func (s *Supervisor) Kill(kind SignalKind) (Snapshot, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	r := s.current
	if r == nil {
		s.mu.Unlock()
		return Snapshot{}, apierr.New(apierr.NotFound, "no process to kill")
	}
	state := r.State
	s.mu.Unlock()

	if state != StateRunning {
		return Snapshot{}, apierr.New(apierr.BadRequest, "process already exited")
	}

	if err := s.terminate(r, kind, s.KillWait); err != nil {
		return Snapshot{}, err
	}
	return s.snapshotOf(r)
}

// Restart gracefully stops the live child (bounded by timeout, escalating on
// expiry) and starts the remembered command again with a fresh log file.
func (s *Supervisor) Restart(timeout time.Duration) (Snapshot, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r == nil || r.Command == "" {
		return Snapshot{}, apierr.New(apierr.NotFound, "no process to restart")
	}

	s.mu.Lock()
	state := r.State
	s.mu.Unlock()
	if state == StateRunning {
		if err := s.terminate(r, SigTerm, timeout); err != nil {
			return Snapshot{}, err
		}
	}

	return s.start(r.Command)
}

// Shutdown terminates a live child (SIGTERM, KillWait, escalate), drains the
// pump, and closes the log files. Safe to call more than once; used by the
// daemon's lifecycle glue.
func (s *Supervisor) Shutdown() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	r := s.current
	s.mu.Unlock()

	if r != nil {
		s.mu.Lock()
		state := r.State
		s.mu.Unlock()
		if state == StateRunning {
			if err := s.terminate(r, SigTerm, s.KillWait); err != nil {
				s.log.WithError(err).Warn("shutdown: terminate child")
			}
		}
		s.drainPump(r, time.Second)
	}

	s.store.CloseAll()
}

// terminate signals the run's process group with kind, waits up to grace for
// the waiter to reap, and escalates SIGTERM to SIGKILL on expiry. On success
// the run carries the kill type and the Killed tag. A signal that finds the
// group already gone is success: the waiter's record stands unchanged.
func (s *Supervisor) terminate(r *run, kind SignalKind, grace time.Duration) error {
	delivered := true
	if err := signalGroup(r.PID, kind.Signal()); err != nil {
		if !errors.Is(err, syscall.ESRCH) {
			return apierr.Newf(apierr.Internal, "signal process group: %w", err)
		}
		delivered = false
	}

	used := kind
	if !s.waitDone(r, grace) {
		if kind != SigTerm {
			return apierr.New(apierr.Internal, "process did not exit after SIGKILL")
		}
		if err := signalGroup(r.PID, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return apierr.Newf(apierr.Internal, "escalate to SIGKILL: %w", err)
		}
		used = SigKill
		if !s.waitDone(r, s.KillWait) {
			return apierr.New(apierr.Internal, "process did not exit after SIGKILL")
		}
	}

	s.drainPump(r, time.Second)

	if delivered {
		s.mu.Lock()
		k := used
		r.KillType = &k
		r.State = StateKilled
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{"pid": r.PID, "type": used}).Info("process killed")
	}
	return nil
}

// waitDone waits up to d for the run's reap. d <= 0 is a non-blocking check.
func (s *Supervisor) waitDone(r *run, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-r.done:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.done:
		return true
	case <-t.C:
		return false
	}
}

// drainPump waits (bounded) for the pump to finish flushing the run's
// output. The pipe can outlive the child when grandchildren inherit it, so
// the wait never blocks indefinitely.
func (s *Supervisor) drainPump(r *run, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.pumpDone:
	case <-t.C:
	}
}

// snapshotOf copies the run's fields under the state lock and enriches a
// live run with uptime and a probe. A waiter failure surfaces here as an
// Internal error.
func (s *Supervisor) snapshotOf(r *run) (Snapshot, error) {
	s.mu.Lock()
	if r.waitErr != nil {
		err := r.waitErr
		s.mu.Unlock()
		return Snapshot{}, apierr.Newf(apierr.Internal, "wait for child: %v", err)
	}
	snap := Snapshot{ChildRun: r.ChildRun}
	s.mu.Unlock()

	if snap.State == StateRunning {
		up := time.Since(snap.CreatedAt)
		snap.Uptime = &up
		if s.probes != nil {
			snap.Probe = s.probes.Probe(snap.PID)
		}
	}
	return snap, nil
}

func signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
