// Package probe reports point-in-time resource usage for a live process.
//
// The supervisor queries a Source by PID when rendering status. Every field
// is best-effort: anything the platform refuses to reveal (permissions,
// procfs races, the process dying mid-probe) is reported as unavailable
// rather than failing the probe.
package probe

import (
	"sort"

	"github.com/shirou/gopsutil/v4/process"
)

// Probe is a snapshot of a process's resource usage. Nil fields are
// unavailable. A probe of an unknown or dead PID has every field nil.
type Probe struct {
	// CPUPercent is an instantaneous CPU usage snapshot.
	CPUPercent *float64

	// MemoryMB is resident set size in MiB.
	MemoryMB *float64

	Threads     *int
	OpenFiles   *int
	Connections *int
	Children    *int

	// Ports lists listening TCP ports owned by the process or any of its
	// descendants, deduplicated and ascending.
	Ports []int

	// User is the real user name the process runs as.
	User *string

	// EnvCount is the number of entries in the process's environment.
	EnvCount *int
}

// Source produces Probes by PID.
type Source interface {
	Probe(pid int) Probe
}

// System is the gopsutil-backed Source used by the daemon.
type System struct{}

var _ Source = System{}

// Probe collects a best-effort snapshot for pid. Individual collection
// failures leave the corresponding field nil.
func (System) Probe(pid int) Probe {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return Probe{}
	}
	if running, err := proc.IsRunning(); err != nil || !running {
		return Probe{}
	}

	var p Probe

	if cpu, err := proc.CPUPercent(); err == nil {
		p.CPUPercent = &cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		mb := float64(mem.RSS) / (1024 * 1024)
		p.MemoryMB = &mb
	}
	if threads, err := proc.NumThreads(); err == nil {
		n := int(threads)
		p.Threads = &n
	}
	if files, err := proc.OpenFiles(); err == nil {
		n := len(files)
		p.OpenFiles = &n
	}
	if conns, err := proc.Connections(); err == nil {
		n := len(conns)
		p.Connections = &n
	}
	if user, err := proc.Username(); err == nil && user != "" {
		p.User = &user
	}
	if env, err := proc.Environ(); err == nil {
		n := len(env)
		p.EnvCount = &n
	}

	children, err := proc.Children()
	if err == nil {
		n := len(children)
		p.Children = &n
	} else {
		// gopsutil reports "no children" as an error; distinguish it from
		// a dead process by the IsRunning check above.
		zero := 0
		p.Children = &zero
	}

	p.Ports = listeningPorts(proc, children)

	return p
}

// listeningPorts gathers listening TCP ports across the process tree.
// The shell is usually just a parent for the interesting process, so the
// children's sockets matter as much as the root's.
func listeningPorts(root *process.Process, children []*process.Process) []int {
	seen := make(map[int]bool)

	collect := func(proc *process.Process) {
		conns, err := proc.Connections()
		if err != nil {
			return
		}
		for _, c := range conns {
			if c.Status == "LISTEN" && c.Laddr.Port != 0 {
				seen[int(c.Laddr.Port)] = true
			}
		}
	}

	collect(root)
	for _, child := range children {
		collect(child)
	}

	if len(seen) == 0 {
		return nil
	}
	ports := make([]int, 0, len(seen))
	for port := range seen {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}
