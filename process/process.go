package process

import (
	"fmt"
	"slices"
	"sync"
	"syscall"
	"time"
)

// ExitStatus is how a process ended
type ExitStatus struct {
	// Code is the exit code, -1 when the process was killed by a signal
	// or its status is unknown
	Code       int
	Signal     syscall.Signal
	CoreDumped bool
	// Unknown is set when the child was reaped by someone else
	Unknown bool
}

// Signaled reports whether the process was killed by a signal
func (s ExitStatus) Signaled() bool { return s.Signal != 0 }

// Success reports a clean exit
func (s ExitStatus) Success() bool { return s.Code == 0 && !s.Signaled() }

func (s ExitStatus) String() string {
	if s.Signaled() {
		msg := "killed by signal " + s.Signal.String()
		if s.CoreDumped {
			msg += " (core dumped)"
		}
		return msg
	}
	if s.Unknown {
		return "exited with unknown status"
	}
	return fmt.Sprintf("exited with code %d", s.Code)
}

// ManagedProcess is a process started by the Manager. It stays registered
// after it dies so its exit status can be inspected.
type ManagedProcess struct {
	name    string
	pid     int
	tasks   []string
	started time.Time

	mu     sync.Mutex
	dead   bool
	status ExitStatus
	done   chan struct{}
}

func newManagedProcess(name string, pid int, tasks []string) *ManagedProcess {
	return &ManagedProcess{
		name:    name,
		pid:     pid,
		tasks:   slices.Clone(tasks),
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

// Name returns the deployment name
func (p *ManagedProcess) Name() string { return p.name }

// PID returns the OS process id
func (p *ManagedProcess) PID() int { return p.pid }

// Tasks returns the task names the process is expected to host
func (p *ManagedProcess) Tasks() []string { return slices.Clone(p.tasks) }

// Started returns when the process was launched
func (p *ManagedProcess) Started() time.Time { return p.started }

// Alive reports whether no death notification has been received
func (p *ManagedProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dead
}

// Status returns the exit status; ok is false while the process is alive
func (p *ManagedProcess) Status() (status ExitStatus, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, p.dead
}

// Done is closed when the process dies
func (p *ManagedProcess) Done() <-chan struct{} { return p.done }

// markDead records the exit status. Only the first call has an effect.
func (p *ManagedProcess) markDead(status ExitStatus) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return false
	}
	p.dead = true
	p.status = status
	close(p.done)
	return true
}

func (p *ManagedProcess) String() string {
	return fmt.Sprintf("%s[%d]", p.name, p.pid)
}

// Event is emitted when a managed process dies
type Event struct {
	Process *ManagedProcess
	Status  ExitStatus
}
