// Package process implements the process layer: pid allocation,
// parent/child relationships, process groups/sessions, the fd table,
// and the per-process signal state that the signal package operates on.
package process

import (
	"sync"

	"github.com/breenix/breenix-go/errkit"
	"github.com/breenix/breenix-go/sched"
	"github.com/breenix/breenix-go/vm"
)

// SignalAction describes how a process handles one signal number.
type SignalAction struct {
	Handler  uint64 // 0 == SIG_DFL, 1 == SIG_IGN, else a user handler address
	Mask     uint64 // additional signals blocked while the handler runs
	Flags    uint64 // SA_* flags; this simulation only interprets the ones it defines below
	RestartFlag bool
}

// SA_* flag bits, named by behavior rather than the real Linux values;
// bit positions are this simulation's own, since no ABI compatibility is
// required.
const (
	SA_NOCLDSTOP = 1 << 0
	SA_ONSTACK   = 1 << 1
	SA_RESTART   = 1 << 2
	SA_RESETHAND = 1 << 3
	SA_NODEFER   = 1 << 4
)

// AltStack is the sigaltstack(2) registration.
type AltStack struct {
	Base     uint64
	Size     uint64
	Enabled  bool
	OnStack  bool
}

// ITimer is a POSIX interval timer, as used by alarm(2)/setitimer(2).
type ITimer struct {
	DeadlineTicks uint64 // 0 == disarmed
	IntervalTicks uint64 // 0 == one-shot
}

// SignalState is the per-process signal bookkeeping. The signal
// package is the layer that interprets and mutates these
// fields according to POSIX semantics; process only owns the storage and
// the copy/reset rules fork/exec require.
type SignalState struct {
	mu                 sync.Mutex
	Pending            uint64
	Blocked            uint64
	Handlers           [64]SignalAction
	AltStack           AltStack
	SigsuspendSavedMask *uint64
}

func newSignalState() *SignalState {
	return &SignalState{}
}

// Lock/Unlock expose the state's mutex so the signal package can guard a
// multi-field read-modify-write without process needing to know what
// POSIX operation is in flight.
func (s *SignalState) Lock()   { s.mu.Lock() }
func (s *SignalState) Unlock() { s.mu.Unlock() }

// forkCopy copies signal state into a fresh child: pending signals are
// cleared and alarm/itimers reset, but the blocked mask, handler table,
// and alt-stack registration carry over from the parent.
func (s *SignalState) forkCopy() *SignalState {
	s.mu.Lock()
	defer s.mu.Unlock()
	child := &SignalState{
		Blocked:  s.Blocked,
		Handlers: s.Handlers,
		AltStack: s.AltStack,
	}
	return child
}

// execReset resets every caught handler (and its SA_RESETHAND flag) to
// SIG_DFL, clears the alt-stack's on-stack flag, and clears pending.
func (s *SignalState) execReset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.Handlers {
		h := &s.Handlers[i]
		if h.Handler > 1 { // a real user handler, not SIG_DFL(0)/SIG_IGN(1)
			*h = SignalAction{}
		}
	}
	s.AltStack.OnStack = false
	s.Pending = 0
}

// State is a process's lifecycle state.
type State int

const (
	Running State = iota
	Zombie
	Reaped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Zombie:
		return "zombie"
	case Reaped:
		return "reaped"
	default:
		return "unknown"
	}
}

// Process is the kernel's process object.
type Process struct {
	mu sync.Mutex

	PID        int64
	PGID       int64
	SID        int64
	ParentPID  int64

	PageTable *vm.ProcessPageTable
	Fds       *FdTable
	Signals   *SignalState
	Cwd       string

	MainThread *sched.Thread

	AlarmDeadline uint64 // 0 == disarmed
	RealTimer     ITimer

	state    State
	ExitCode int

	children []int64
}

// LockTimers/UnlockTimers guard AlarmDeadline/RealTimer for the signal
// package's tick-handler and alarm(2)/setitimer(2) implementations; they
// share Process's own mutex rather than adding a second lock for two
// related fields.
func (p *Process) LockTimers()   { p.mu.Lock() }
func (p *Process) UnlockTimers() { p.mu.Unlock() }

func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Children returns a snapshot of this process's child pids.
func (p *Process) Children() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int64, len(p.children))
	copy(out, p.children)
	return out
}

func (p *Process) addChild(pid int64) {
	p.mu.Lock()
	p.children = append(p.children, pid)
	p.mu.Unlock()
}

// Manager owns the process table: pid allocation, the pid->Process map,
// and fork/exit bookkeeping. It is the single global table, so it
// carries exactly one mutex.
type Manager struct {
	mu       sync.Mutex
	table    map[int64]*Process
	nextPID  int64
}

// NewManager creates an empty process table. PID 1 is reserved for the
// kernel's init process, which kill(-1, sig) semantics exempt ("all
// processes except pid 1").
func NewManager() *Manager {
	return &Manager{table: make(map[int64]*Process), nextPID: 1}
}

func (m *Manager) allocPIDLocked() int64 {
	for {
		pid := m.nextPID
		m.nextPID++
		if _, taken := m.table[pid]; !taken {
			return pid
		}
	}
}

// Create installs a fully-formed Process (built by the caller, typically
// via fork or kernel bootstrap) under its own pid slot.
func (m *Manager) Create(pt *vm.ProcessPageTable, parentPID int64, cwd string) *Process {
	m.mu.Lock()
	pid := m.allocPIDLocked()
	p := &Process{
		PID:       pid,
		PGID:      pid,
		SID:       pid,
		ParentPID: parentPID,
		PageTable: pt,
		Fds:       NewFdTable(),
		Signals:   newSignalState(),
		Cwd:       cwd,
	}
	m.table[pid] = p
	m.mu.Unlock()
	return p
}

// Lookup returns the process for pid, if live.
func (m *Manager) Lookup(pid int64) (*Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.table[pid]
	return p, ok
}

// Snapshot returns every live process in the table, for debugapi's
// process-listing endpoint. The returned slice is a copy; callers must
// still go through each Process's own accessors for mutable fields.
func (m *Manager) Snapshot() []*Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Process, 0, len(m.table))
	for _, p := range m.table {
		out = append(out, p)
	}
	return out
}

// Require is Lookup with the ESRCH kill(2)/waitpid(2) error baked in, for
// syscall handlers that just want "the process or a POSIX errno."
func (m *Manager) Require(pid int64) (*Process, error) {
	p, ok := m.Lookup(pid)
	if !ok {
		return nil, errkit.New(errkit.ESRCH, "process.Manager.Require")
	}
	return p, nil
}

// Fork allocates a child pid and copies the pid/fd-table/signal parts
// of fork(2); the page-table CoW cloning is vm.CloneForFork, called by
// the caller before or after Fork as ordering requires.
func (m *Manager) Fork(parent *Process, childPT *vm.ProcessPageTable) *Process {
	m.mu.Lock()
	pid := m.allocPIDLocked()
	child := &Process{
		PID:       pid,
		PGID:      parent.PGID,
		SID:       parent.SID,
		ParentPID: parent.PID,
		PageTable: childPT,
		Fds:       parent.Fds.Fork(),
		Signals:   parent.Signals.forkCopy(),
		Cwd:       parent.Cwd,
	}
	m.table[pid] = child
	m.mu.Unlock()

	parent.addChild(pid)
	return child
}

// Exec applies the signal/fd-table parts of exec(2): the page table
// rebuild is the caller's responsibility, since it needs the frame
// allocator and kernel table Fork doesn't.
func (p *Process) Exec(newPT *vm.ProcessPageTable, closeOnExecKeep map[int]bool) {
	p.mu.Lock()
	p.PageTable = newPT
	p.mu.Unlock()
	p.Signals.execReset()
	p.Fds.CloseExceptKeep(closeOnExecKeep)
}

// Exit marks p Zombie with the given status; the parent must still reap
// it via Wait for its pid slot to be released.
func (p *Process) Exit(status int) {
	p.mu.Lock()
	p.ExitCode = status
	p.mu.Unlock()
	p.setState(Zombie)
}

// Wait reaps a zombie child of parent, removing it from the table and
// returning its pid and exit status. Returns (0, 0, false) if no zombie
// child exists yet (caller decides whether to block).
func (m *Manager) Wait(parent *Process) (pid int64, status int, ok bool) {
	for _, cpid := range parent.Children() {
		c, live := m.Lookup(cpid)
		if !live {
			continue
		}
		if c.State() != Zombie {
			continue
		}
		m.mu.Lock()
		delete(m.table, cpid)
		m.mu.Unlock()
		return cpid, c.ExitCode, true
	}
	return 0, 0, false
}

// ResolveKillTargets resolves kill(2)'s pid argument: pid>0 a single
// process, pid==0 the caller's pgid, pid<-1 a specific group, pid==-1
// all but pid 1.
func (m *Manager) ResolveKillTargets(caller *Process, pid int64) []*Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case pid > 0:
		if p, ok := m.table[pid]; ok {
			return []*Process{p}
		}
		return nil
	case pid == 0:
		return m.byPGIDLocked(caller.PGID)
	case pid == -1:
		var out []*Process
		for candPID, p := range m.table {
			if candPID != 1 {
				out = append(out, p)
			}
		}
		return out
	default: // pid < -1: target group -pid
		return m.byPGIDLocked(-pid)
	}
}

func (m *Manager) byPGIDLocked(pgid int64) []*Process {
	var out []*Process
	for _, p := range m.table {
		if p.PGID == pgid {
			out = append(out, p)
		}
	}
	return out
}
