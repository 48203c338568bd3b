package process

import "github.com/breenix/breenix-go/vm"

// Clone flag bits for clone(2): CLONE_VM, CLONE_FILES,
// CLONE_CHILD_{CLEAR,SET}TID. Bit values are this simulation's own, a
// small bitmask composed from named constants rather than the real
// Linux ABI values (irrelevant here since nothing outside this tree
// ever inspects the bits).
const (
	CLONE_VM             = 1 << 0 // share the address space: thread, not process, semantics
	CLONE_FILES          = 1 << 1 // share the fd table instead of duplicating references
	CLONE_CHILD_CLEARTID = 1 << 2
	CLONE_CHILD_SETTID   = 1 << 3
)

// Clone generalizes Fork the way clone(2) generalizes fork(2): with
// flags == 0 the two are identical. CLONE_VM makes the child share
// the parent's page table pointer (thread semantics) instead of getting
// the caller-supplied CoW-cloned one; CLONE_FILES shares the fd table
// pointer instead of Fork()'s duplicated-reference copy. childPT is
// ignored when CLONE_VM is set.
func (m *Manager) Clone(parent *Process, childPT *vm.ProcessPageTable, flags uint64) *Process {
	m.mu.Lock()
	pid := m.allocPIDLocked()

	pt := childPT
	if flags&CLONE_VM != 0 {
		pt = parent.PageTable
	}
	fds := parent.Fds.Fork()
	if flags&CLONE_FILES != 0 {
		fds = parent.Fds
	}

	child := &Process{
		PID:       pid,
		PGID:      parent.PGID,
		SID:       parent.SID,
		ParentPID: parent.PID,
		PageTable: pt,
		Fds:       fds,
		Signals:   parent.Signals.forkCopy(),
		Cwd:       parent.Cwd,
	}
	m.table[pid] = child
	m.mu.Unlock()

	parent.addChild(pid)
	return child
}
