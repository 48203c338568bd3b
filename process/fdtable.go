package process

import (
	"sync"

	"github.com/breenix/breenix-go/errkit"
)

// FdKind tags what a file descriptor actually refers to.
type FdKind int

const (
	FdStdIo FdKind = iota
	FdPipeRead
	FdPipeWrite
	FdRegularFile
	FdDirectory
	FdDevfsDirectory
	FdDevice
	FdUdpSocket
	FdTcpSocket
	FdTcpListener
	FdTcpConnection
)

// Collaborator is the minimal surface an open file description needs to
// expose to the fd table: reference counting and a close hook. Concrete
// backings (ext2 inode, devfs node, socket, pipe end) implement this and
// are handed to FdTable.Install; the fd table itself never interprets
// Kind beyond dispatch bookkeeping: dispatch happens on FdKind, and the
// ext2 and devfs implementations are external collaborators.
type Collaborator interface {
	Close() error
}

// entry is a reference-counted open file description. Multiple fd slots
// (across processes, after fork) may point at the same entry.
type entry struct {
	mu       sync.Mutex
	kind     FdKind
	impl     Collaborator
	refcount int
}

// FdTable maps small integers to reference-counted entries. Fork
// duplicates references; Close decrements them.
type FdTable struct {
	mu      sync.Mutex
	entries map[int]*entry
	next    int
}

// NewFdTable creates an empty table.
func NewFdTable() *FdTable {
	return &FdTable{entries: make(map[int]*entry)}
}

// Install allocates the lowest free fd number and binds it to a fresh
// entry with refcount 1.
func (t *FdTable) Install(kind FdKind, impl Collaborator) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.lowestFreeLocked()
	t.entries[fd] = &entry{kind: kind, impl: impl, refcount: 1}
	return fd
}

func (t *FdTable) lowestFreeLocked() int {
	for fd := 0; ; fd++ {
		if _, ok := t.entries[fd]; !ok {
			return fd
		}
	}
}

// Kind returns the FdKind bound to fd.
func (t *FdTable) Kind(fd int) (FdKind, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[fd]
	if !ok {
		return 0, errkit.New(errkit.EBADF, "process.FdTable.Kind")
	}
	return e.kind, nil
}

// Get returns the collaborator bound to fd.
func (t *FdTable) Get(fd int) (Collaborator, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[fd]
	if !ok {
		return nil, errkit.New(errkit.EBADF, "process.FdTable.Get")
	}
	return e.impl, nil
}

// Close decrements fd's refcount, calling the collaborator's Close once
// it reaches zero, and always removes this process's slot.
func (t *FdTable) Close(fd int) error {
	t.mu.Lock()
	e, ok := t.entries[fd]
	if !ok {
		t.mu.Unlock()
		return errkit.New(errkit.EBADF, "process.FdTable.Close")
	}
	delete(t.entries, fd)
	t.mu.Unlock()

	e.mu.Lock()
	e.refcount--
	last := e.refcount == 0
	e.mu.Unlock()
	if last {
		return e.impl.Close()
	}
	return nil
}

// Fork returns a new FdTable sharing every entry's refcounted backing
// with t, incrementing each entry's refcount. closeOnExec fds are NOT
// carried here; Exec
// filters those separately once the caller knows which fd numbers were
// marked FD_CLOEXEC.
func (t *FdTable) Fork() *FdTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	child := NewFdTable()
	for fd, e := range t.entries {
		e.mu.Lock()
		e.refcount++
		e.mu.Unlock()
		child.entries[fd] = e
	}
	return child
}

// CloseExceptKeep closes every fd not in keep, used by Exec's
// close-on-exec sweep.
func (t *FdTable) CloseExceptKeep(keep map[int]bool) {
	t.mu.Lock()
	var toClose []int
	for fd := range t.entries {
		if !keep[fd] {
			toClose = append(toClose, fd)
		}
	}
	t.mu.Unlock()
	for _, fd := range toClose {
		_ = t.Close(fd)
	}
}
