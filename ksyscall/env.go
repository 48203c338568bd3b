package ksyscall

import (
	"sync/atomic"

	"github.com/breenix/breenix-go/frame"
	"github.com/breenix/breenix-go/kstack"
	"github.com/breenix/breenix-go/process"
	"github.com/breenix/breenix-go/sched"
	"github.com/breenix/breenix-go/vm"
)

// Env bundles the global tables every syscall handler needs: the frame
// allocator, the kernel's shared high-half mapping, the process table,
// the kernel stack allocator, and this CPU's run queue. These are the
// kernel's global singletons; Env is where this tree hands them to the
// dispatch table instead of reaching for package-level globals.
type Env struct {
	Alloc  *frame.Allocator
	Kpt    *vm.KernelPageTable
	Procs  *process.Manager
	Stacks *kstack.Allocator
	RQ     *sched.RunQueue

	nextTID atomic.Uint64
}

func (e *Env) allocThreadID() sched.ID {
	return sched.ID(e.nextTID.Add(1))
}

// callerProcess resolves the process owning t, the lookup every handler
// needs first.
func (e *Env) callerProcess(t *sched.Thread) (*process.Process, error) {
	return e.Procs.Require(t.OwnerPID)
}
