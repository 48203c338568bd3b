package vm

import (
	"github.com/breenix/breenix-go/errkit"
	"github.com/breenix/breenix-go/frame"
)

// CloneForFork builds the child's user half for fork: for every
// present 4 KiB leaf in the parent, both parent and
// child PTEs are marked read-only-CoW and the underlying frame's
// refcount is bumped. The kernel half was already cloned by
// NewProcessPageTable.
func CloneForFork(alloc *frame.Allocator, parent, child *ProcessPageTable) error {
	parent.mu.Lock()
	defer parent.mu.Unlock()

	var walkErr error
	parent.forEachUserLeaf(func(va VirtAddr, f frame.Frame, flags uint64) {
		if walkErr != nil {
			return
		}
		cowFlags := (flags &^ PTEWritable) | PTECow
		if err := parent.setEntry(va, f, cowFlags); err != nil {
			walkErr = err
			return
		}
		if err := child.Map(va, f, cowFlags); err != nil {
			walkErr = err
			return
		}
		alloc.Incref(f)
	})
	return walkErr
}

// FaultOutcome describes how HandleCowFault resolved a write fault.
type FaultOutcome int

const (
	// FaultResolved means the page is now writable and the faulting
	// instruction should be retried.
	FaultResolved FaultOutcome = iota
	// FaultFatal means this was not a CoW fault and the process must be
	// terminated with SIGSEGV: every other fault is fatal.
	FaultFatal
)

// HandleCowFault runs the write-fault triage. It must
// only be called for a present, user-accessible page; callers are
// responsible for routing non-present/kernel-space faults to the fatal
// path themselves (hal/the trap entry decides that before calling in).
func HandleCowFault(alloc *frame.Allocator, pt *ProcessPageTable, va VirtAddr) (FaultOutcome, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	f, flags, ok := pt.translateLocked(va)
	if !ok || flags&PTECow == 0 {
		return FaultFatal, nil
	}

	if alloc.Refcount(f) == 1 {
		// Sole owner: just flip the bit, no copy needed.
		if err := pt.setEntry(va, f, (flags&^PTECow)|PTEWritable); err != nil {
			return FaultFatal, err
		}
		return FaultResolved, nil
	}

	newFrame, err := alloc.Alloc()
	if err != nil {
		return FaultFatal, errkit.Wrap(err, errkit.ENOMEM, "vm.HandleCowFault")
	}
	copy(alloc.Bytes(newFrame), alloc.Bytes(f))
	if err := pt.setEntry(va, newFrame, (flags&^PTECow)|PTEWritable); err != nil {
		return FaultFatal, err
	}
	alloc.Decref(f)
	return FaultResolved, nil
}
