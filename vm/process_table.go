package vm

import (
	"sync"

	"github.com/breenix/breenix-go/errkit"
	"github.com/breenix/breenix-go/frame"
)

// ProcessPageTable owns a per-process L4 frame. At construction it
// clones the kernel's high-half entry (PML4 slot kernel.l4Idx points at
// the one shared kernel L3); every later kernel mapping through
// KernelPageTable is instantly visible here because the pointer, not a
// copy of the subtree, is what gets cloned.
type ProcessPageTable struct {
	mu     sync.Mutex
	alloc  *frame.Allocator
	kernel *KernelPageTable
	l4     table
}

// NewProcessPageTable allocates a fresh L4 and clones the kernel half
// from kernel. This is the only site permitted to populate L4 entries
// 256..511.
func NewProcessPageTable(alloc *frame.Allocator, kernel *KernelPageTable) (*ProcessPageTable, error) {
	l4, err := newTable(alloc)
	if err != nil {
		return nil, err
	}
	p := &ProcessPageTable{alloc: alloc, kernel: kernel, l4: l4}
	if err := p.cloneKernelHalf(); err != nil {
		return nil, err
	}
	return p, nil
}

// cloneKernelHalf is the sole writer of L4 slots 256..511: it installs
// the shared kernel L3 frame at kernel.l4Idx and asserts PTEUser is
// never set on a kernel-half entry, checked at every copy site.
func (p *ProcessPageTable) cloneKernelHalf() error {
	entry := p.kernel.PDPTFrame()
	v := makeEntry(entry, PTEPresent|PTEWritable)
	if v&PTEUser != 0 {
		panic("vm: kernel-half L4 entry would carry PTEUser")
	}
	p.l4.set(p.kernel.l4Idx, v)
	return nil
}

func (p *ProcessPageTable) getOrCreate(parent table, idx int, userFlags uint64) (table, error) {
	e := parent.get(idx)
	if e&PTEPresent != 0 {
		return wrapTable(p.alloc, entryFrame(e)), nil
	}
	child, err := newTable(p.alloc)
	if err != nil {
		return table{}, err
	}
	parent.set(idx, makeEntry(child.frm, PTEPresent|PTEWritable|userFlags))
	return child, nil
}

// Map installs a leaf mapping for a user page. It refuses to overwrite a
// different existing mapping.
func (p *ProcessPageTable) Map(va VirtAddr, f frame.Frame, flags uint64) error {
	if !va.IsUser() {
		return errkit.New(errkit.EINVAL, "vm.Map: not a user address")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	l3, err := p.getOrCreate(p.l4, int(va.idx4()), PTEUser)
	if err != nil {
		return err
	}
	l2, err := p.getOrCreate(l3, int(va.idx3()), PTEUser)
	if err != nil {
		return err
	}
	l1, err := p.getOrCreate(l2, int(va.idx2()), PTEUser)
	if err != nil {
		return err
	}
	idx1 := int(va.idx1())
	existing := l1.get(idx1)
	if existing&PTEPresent != 0 && entryFrame(existing) != f {
		return errkit.New(errkit.EEXIST, "vm.Map: mapping collision")
	}
	l1.set(idx1, makeEntry(f, flags|PTEPresent))
	return nil
}

// UnmapRange clears every present leaf mapping in [start, end), calling
// onUnmap(frame) for each one so the caller can decref it.
func (p *ProcessPageTable) UnmapRange(start, end VirtAddr, onUnmap func(frame.Frame)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for va := start.PageAligned(); va < end; va += pageSize {
		e3 := p.l4.get(int(va.idx4()))
		if e3&PTEPresent == 0 {
			continue
		}
		l3 := wrapTable(p.alloc, entryFrame(e3))
		e2 := l3.get(int(va.idx3()))
		if e2&PTEPresent == 0 {
			continue
		}
		l2 := wrapTable(p.alloc, entryFrame(e2))
		e1 := l2.get(int(va.idx2()))
		if e1&PTEPresent == 0 {
			continue
		}
		l1 := wrapTable(p.alloc, entryFrame(e1))
		idx1 := int(va.idx1())
		leaf := l1.get(idx1)
		if leaf&PTEPresent == 0 {
			continue
		}
		l1.set(idx1, 0)
		if onUnmap != nil {
			onUnmap(entryFrame(leaf))
		}
	}
}

// Translate walks this process's L4 for va, returning the mapped frame
// and raw PTE flags if present. It is used both by the CoW fault handler
// and by the kernel-visibility property test.
func (p *ProcessPageTable) Translate(va VirtAddr) (f frame.Frame, flags uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.translateLocked(va)
}

func (p *ProcessPageTable) translateLocked(va VirtAddr) (frame.Frame, uint64, bool) {
	e4 := p.l4.get(int(va.idx4()))
	if e4&PTEPresent == 0 {
		return 0, 0, false
	}
	l3 := wrapTable(p.alloc, entryFrame(e4))
	e3 := l3.get(int(va.idx3()))
	if e3&PTEPresent == 0 {
		return 0, 0, false
	}
	l2 := wrapTable(p.alloc, entryFrame(e3))
	e2 := l2.get(int(va.idx2()))
	if e2&PTEPresent == 0 {
		return 0, 0, false
	}
	l1 := wrapTable(p.alloc, entryFrame(e2))
	e1 := l1.get(int(va.idx1()))
	if e1&PTEPresent == 0 {
		return 0, 0, false
	}
	return entryFrame(e1), e1 &^ pteFrameMask, true
}

// setEntry rewrites the leaf PTE for va in place (used by the CoW fault
// handler and by CloneForFork's per-leaf CoW marking).
func (p *ProcessPageTable) setEntry(va VirtAddr, f frame.Frame, flags uint64) error {
	e4 := p.l4.get(int(va.idx4()))
	if e4&PTEPresent == 0 {
		return errkit.New(errkit.EFAULT, "vm.setEntry: no L3")
	}
	l3 := wrapTable(p.alloc, entryFrame(e4))
	e3 := l3.get(int(va.idx3()))
	if e3&PTEPresent == 0 {
		return errkit.New(errkit.EFAULT, "vm.setEntry: no L2")
	}
	l2 := wrapTable(p.alloc, entryFrame(e3))
	e2 := l2.get(int(va.idx2()))
	if e2&PTEPresent == 0 {
		return errkit.New(errkit.EFAULT, "vm.setEntry: no L1")
	}
	l1 := wrapTable(p.alloc, entryFrame(e2))
	l1.set(int(va.idx1()), makeEntry(f, flags|PTEPresent))
	return nil
}

// L4Frame returns the frame backing this table's L4, the simulated CR3
// value a context switch would load.
func (p *ProcessPageTable) L4Frame() frame.Frame { return p.l4.frm }

// forEachUserLeaf walks every present leaf mapping below UserSpaceEnd,
// invoking fn(va, frame, flags). Used by CloneForFork. Caller must hold
// p.mu; it is released around each fn call so fn may itself call back
// into p's exported, locking methods.
func (p *ProcessPageTable) forEachUserLeaf(fn func(va VirtAddr, f frame.Frame, flags uint64)) {
	for i4 := 0; i4 < 256; i4++ {
		e4 := p.l4.get(i4)
		if e4&PTEPresent == 0 {
			continue
		}
		l3 := wrapTable(p.alloc, entryFrame(e4))
		for i3 := 0; i3 < 512; i3++ {
			e3 := l3.get(i3)
			if e3&PTEPresent == 0 {
				continue
			}
			l2 := wrapTable(p.alloc, entryFrame(e3))
			for i2 := 0; i2 < 512; i2++ {
				e2 := l2.get(i2)
				if e2&PTEPresent == 0 {
					continue
				}
				l1 := wrapTable(p.alloc, entryFrame(e2))
				for i1 := 0; i1 < 512; i1++ {
					e1 := l1.get(i1)
					if e1&PTEPresent == 0 {
						continue
					}
					va := VirtAddr((uint64(i4) << 39) | (uint64(i3) << 30) | (uint64(i2) << 21) | (uint64(i1) << 12))
					p.mu.Unlock()
					fn(va, entryFrame(e1), e1&^pteFrameMask)
					p.mu.Lock()
				}
			}
		}
	}
}
