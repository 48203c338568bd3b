// Package vm implements the kernel's global address space and the
// per-process page tables layered on top of it.
//
// Every level of the page-table radix tree (L4/L3/L2/L1) is backed by a
// real frame.Frame from the physical allocator, addressed as 512 8-byte
// entries, the same way real x86_64/aarch64 page tables are laid out.
// This package never touches a CPU register: it is the pure data
// structure the HAL would program CR3/TTBR0 with.
package vm

import (
	"encoding/binary"
	"sync"

	"github.com/breenix/breenix-go/errkit"
	"github.com/breenix/breenix-go/frame"
)

// PTE flag bits. Bit 9 (a software-available bit on real x86_64/aarch64
// page table formats) carries the CoW marker.
const (
	PTEPresent    = 1 << 0
	PTEWritable   = 1 << 1
	PTEUser       = 1 << 2
	PTECow        = 1 << 9
	PTENoExecute  = 1 << 63
	pteFrameMask  = 0x000F_FFFF_FFFF_F000
	pteFrameShift = 12
)

// VirtAddr is a canonical 48-bit virtual address.
type VirtAddr uint64

const pageSize = 4096

func (v VirtAddr) idx4() uint64  { return (uint64(v) >> 39) & 0x1FF }
func (v VirtAddr) idx3() uint64  { return (uint64(v) >> 30) & 0x1FF }
func (v VirtAddr) idx2() uint64  { return (uint64(v) >> 21) & 0x1FF }
func (v VirtAddr) idx1() uint64  { return (uint64(v) >> 12) & 0x1FF }
func (v VirtAddr) offset() uint64 { return uint64(v) & 0xFFF }

// PageAligned truncates v down to its containing page.
func (v VirtAddr) PageAligned() VirtAddr { return VirtAddr(uint64(v) &^ (pageSize - 1)) }

// UserSpaceEnd is the first non-canonical-low address, marking the
// user half as [0, 0x0000_8000_0000_0000).
const UserSpaceEnd VirtAddr = 0x0000_8000_0000_0000

// IsUser reports whether v lies in the low (user) half.
func (v VirtAddr) IsUser() bool { return v < UserSpaceEnd }

// table is a 512-entry page-table level backed by one physical frame.
type table struct {
	alloc *frame.Allocator
	frm   frame.Frame
}

func newTable(alloc *frame.Allocator) (table, error) {
	f, err := alloc.Alloc()
	if err != nil {
		return table{}, err
	}
	t := table{alloc: alloc, frm: f}
	for i := 0; i < 512; i++ {
		t.set(i, 0)
	}
	return t, nil
}

func wrapTable(alloc *frame.Allocator, f frame.Frame) table {
	return table{alloc: alloc, frm: f}
}

func (t table) get(i int) uint64 {
	b := t.alloc.Bytes(t.frm)
	return binary.LittleEndian.Uint64(b[i*8:])
}

func (t table) set(i int, v uint64) {
	b := t.alloc.Bytes(t.frm)
	binary.LittleEndian.PutUint64(b[i*8:], v)
}

func entryFrame(e uint64) frame.Frame { return frame.Frame((e & pteFrameMask) >> pteFrameShift) }

func makeEntry(f frame.Frame, flags uint64) uint64 {
	return (uint64(f) << pteFrameShift) | flags
}

// KernelPageTable is the single globally-shared kernel address space:
// the kernel PDPT. Every process's L4 copies pointers
// into this same L3 table, so a new kernel mapping becomes visible to
// every process instantly.
type KernelPageTable struct {
	mu    sync.Mutex
	alloc *frame.Allocator
	pdpt  table // the shared L3, referenced by PML4 slot l4Idx in every process
	l4Idx int   // the single PML4 index this L3 is installed under (>=256)
}

// NewKernelPageTable allocates the shared L3 and installs it at l4Idx
// (must be in 256..511, the canonical-high half).
func NewKernelPageTable(alloc *frame.Allocator, l4Idx int) (*KernelPageTable, error) {
	if l4Idx < 256 || l4Idx > 511 {
		return nil, errkit.New(errkit.EINVAL, "vm.NewKernelPageTable")
	}
	pdpt, err := newTable(alloc)
	if err != nil {
		return nil, err
	}
	return &KernelPageTable{alloc: alloc, pdpt: pdpt, l4Idx: l4Idx}, nil
}

// PDPTFrame returns the frame backing the shared L3, for installing into
// a process L4's matching slot.
func (k *KernelPageTable) PDPTFrame() frame.Frame { return k.pdpt.frm }

// MapKernelPage walks/creates L3->L2->L1 under the shared L3 and installs
// the leaf mapping, clearing the user-accessible bit unconditionally.
// Concurrency: the shared L3 is mutated under k.mu, a single global lock.
func (k *KernelPageTable) MapKernelPage(va VirtAddr, f frame.Frame, flags uint64) error {
	flags &^= PTEUser // kernel mappings are never user-accessible
	k.mu.Lock()
	defer k.mu.Unlock()

	l2, err := k.getOrCreate(k.pdpt, int(va.idx3()))
	if err != nil {
		return err
	}
	l1, err := k.getOrCreate(l2, int(va.idx2()))
	if err != nil {
		return err
	}
	idx1 := int(va.idx1())
	existing := l1.get(idx1)
	if existing&PTEPresent != 0 && entryFrame(existing) != f {
		return errkit.New(errkit.EEXIST, "vm.MapKernelPage")
	}
	l1.set(idx1, makeEntry(f, flags|PTEPresent))
	return nil
}

// getOrCreate returns the next-level table referenced by parent[idx],
// allocating and installing a fresh table frame if none is present yet.
func (k *KernelPageTable) getOrCreate(parent table, idx int) (table, error) {
	e := parent.get(idx)
	if e&PTEPresent != 0 {
		return wrapTable(k.alloc, entryFrame(e)), nil
	}
	child, err := newTable(k.alloc)
	if err != nil {
		return table{}, err
	}
	parent.set(idx, makeEntry(child.frm, PTEPresent|PTEWritable))
	return child, nil
}

// Translate walks the shared L3 for a kernel-half address, returning the
// mapped frame if present.
func (k *KernelPageTable) Translate(va VirtAddr) (frame.Frame, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e3 := k.pdpt.get(int(va.idx3()))
	if e3&PTEPresent == 0 {
		return 0, false
	}
	l2 := wrapTable(k.alloc, entryFrame(e3))
	e2 := l2.get(int(va.idx2()))
	if e2&PTEPresent == 0 {
		return 0, false
	}
	l1 := wrapTable(k.alloc, entryFrame(e2))
	e1 := l1.get(int(va.idx1()))
	if e1&PTEPresent == 0 {
		return 0, false
	}
	return entryFrame(e1), true
}
