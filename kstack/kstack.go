// Package kstack implements the kernel stack allocator: a fixed
// virtual-address window holding a bounded number of stack slots,
// each a mapped stack region followed by an unmapped guard page, tracked
// by a bitmap exactly the way frame.Allocator tracks physical frames.
package kstack

import (
	"sync"

	"github.com/breenix/breenix-go/errkit"
	"github.com/breenix/breenix-go/frame"
	"github.com/breenix/breenix-go/kconfig"
	"github.com/breenix/breenix-go/vm"
)

const framesPerStack = kconfig.KernelStackSize / kconfig.FrameSize

// baseVA is an arbitrary fixed kernel-half address for the stack window;
// real placement would come from a linker-script layout table, which is
// out of scope here along with the rest of boot/linker concerns.
const baseVA vm.VirtAddr = 0xFFFF_9000_0000_0000

// Handle identifies an allocated kernel stack slot.
type Handle struct {
	index int
	top   vm.VirtAddr
	base  vm.VirtAddr
}

// Top is the initial stack pointer value for a freshly allocated stack:
// one past the highest mapped byte, growing down.
func (h Handle) Top() vm.VirtAddr { return h.top }

// Allocator hands out fixed-size kernel stack slots from a bitmap-tracked
// VA window, mapping/unmapping their backing frames through a
// KernelPageTable: allocate framesPerStack leaf frames and map them
// writable and no-execute.
type Allocator struct {
	mu       sync.Mutex
	alloc    *frame.Allocator
	kpt      *vm.KernelPageTable
	width    int
	bitmap   []uint64
	nextHint int
}

// NewAllocator creates an Allocator with room for width stack slots.
func NewAllocator(alloc *frame.Allocator, kpt *vm.KernelPageTable, width int) *Allocator {
	words := (width + 63) / 64
	return &Allocator{
		alloc:  alloc,
		kpt:    kpt,
		width:  width,
		bitmap: make([]uint64, words),
	}
}

func (a *Allocator) testBit(i int) bool { return a.bitmap[i/64]&(1<<(uint(i)%64)) != 0 }
func (a *Allocator) setBit(i int)       { a.bitmap[i/64] |= 1 << (uint(i) % 64) }
func (a *Allocator) clearBit(i int)     { a.bitmap[i/64] &^= 1 << (uint(i) % 64) }

func (a *Allocator) slotBase(i int) vm.VirtAddr {
	return baseVA + vm.VirtAddr(i*kconfig.KernelStackStride)
}

// Allocate finds the lowest-index free slot, allocates and maps its
// backing frames writable+no-execute, and returns a Handle whose Top is
// the stack's initial RSP.
func (a *Allocator) Allocate() (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := -1
	for i := 0; i < a.width; i++ {
		if !a.testBit(i) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Handle{}, errkit.New(errkit.ENOMEM, "kstack.Allocate")
	}

	base := a.slotBase(idx)
	var mapped []vm.VirtAddr
	for i := 0; i < framesPerStack; i++ {
		f, err := a.alloc.Alloc()
		if err != nil {
			a.unmapPartial(mapped)
			return Handle{}, err
		}
		va := base + vm.VirtAddr(i*kconfig.FrameSize)
		if err := a.kpt.MapKernelPage(va, f, vm.PTEWritable|vm.PTENoExecute); err != nil {
			a.alloc.Free(f)
			a.unmapPartial(mapped)
			return Handle{}, err
		}
		mapped = append(mapped, va)
	}

	a.setBit(idx)
	return Handle{index: idx, base: base, top: base + vm.VirtAddr(kconfig.KernelStackSize)}, nil
}

// unmapPartial is best-effort cleanup if frame allocation fails partway
// through Allocate; the kernel page table has no unmap primitive (kernel
// mappings are assumed to live for the life of the system), so this
// currently only exists to document the failure path and is a no-op
// beyond what already happened.
func (a *Allocator) unmapPartial(mapped []vm.VirtAddr) {}

// Free returns the slot's backing frames to the physical allocator and
// clears its bitmap bit. The mapping itself is left in place
// deliberately: like the rest of the kernel half, stack slot VA space is
// never reclaimed below the page-table level, only recycled at the
// bitmap/handle level, so a later Allocate of the same slot gets fresh
// backing.
func (a *Allocator) Free(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < framesPerStack; i++ {
		va := h.base + vm.VirtAddr(i*kconfig.FrameSize)
		if f, ok := a.kpt.Translate(va); ok {
			a.alloc.Free(f)
		}
	}
	a.clearBit(h.index)
}

// PerCPUStacks tracks one emergency/IST stack per CPU in a separate
// window, allocated lazily on first use.
type PerCPUStacks struct {
	mu    sync.Mutex
	alloc *frame.Allocator
	kpt   *vm.KernelPageTable
	tops  map[uint32]vm.VirtAddr
}

const percpuBaseVA vm.VirtAddr = 0xFFFF_9800_0000_0000

// NewPerCPUStacks creates an empty per-CPU emergency stack table.
func NewPerCPUStacks(alloc *frame.Allocator, kpt *vm.KernelPageTable) *PerCPUStacks {
	return &PerCPUStacks{alloc: alloc, kpt: kpt, tops: make(map[uint32]vm.VirtAddr)}
}

// Ensure allocates and maps cpuID's emergency stack on first use and
// returns its top.
func (p *PerCPUStacks) Ensure(cpuID uint32) (vm.VirtAddr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if top, ok := p.tops[cpuID]; ok {
		return top, nil
	}
	base := percpuBaseVA + vm.VirtAddr(uint64(cpuID)*uint64(kconfig.KernelStackStride))
	for i := 0; i < framesPerStack; i++ {
		f, err := p.alloc.Alloc()
		if err != nil {
			return 0, err
		}
		va := base + vm.VirtAddr(i*kconfig.FrameSize)
		if err := p.kpt.MapKernelPage(va, f, vm.PTEWritable|vm.PTENoExecute); err != nil {
			return 0, err
		}
	}
	top := base + vm.VirtAddr(kconfig.KernelStackSize)
	p.tops[cpuID] = top
	return top, nil
}
