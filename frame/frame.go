// Package frame implements the physical frame allocator: 4 KiB frame
// alloc/free over a simulated physical memory arena, plus a parallel
// refcount table that backs copy-on-write sharing.
package frame

import (
	"sync"

	"github.com/breenix/breenix-go/errkit"
	"github.com/breenix/breenix-go/kconfig"
)

// Frame identifies a physical frame by its frame number (not byte
// address). Frame 0 is a valid, allocatable frame.
type Frame uint64

// Addr returns the physical byte address of the frame.
func (f Frame) Addr() uint64 { return uint64(f) * kconfig.FrameSize }

// Allocator hands out frames from a fixed-size arena and tracks a
// refcount per frame so CoW can tell a private page (refcount==1) from a
// shared one (refcount>1).
type Allocator struct {
	mu       sync.Mutex
	total    uint64
	bitmap   []uint64 // one bit per frame, 1 == in use
	refcount []uint32
	nextHint uint64
	storage  []byte // backing bytes for every frame, arena-contiguous
}

// New creates an Allocator over totalFrames frames.
func New(totalFrames int) *Allocator {
	words := (totalFrames + 63) / 64
	return &Allocator{
		total:    uint64(totalFrames),
		bitmap:   make([]uint64, words),
		refcount: make([]uint32, totalFrames),
		storage:  make([]byte, totalFrames*kconfig.FrameSize),
	}
}

func (a *Allocator) testBit(i uint64) bool {
	return a.bitmap[i/64]&(1<<(i%64)) != 0
}

func (a *Allocator) setBit(i uint64) {
	a.bitmap[i/64] |= 1 << (i % 64)
}

func (a *Allocator) clearBit(i uint64) {
	a.bitmap[i/64] &^= 1 << (i % 64)
}

// Alloc returns the first free frame at or after the allocation hint
// (one past the frame it last handed out), wrapping around to frame 0,
// and marks it in use with refcount 1.
func (a *Allocator) Alloc() (Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := uint64(0); i < a.total; i++ {
		idx := (a.nextHint + i) % a.total
		if !a.testBit(idx) {
			a.setBit(idx)
			a.refcount[idx] = 1
			a.nextHint = idx + 1
			return Frame(idx), nil
		}
	}
	return 0, errkit.New(errkit.ENOMEM, "frame.Alloc")
}

// AllocContiguous allocates n frames whose frame numbers are adjacent,
// required for virtqueue regions in the absence of an IOMMU. It scans
// for a run of n free frames and retries from the next position on
// failure; there is no defragmentation.
func (a *Allocator) AllocContiguous(n int) ([]Frame, error) {
	if n <= 0 {
		return nil, errkit.New(errkit.EINVAL, "frame.AllocContiguous")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	run := 0
	start := uint64(0)
	for i := uint64(0); i < a.total; i++ {
		if !a.testBit(i) {
			if run == 0 {
				start = i
			}
			run++
			if run == n {
				frames := make([]Frame, n)
				for j := 0; j < n; j++ {
					idx := start + uint64(j)
					a.setBit(idx)
					a.refcount[idx] = 1
					frames[j] = Frame(idx)
				}
				return frames, nil
			}
		} else {
			run = 0
		}
	}
	return nil, errkit.New(errkit.ENOMEM, "frame.AllocContiguous")
}

// Free releases a frame unconditionally. Callers that participate in
// CoW sharing should use Decref instead.
func (a *Allocator) Free(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clearBit(uint64(f))
	a.refcount[f] = 0
}

// Incref bumps a frame's refcount, used before aliasing it into a second
// address space (CoW fork).
func (a *Allocator) Incref(f Frame) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refcount[f]++
	return a.refcount[f]
}

// Decref drops a frame's refcount by one, freeing it when it reaches
// zero. Returns true if the frame was freed.
func (a *Allocator) Decref(f Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refcount[f] == 0 {
		return false
	}
	a.refcount[f]--
	if a.refcount[f] == 0 {
		a.clearBit(uint64(f))
		return true
	}
	return false
}

// Refcount returns a frame's current refcount.
func (a *Allocator) Refcount(f Frame) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refcount[f]
}

// IsShared reports whether a frame's refcount is greater than one: the
// CoW sharing predicate.
func (a *Allocator) IsShared(f Frame) bool {
	return a.Refcount(f) > 1
}

// Bytes returns the frame's backing storage as a 4 KiB slice. Callers
// hold no lock over the returned slice; concurrent writers to the same
// frame must serialize via the owning page table's lock.
func (a *Allocator) Bytes(f Frame) []byte {
	off := f.Addr()
	return a.storage[off : off+kconfig.FrameSize]
}

// RegionBytes returns length bytes of backing storage starting at the
// physical address of first, spanning as many frames as length needs.
// Virtqueue regions are allocated via AllocContiguous specifically so
// this view is valid: storage is one arena-wide slice
// indexed by physical address, so a run of adjacent frame numbers is
// already a contiguous byte range.
func (a *Allocator) RegionBytes(first Frame, length int) []byte {
	off := first.Addr()
	return a.storage[off : off+uint64(length)]
}

// Total returns the number of frames in the arena.
func (a *Allocator) Total() uint64 { return a.total }

// FreeCount returns the number of frames currently unallocated.
func (a *Allocator) FreeCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var free uint64
	for i := uint64(0); i < a.total; i++ {
		if !a.testBit(i) {
			free++
		}
	}
	return free
}
