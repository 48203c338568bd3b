// Package virtio implements the split virtqueue: the descriptor table +
// available ring + used ring discipline shared by the block and sound
// drivers.
package virtio

import (
	"encoding/binary"
	"sync"

	"github.com/breenix/breenix-go/errkit"
	"github.com/breenix/breenix-go/frame"
	"github.com/breenix/breenix-go/kconfig"
)

// Descriptor flag bits (legacy VirtIO split ring).
const (
	DescNext  uint16 = 1 << 0
	DescWrite uint16 = 1 << 1
)

const descSize = 16

// Buffer is one entry of an add_chain call: a DMA-visible physical
// range and whether the device is allowed to write into it.
type Buffer struct {
	Phys           uint64
	Len            uint32
	DeviceWritable bool
}

func roundUpPage(n int) int {
	return (n + kconfig.FrameSize - 1) &^ (kconfig.FrameSize - 1)
}

// Virtqueue is one split virtqueue: descriptor table, available ring,
// used ring, allocated as physically contiguous frames (three
// contiguous regions, the used ring aligned to the next 4 KiB boundary
// after the avail ring). N (QueueSize) is fixed at construction,
// standing in for the legacy transport's read-only QUEUE_SIZE register.
type Virtqueue struct {
	mu sync.Mutex

	alloc  *frame.Allocator
	frames []frame.Frame
	buf    []byte // the three regions, contiguous, descriptor table first

	n int

	descOff  int
	availOff int
	usedOff  int

	freeHead    int
	numFree     int
	lastUsedIdx uint16
}

// New allocates a virtqueue of size n (must be a power of two, N <= 256)
// and initializes an all-free descriptor free list.
func New(alloc *frame.Allocator, n int) (*Virtqueue, error) {
	if n <= 0 || n > 256 || n&(n-1) != 0 {
		return nil, errkit.New(errkit.EINVAL, "virtio.New: queue size must be a power of two <= 256")
	}
	descBytes := n * descSize
	availBytes := 6 + 2*n
	usedOff := roundUpPage(descBytes + availBytes)
	usedBytes := 6 + 8*n
	total := usedOff + usedBytes

	framesNeeded := (total + kconfig.FrameSize - 1) / kconfig.FrameSize
	frames, err := alloc.AllocContiguous(framesNeeded)
	if err != nil {
		return nil, err
	}

	vq := &Virtqueue{
		alloc:    alloc,
		frames:   frames,
		buf:      alloc.RegionBytes(frames[0], framesNeeded*kconfig.FrameSize),
		n:        n,
		descOff:  0,
		availOff: descBytes,
		usedOff:  usedOff,
		numFree:  n,
	}
	for i := 0; i < n; i++ {
		vq.setDesc(i, 0, 0, 0, uint16(i+1))
	}
	return vq, nil
}

// DescTableFrame is the physical page number a legacy transport's
// QUEUE_ADDR register would be programmed with.
func (vq *Virtqueue) DescTableFrame() frame.Frame { return vq.frames[0] }

func (vq *Virtqueue) descAt(i int) []byte {
	return vq.buf[vq.descOff+i*descSize : vq.descOff+i*descSize+descSize]
}

func (vq *Virtqueue) setDesc(i int, phys uint64, length uint32, flags uint16, next uint16) {
	d := vq.descAt(i)
	binary.LittleEndian.PutUint64(d[0:], phys)
	binary.LittleEndian.PutUint32(d[8:], length)
	binary.LittleEndian.PutUint16(d[12:], flags)
	binary.LittleEndian.PutUint16(d[14:], next)
}

func (vq *Virtqueue) descNext(i int) uint16 {
	return binary.LittleEndian.Uint16(vq.descAt(i)[14:])
}

func (vq *Virtqueue) availIdxPtr() []byte    { return vq.buf[vq.availOff+2 : vq.availOff+4] }
func (vq *Virtqueue) availRingSlot(i int) []byte {
	off := vq.availOff + 4 + 2*(i%vq.n)
	return vq.buf[off : off+2]
}

func (vq *Virtqueue) usedIdxPtr() []byte { return vq.buf[vq.usedOff+2 : vq.usedOff+4] }
func (vq *Virtqueue) usedRingSlot(i int) []byte {
	off := vq.usedOff + 4 + 8*(i%vq.n)
	return vq.buf[off : off+8]
}

// AvailIdx and UsedIdx expose the ring indices to the device-side
// simulation (block.Disk/sound's processing loop), which is this hosted
// kernel's stand-in for a real VirtIO device watching the same memory
// over DMA.
func (vq *Virtqueue) AvailIdx() uint16 { return binary.LittleEndian.Uint16(vq.availIdxPtr()) }
func (vq *Virtqueue) UsedIdx() uint16  { return binary.LittleEndian.Uint16(vq.usedIdxPtr()) }

// AvailRingEntry returns the descriptor head the driver published at
// avail ring slot i.
func (vq *Virtqueue) AvailRingEntry(i int) uint16 {
	return binary.LittleEndian.Uint16(vq.availRingSlot(i))
}

// DescPhysLen returns descriptor i's physical address, length, and
// whether NEXT is set plus its next index: the device-side chain walk.
func (vq *Virtqueue) DescPhysLen(i int) (phys uint64, length uint32, hasNext bool, next int) {
	d := vq.descAt(i)
	phys = binary.LittleEndian.Uint64(d[0:])
	length = binary.LittleEndian.Uint32(d[8:])
	flags := binary.LittleEndian.Uint16(d[12:])
	next = int(binary.LittleEndian.Uint16(d[14:]))
	hasNext = flags&DescNext != 0
	return
}

// PushUsed is the device-side write of one completed chain (head,
// bytes_written) into the used ring, called by the simulated device
// backend after it finishes processing a chain walked via DescPhysLen.
func (vq *Virtqueue) PushUsed(head uint16, bytesWritten uint32) {
	idx := vq.UsedIdx()
	slot := vq.usedRingSlot(int(idx))
	binary.LittleEndian.PutUint32(slot[0:], uint32(head))
	binary.LittleEndian.PutUint32(slot[4:], bytesWritten)
	// release fence: the ring entry above must land before idx advances,
	// since idx advancing is the signal the driver's has_used polls on.
	// This hosted simulation's driver and device share one address space
	// and the device runs synchronously on the driver's goroutine (its
	// Poll), so program order already gives that ordering; a real
	// cross-CPU transport would need an explicit store-release here.
	binary.LittleEndian.PutUint16(vq.usedIdxPtr(), idx+1)
}

// AddChain is the driver-side enqueue: allocate one
// descriptor per buffer from the free list, chain them, publish the
// head in the avail ring, and bump avail.idx. Returns false if the free
// list can't satisfy the chain.
func (vq *Virtqueue) AddChain(buffers []Buffer) (head uint16, ok bool) {
	vq.mu.Lock()
	defer vq.mu.Unlock()

	if len(buffers) == 0 || vq.numFree < len(buffers) {
		return 0, false
	}

	indices := make([]int, len(buffers))
	cur := vq.freeHead
	for i := range buffers {
		indices[i] = cur
		cur = int(vq.descNext(cur))
	}
	vq.freeHead = cur
	vq.numFree -= len(buffers)

	for i, b := range buffers {
		flags := uint16(0)
		if b.DeviceWritable {
			flags |= DescWrite
		}
		next := uint16(0)
		if i < len(buffers)-1 {
			flags |= DescNext
			next = uint16(indices[i+1])
		}
		vq.setDesc(indices[i], b.Phys, b.Len, flags, next)
	}

	h := uint16(indices[0])
	idx := vq.AvailIdx()
	binary.LittleEndian.PutUint16(vq.availRingSlot(int(idx)), h)
	// release fence: the chain above must be visible before avail.idx
	// advances, since that's the signal a device is allowed to act on it.
	binary.LittleEndian.PutUint16(vq.availIdxPtr(), idx+1)
	return h, true
}

// HasUsed is an acquire-fenced check of whether the device has
// completed a chain the driver hasn't consumed yet.
func (vq *Virtqueue) HasUsed() bool {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	return vq.UsedIdx() != vq.lastUsedIdx
}

// GetUsed consumes the next used-ring entry if one is available.
func (vq *Virtqueue) GetUsed() (head uint16, bytesWritten uint32, ok bool) {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	if vq.UsedIdx() == vq.lastUsedIdx {
		return 0, 0, false
	}
	slot := vq.usedRingSlot(int(vq.lastUsedIdx))
	head = uint16(binary.LittleEndian.Uint32(slot[0:]))
	bytesWritten = binary.LittleEndian.Uint32(slot[4:])
	vq.lastUsedIdx++
	return head, bytesWritten, true
}

// FreeChain walks NEXT from head and pushes every descriptor back onto
// the free list.
func (vq *Virtqueue) FreeChain(head uint16) {
	vq.mu.Lock()
	defer vq.mu.Unlock()

	i := int(head)
	count := 0
	for {
		count++
		d := vq.descAt(i)
		flags := binary.LittleEndian.Uint16(d[12:])
		next := binary.LittleEndian.Uint16(d[14:])
		if flags&DescNext == 0 {
			binary.LittleEndian.PutUint16(d[14:], uint16(vq.freeHead))
			vq.freeHead = int(head)
			break
		}
		i = int(next)
	}
	vq.numFree += count
}

// NumFree reports the free list's current length, for tests asserting
// property 6 (virtqueue liveness: every descriptor returns to the free
// list after free_chain).
func (vq *Virtqueue) NumFree() int {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	return vq.numFree
}
