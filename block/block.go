// Package block implements the virtio-blk driver and its block flow
// on top of virtio's split virtqueue. Since this kernel is
// hosted rather than running under QEMU, there is no real PCI/MMIO
// device on the other end of the ring; Disk plays that role, watching
// the same virtqueue memory the way a real device would over DMA and
// answering through the used ring.
package block

import (
	"encoding/binary"

	"github.com/breenix/breenix-go/errkit"
	"github.com/breenix/breenix-go/frame"
	"github.com/breenix/breenix-go/kconfig"
	"github.com/breenix/breenix-go/klog"
	"github.com/breenix/breenix-go/virtio"
)

const (
	SectorSize = 512

	blkTypeIn  uint32 = 0 // VIRTIO_BLK_T_IN: device reads, driver's data buffer is written
	blkTypeOut uint32 = 1 // VIRTIO_BLK_T_OUT: driver writes, device consumes
)

// Disk is the simulated backing store a Device processes requests
// against: a flat byte image addressed in 512-byte sectors, standing in
// for the real block device a VirtIO PCI/MMIO transport would front.
type Disk struct {
	data []byte
}

// NewDisk creates a zeroed disk of the given sector count.
func NewDisk(sectors int) *Disk {
	return &Disk{data: make([]byte, sectors*SectorSize)}
}

// WriteSector installs raw sector content, for tests to seed an image
// (e.g. an MBR signature at sector 0).
func (d *Disk) WriteSector(sector uint64, content []byte) {
	off := int(sector) * SectorSize
	copy(d.data[off:off+SectorSize], content)
}

// Device is the simulated virtio-blk target: it watches a Virtqueue's
// avail ring and answers through the used ring, the device-side half of
// the block flow a real VirtIO device implements in hardware.
type Device struct {
	vq       *virtio.Virtqueue
	alloc    *frame.Allocator
	disk     *Disk
	consumed uint16 // avail ring index already processed
}

// NewDevice attaches disk as the backing store behind vq.
func NewDevice(vq *virtio.Virtqueue, alloc *frame.Allocator, disk *Disk) *Device {
	return &Device{vq: vq, alloc: alloc, disk: disk}
}

// Poll processes every avail ring entry published since the last Poll,
// the simulated equivalent of a real device's doorbell-triggered DMA
// read of the descriptor chain.
func (dev *Device) Poll() {
	avail := dev.vq.AvailIdx()
	for dev.consumed != avail {
		head := dev.vq.AvailRingEntry(int(dev.consumed))
		dev.consumed++
		dev.processChain(head)
	}
}

func (dev *Device) processChain(head uint16) {
	hdrPhys, _, hasNext, next := dev.vq.DescPhysLen(int(head))
	if !hasNext {
		return // malformed chain: a header-only request has nothing to answer
	}
	hdr := dev.physBytes(hdrPhys, 16)
	reqType := binary.LittleEndian.Uint32(hdr[0:])
	sector := binary.LittleEndian.Uint64(hdr[8:])

	dataPhys, dataLen, hasNext2, statusIdx := dev.vq.DescPhysLen(next)
	if !hasNext2 {
		return
	}
	data := dev.physBytes(dataPhys, int(dataLen))
	statusPhys, _, _, _ := dev.vq.DescPhysLen(statusIdx)
	status := dev.physBytes(statusPhys, 1)

	var ok bool
	switch reqType {
	case blkTypeIn:
		ok = dev.diskRead(sector, data)
	case blkTypeOut:
		ok = dev.diskWrite(sector, data)
	}
	if ok {
		status[0] = 0
	} else {
		status[0] = 1
	}
	klog.Default().Debug("virtio-blk request processed", "type", reqType, "sector", sector, "ok", ok)
	dev.vq.PushUsed(head, uint32(len(data)))
}

func (dev *Device) physBytes(phys uint64, length int) []byte {
	f := frame.Frame(phys / kconfig.FrameSize)
	off := int(phys % kconfig.FrameSize)
	return dev.alloc.Bytes(f)[off : off+length]
}

func (dev *Device) diskRead(sector uint64, out []byte) bool {
	off := int(sector) * SectorSize
	if off < 0 || off+len(out) > len(dev.disk.data) {
		return false
	}
	copy(out, dev.disk.data[off:off+len(out)])
	return true
}

func (dev *Device) diskWrite(sector uint64, in []byte) bool {
	off := int(sector) * SectorSize
	if off < 0 || off+len(in) > len(dev.disk.data) {
		return false
	}
	copy(dev.disk.data[off:off+len(in)], in)
	return true
}

// Driver is the driver-side half: it builds the three-buffer chain
// (header, data, status), notifies (which in this hosted simulation
// means "let the device Poll"), and bounded-spin-polls has_used.
type Driver struct {
	vq     *virtio.Virtqueue
	alloc  *frame.Allocator
	device *Device

	pollBudget int // bounded spin-wait iterations before giving up
}

// NewDriver builds a driver bound to vq/device, with a default poll
// budget generous enough for this simulation's synchronous device.
func NewDriver(vq *virtio.Virtqueue, alloc *frame.Allocator, device *Device) *Driver {
	return &Driver{vq: vq, alloc: alloc, device: device, pollBudget: 1024}
}

// ReadSector runs the block driver flow for a read: header(16, R),
// data(512, W), status(1, W); notify; poll has_used with a bounded
// timeout; verify status == 0; copy out; free the chain.
func (d *Driver) ReadSector(sector uint64, out []byte) error {
	return d.doIO(blkTypeIn, sector, out)
}

// WriteSector is the write-direction counterpart: the data buffer is
// driver-writable from the device's perspective flipped (device reads
// it), so it is chained read-only.
func (d *Driver) WriteSector(sector uint64, in []byte) error {
	return d.doIO(blkTypeOut, sector, in)
}

func (d *Driver) doIO(reqType uint32, sector uint64, buf []byte) error {
	if len(buf) != SectorSize {
		return errkit.New(errkit.EINVAL, "block.Driver: buffer must be exactly one sector")
	}

	hdrFrame, err := d.alloc.Alloc()
	if err != nil {
		return err
	}
	defer d.alloc.Free(hdrFrame)
	dataFrame, err := d.alloc.Alloc()
	if err != nil {
		return err
	}
	defer d.alloc.Free(dataFrame)
	statusFrame, err := d.alloc.Alloc()
	if err != nil {
		return err
	}
	defer d.alloc.Free(statusFrame)

	hdr := d.alloc.Bytes(hdrFrame)[:16]
	binary.LittleEndian.PutUint32(hdr[0:], reqType)
	binary.LittleEndian.PutUint32(hdr[4:], 0)
	binary.LittleEndian.PutUint64(hdr[8:], sector)

	data := d.alloc.Bytes(dataFrame)[:SectorSize]
	if reqType == blkTypeOut {
		copy(data, buf)
	}

	head, ok := d.vq.AddChain([]virtio.Buffer{
		{Phys: hdrFrame.Addr(), Len: 16, DeviceWritable: false},
		{Phys: dataFrame.Addr(), Len: SectorSize, DeviceWritable: reqType == blkTypeIn},
		{Phys: statusFrame.Addr(), Len: 1, DeviceWritable: true},
	})
	if !ok {
		return errkit.New(errkit.ENOMEM, "block.Driver: virtqueue full")
	}

	d.device.Poll() // the doorbell: this hosted simulation's device runs synchronously on notify

	var gotHead uint16
	var gotOK bool
	for i := 0; i < d.pollBudget; i++ {
		if gotHead, _, gotOK = d.vq.GetUsed(); gotOK {
			break
		}
	}
	if !gotOK {
		d.vq.FreeChain(head)
		return errkit.New(errkit.EIO, "block.Driver: timed out waiting for device")
	}
	if gotHead != head {
		return errkit.New(errkit.EIO, "block.Driver: used ring head mismatch")
	}

	status := d.alloc.Bytes(statusFrame)[0]
	if status != 0 {
		d.vq.FreeChain(head)
		return errkit.New(errkit.EIO, "block.Driver: device reported request failure")
	}
	if reqType == blkTypeIn {
		copy(buf, data)
	}
	d.vq.FreeChain(head)
	return nil
}
