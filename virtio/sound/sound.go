// Package sound implements a virtio-sound PCM playback client
// (original_source drivers/virtio/sound.rs), exercising the same split
// virtqueue contract as block: a control queue for SET_PARAMS/PREPARE/
// START commands and a TX queue for streamed PCM frames.
package sound

import (
	"encoding/binary"

	"github.com/breenix/breenix-go/errkit"
	"github.com/breenix/breenix-go/frame"
	"github.com/breenix/breenix-go/kconfig"
	"github.com/breenix/breenix-go/klog"
	"github.com/breenix/breenix-go/virtio"
)

// Control command codes (virtio_snd.h).
const (
	cmdSetParams uint32 = 0x0101
	cmdPrepare   uint32 = 0x0102
	cmdStart     uint32 = 0x0104

	respOK uint32 = 0x8000
)

// PCM format/rate codes (virtio_snd.h), fixed to the one configuration
// this driver supports: S16_LE, 44100 Hz, stereo.
const (
	pcmFormatS16    uint8 = 5
	pcmRate44100    uint8 = 6
	maxPCMFrameSize       = 16384
)

// Device is the simulated device half for both queues: it answers
// control commands with respOK and accepts PCM frames unconditionally,
// the same role block.Device plays for virtio-blk in this hosted
// kernel.
type Device struct {
	alloc    *frame.Allocator
	ctrl     *virtio.Virtqueue
	tx       *virtio.Virtqueue
	consumed [2]uint16 // per-queue avail index already processed

	lastPCM []byte // most recent PCM frame accepted, for tests to inspect
}

// NewDevice attaches the simulated device to the control and TX queues.
func NewDevice(alloc *frame.Allocator, ctrl, tx *virtio.Virtqueue) *Device {
	return &Device{alloc: alloc, ctrl: ctrl, tx: tx}
}

func (dev *Device) physBytes(phys uint64, length int) []byte {
	f := frame.Frame(phys / kconfig.FrameSize)
	off := int(phys % kconfig.FrameSize)
	return dev.alloc.Bytes(f)[off : off+length]
}

// Poll processes every pending chain on both queues, the hosted
// stand-in for a real device reacting to a doorbell write.
func (dev *Device) Poll() {
	dev.pollQueue(0, dev.ctrl, dev.processCtrl)
	dev.pollQueue(1, dev.tx, dev.processTX)
}

func (dev *Device) pollQueue(which int, vq *virtio.Virtqueue, process func(head uint16)) {
	avail := vq.AvailIdx()
	for dev.consumed[which] != avail {
		head := vq.AvailRingEntry(int(dev.consumed[which]))
		dev.consumed[which]++
		process(head)
	}
}

func (dev *Device) processCtrl(head uint16) {
	cmdPhys, cmdLen, hasNext, respIdx := dev.ctrl.DescPhysLen(int(head))
	if !hasNext {
		return
	}
	cmd := dev.physBytes(cmdPhys, int(cmdLen))
	code := binary.LittleEndian.Uint32(cmd[0:])

	respPhys, respLen, _, _ := dev.ctrl.DescPhysLen(respIdx)
	resp := dev.physBytes(respPhys, int(respLen))
	binary.LittleEndian.PutUint32(resp[0:], respOK)

	klog.Default().Debug("virtio-sound control command", "code", code)
	dev.ctrl.PushUsed(head, uint32(len(resp)))
}

func (dev *Device) processTX(head uint16) {
	_, _, hasNext, pcmIdx := dev.tx.DescPhysLen(int(head))
	if !hasNext {
		return
	}
	pcmPhys, pcmLen, hasNext2, statusIdx := dev.tx.DescPhysLen(pcmIdx)
	if !hasNext2 {
		return
	}
	pcm := dev.physBytes(pcmPhys, int(pcmLen))
	dev.lastPCM = append([]byte(nil), pcm...)

	statusPhys, statusLen, _, _ := dev.tx.DescPhysLen(statusIdx)
	status := dev.physBytes(statusPhys, int(statusLen))
	binary.LittleEndian.PutUint32(status[0:], 0) // latency-free completion
	binary.LittleEndian.PutUint32(status[4:], 0)

	klog.Default().Debug("virtio-sound PCM frame accepted", "bytes", len(pcm))
	dev.tx.PushUsed(head, uint32(pcmLen))
}

// LastPCM returns the most recently accepted PCM frame, for tests.
func (dev *Device) LastPCM() []byte { return dev.lastPCM }

// Driver is the driver-side virtio-sound client: SET_PARAMS/PREPARE/
// START over the control queue, then streamed PCM frames over the TX
// queue.
type Driver struct {
	alloc  *frame.Allocator
	ctrl   *virtio.Virtqueue
	tx     *virtio.Virtqueue
	device *Device

	pollBudget  int
	streamedUp  bool
	streamID    uint32
	bufferBytes uint32
	periodBytes uint32
}

// NewDriver builds a driver over ctrl/tx bound to device.
func NewDriver(alloc *frame.Allocator, ctrl, tx *virtio.Virtqueue, device *Device) *Driver {
	return &Driver{
		alloc:       alloc,
		ctrl:        ctrl,
		tx:          tx,
		device:      device,
		pollBudget:  1024,
		bufferBytes: 32768,
		periodBytes: 16384,
	}
}

// SetupStream runs SET_PARAMS, PREPARE, START in sequence (original_source's
// do_setup_stream), fixed to S16_LE/44100 Hz/stereo.
func (d *Driver) SetupStream() error {
	if d.streamedUp {
		return nil
	}

	params := make([]byte, 20)
	binary.LittleEndian.PutUint32(params[0:], cmdSetParams)
	binary.LittleEndian.PutUint32(params[4:], d.streamID)
	binary.LittleEndian.PutUint32(params[8:], d.bufferBytes)
	binary.LittleEndian.PutUint32(params[12:], d.periodBytes)
	binary.LittleEndian.PutUint32(params[16:], 0) // features
	paramsTail := []byte{2, pcmFormatS16, pcmRate44100, 0}
	params = append(params, paramsTail...)
	if err := d.sendCtrl(params); err != nil {
		return err
	}

	ctrl := make([]byte, 8)
	binary.LittleEndian.PutUint32(ctrl[0:], cmdPrepare)
	binary.LittleEndian.PutUint32(ctrl[4:], d.streamID)
	if err := d.sendCtrl(ctrl); err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(ctrl[0:], cmdStart)
	if err := d.sendCtrl(ctrl); err != nil {
		return err
	}

	d.streamedUp = true
	klog.Default().Info("virtio-sound stream started", "format", "S16_LE", "rate", 44100, "channels", 2)
	return nil
}

func (d *Driver) sendCtrl(cmd []byte) error {
	cmdFrame, err := d.alloc.Alloc()
	if err != nil {
		return err
	}
	defer d.alloc.Free(cmdFrame)
	respFrame, err := d.alloc.Alloc()
	if err != nil {
		return err
	}
	defer d.alloc.Free(respFrame)

	copy(d.alloc.Bytes(cmdFrame), cmd)

	head, ok := d.ctrl.AddChain([]virtio.Buffer{
		{Phys: cmdFrame.Addr(), Len: uint32(len(cmd)), DeviceWritable: false},
		{Phys: respFrame.Addr(), Len: 4, DeviceWritable: true},
	})
	if !ok {
		return errkit.New(errkit.ENOMEM, "sound.Driver: control queue full")
	}
	d.device.Poll()

	if err := d.waitUsed(d.ctrl, head); err != nil {
		return err
	}

	code := binary.LittleEndian.Uint32(d.alloc.Bytes(respFrame)[0:4])
	if code != respOK {
		return errkit.New(errkit.EIO, "sound.Driver: command failed")
	}
	return nil
}

// WritePCM streams one frame of PCM data (up to 16 KiB, original_source's
// do_write_pcm limit) to the device over the TX queue.
func (d *Driver) WritePCM(data []byte) (int, error) {
	if !d.streamedUp {
		return 0, errkit.New(errkit.EINVAL, "sound.Driver: stream not started")
	}
	n := len(data)
	if n > maxPCMFrameSize {
		n = maxPCMFrameSize
	}
	if n == 0 {
		return 0, nil
	}

	xferFrame, err := d.alloc.Alloc()
	if err != nil {
		return 0, err
	}
	defer d.alloc.Free(xferFrame)
	pcmFrames, err := d.alloc.AllocContiguous((n + kconfig.FrameSize - 1) / kconfig.FrameSize)
	if err != nil {
		return 0, err
	}
	defer func() {
		for _, f := range pcmFrames {
			d.alloc.Free(f)
		}
	}()
	statusFrame, err := d.alloc.Alloc()
	if err != nil {
		return 0, err
	}
	defer d.alloc.Free(statusFrame)

	xfer := d.alloc.Bytes(xferFrame)[:4]
	binary.LittleEndian.PutUint32(xfer, d.streamID)
	copy(d.alloc.RegionBytes(pcmFrames[0], n), data[:n])

	head, ok := d.tx.AddChain([]virtio.Buffer{
		{Phys: xferFrame.Addr(), Len: 4, DeviceWritable: false},
		{Phys: pcmFrames[0].Addr(), Len: uint32(n), DeviceWritable: false},
		{Phys: statusFrame.Addr(), Len: 8, DeviceWritable: true},
	})
	if !ok {
		return 0, errkit.New(errkit.ENOMEM, "sound.Driver: TX queue full")
	}
	d.device.Poll()

	if err := d.waitUsed(d.tx, head); err != nil {
		return 0, err
	}
	return n, nil
}

func (d *Driver) waitUsed(vq *virtio.Virtqueue, head uint16) error {
	for i := 0; i < d.pollBudget; i++ {
		if gotHead, _, ok := vq.GetUsed(); ok {
			vq.FreeChain(gotHead)
			if gotHead != head {
				return errkit.New(errkit.EIO, "sound.Driver: used ring head mismatch")
			}
			return nil
		}
	}
	vq.FreeChain(head)
	return errkit.New(errkit.EIO, "sound.Driver: timed out waiting for device")
}
