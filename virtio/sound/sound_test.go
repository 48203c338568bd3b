package sound

import (
	"testing"

	"github.com/breenix/breenix-go/frame"
	"github.com/breenix/breenix-go/virtio"
)

func newTestDriver(t *testing.T) (*Driver, *Device) {
	t.Helper()
	alloc := frame.New(128)
	ctrl, err := virtio.New(alloc, 8)
	if err != nil {
		t.Fatalf("virtio.New(ctrl): %v", err)
	}
	tx, err := virtio.New(alloc, 8)
	if err != nil {
		t.Fatalf("virtio.New(tx): %v", err)
	}
	dev := NewDevice(alloc, ctrl, tx)
	drv := NewDriver(alloc, ctrl, tx, dev)
	return drv, dev
}

func TestSetupStreamThenWritePCM(t *testing.T) {
	drv, dev := newTestDriver(t)

	if err := drv.SetupStream(); err != nil {
		t.Fatalf("SetupStream: %v", err)
	}
	if !drv.streamedUp {
		t.Fatal("expected stream to be marked started")
	}

	pcmFrame := make([]byte, 4096)
	for i := range pcmFrame {
		pcmFrame[i] = byte(i)
	}
	n, err := drv.WritePCM(pcmFrame)
	if err != nil {
		t.Fatalf("WritePCM: %v", err)
	}
	if n != len(pcmFrame) {
		t.Fatalf("WritePCM returned %d, want %d", n, len(pcmFrame))
	}
	if got := dev.LastPCM(); len(got) != len(pcmFrame) || got[10] != pcmFrame[10] {
		t.Fatal("device did not receive the PCM frame it was sent")
	}
}

func TestWritePCMBeforeSetupFails(t *testing.T) {
	drv, _ := newTestDriver(t)
	if _, err := drv.WritePCM([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected WritePCM to fail before SetupStream")
	}
}

func TestWritePCMTruncatesOversizedFrame(t *testing.T) {
	drv, dev := newTestDriver(t)
	if err := drv.SetupStream(); err != nil {
		t.Fatalf("SetupStream: %v", err)
	}
	big := make([]byte, maxPCMFrameSize*2)
	n, err := drv.WritePCM(big)
	if err != nil {
		t.Fatalf("WritePCM: %v", err)
	}
	if n != maxPCMFrameSize {
		t.Fatalf("expected truncation to %d bytes, got %d", maxPCMFrameSize, n)
	}
	if len(dev.LastPCM()) != maxPCMFrameSize {
		t.Fatalf("device received %d bytes, want %d", len(dev.LastPCM()), maxPCMFrameSize)
	}
}
