package block

import (
	"testing"

	"github.com/breenix/breenix-go/frame"
	"github.com/breenix/breenix-go/virtio"
)

// TestReadSectorZeroMBRSignature is scenario E6: read 512 bytes from
// sector 0; the last two bytes are 0x55 0xAA (the MBR signature).
func TestReadSectorZeroMBRSignature(t *testing.T) {
	alloc := frame.New(128)
	vq, err := virtio.New(alloc, 8)
	if err != nil {
		t.Fatalf("virtio.New: %v", err)
	}

	disk := NewDisk(16)
	mbr := make([]byte, SectorSize)
	mbr[510] = 0x55
	mbr[511] = 0xAA
	disk.WriteSector(0, mbr)

	dev := NewDevice(vq, alloc, disk)
	drv := NewDriver(vq, alloc, dev)

	var out [SectorSize]byte
	if err := drv.ReadSector(0, out[:]); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if out[510] != 0x55 || out[511] != 0xAA {
		t.Fatalf("expected MBR signature 0x55 0xAA, got %#x %#x", out[510], out[511])
	}
	if vq.NumFree() != 8 {
		t.Fatalf("expected all descriptors freed after the round trip, free=%d want 8", vq.NumFree())
	}
}

func TestWriteThenReadSectorRoundTrip(t *testing.T) {
	alloc := frame.New(128)
	vq, err := virtio.New(alloc, 8)
	if err != nil {
		t.Fatalf("virtio.New: %v", err)
	}
	disk := NewDisk(16)
	dev := NewDevice(vq, alloc, disk)
	drv := NewDriver(vq, alloc, dev)

	var in [SectorSize]byte
	for i := range in {
		in[i] = byte(i)
	}
	if err := drv.WriteSector(3, in[:]); err != nil {
		t.Fatalf("WriteSector: %v", err)
	}

	var out [SectorSize]byte
	if err := drv.ReadSector(3, out[:]); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if out != in {
		t.Fatal("read back content does not match what was written")
	}
}

func TestReadSectorOutOfRangeFails(t *testing.T) {
	alloc := frame.New(128)
	vq, err := virtio.New(alloc, 8)
	if err != nil {
		t.Fatalf("virtio.New: %v", err)
	}
	disk := NewDisk(4)
	dev := NewDevice(vq, alloc, disk)
	drv := NewDriver(vq, alloc, dev)

	var out [SectorSize]byte
	if err := drv.ReadSector(100, out[:]); err == nil {
		t.Fatal("expected an out-of-range sector read to fail")
	}
}
