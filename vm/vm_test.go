package vm

import (
	"testing"

	"github.com/breenix/breenix-go/frame"
)

func setup(t *testing.T) (*frame.Allocator, *KernelPageTable) {
	t.Helper()
	alloc := frame.New(256)
	kpt, err := NewKernelPageTable(alloc, 256)
	if err != nil {
		t.Fatalf("NewKernelPageTable: %v", err)
	}
	return alloc, kpt
}

// TestKernelVisibility verifies that every process's
// translation of a kernel-half address matches the global kernel table,
// and the PTE never carries the user-accessible bit.
func TestKernelVisibility(t *testing.T) {
	alloc, kpt := setup(t)

	kf, err := alloc.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	kva := VirtAddr(0xFFFF_8000_0010_0000)
	if err := kpt.MapKernelPage(kva, kf, PTEWritable); err != nil {
		t.Fatalf("MapKernelPage: %v", err)
	}

	p1, err := NewProcessPageTable(alloc, kpt)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := NewProcessPageTable(alloc, kpt)
	if err != nil {
		t.Fatal(err)
	}

	got1, flags1, ok1 := p1.Translate(kva)
	got2, flags2, ok2 := p2.Translate(kva)
	want, wantOK := kpt.Translate(kva)

	if !ok1 || !ok2 || !wantOK {
		t.Fatal("expected kernel page visible in both processes and kernel table")
	}
	if got1 != want || got2 != want {
		t.Fatalf("process translations diverge from kernel table: %v %v want %v", got1, got2, want)
	}
	if flags1&PTEUser != 0 || flags2&PTEUser != 0 {
		t.Fatal("kernel-half PTE must never carry the user bit")
	}

	// A mapping installed after both process tables exist is still
	// visible to both, because they share the L3 pointer.
	kf2, _ := alloc.Alloc()
	kva2 := kva + 4096
	if err := kpt.MapKernelPage(kva2, kf2, PTEWritable); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := translateOK(p1, kva2); !ok {
		t.Fatal("late kernel mapping not visible to p1")
	}
	if _, ok, _ := translateOK(p2, kva2); !ok {
		t.Fatal("late kernel mapping not visible to p2")
	}
}

func translateOK(p *ProcessPageTable, va VirtAddr) (frame.Frame, bool, uint64) {
	f, flags, ok := p.Translate(va)
	return f, ok, flags
}

// TestMapRefusesCollision covers "map refuses to overwrite a different
// existing mapping".
func TestMapRefusesCollision(t *testing.T) {
	alloc, kpt := setup(t)
	p, err := NewProcessPageTable(alloc, kpt)
	if err != nil {
		t.Fatal(err)
	}
	va := VirtAddr(0x1000)
	f1, _ := alloc.Alloc()
	f2, _ := alloc.Alloc()

	if err := p.Map(va, f1, PTEUser|PTEWritable); err != nil {
		t.Fatal(err)
	}
	if err := p.Map(va, f2, PTEUser|PTEWritable); err == nil {
		t.Fatal("expected collision error mapping a different frame at the same va")
	}
	if err := p.Map(va, f1, PTEUser|PTEWritable); err != nil {
		t.Fatalf("remapping same frame should be idempotent: %v", err)
	}
}

// TestCowForkAndFaultDeterminism covers CoW fork determinism and
// isolation: write before fork, fork, diverge writes, observe isolation
// and refcount settling back to 1.
func TestCowForkAndFaultDeterminism(t *testing.T) {
	alloc, kpt := setup(t)
	parent, err := NewProcessPageTable(alloc, kpt)
	if err != nil {
		t.Fatal(err)
	}

	va := VirtAddr(0x2000)
	pf, _ := alloc.Alloc()
	alloc.Bytes(pf)[0] = 0xA5
	if err := parent.Map(va, pf, PTEUser|PTEWritable); err != nil {
		t.Fatal(err)
	}

	child, err := NewProcessPageTable(alloc, kpt)
	if err != nil {
		t.Fatal(err)
	}
	if err := CloneForFork(alloc, parent, child); err != nil {
		t.Fatalf("CloneForFork: %v", err)
	}
	if got := alloc.Refcount(pf); got != 2 {
		t.Fatalf("expected refcount 2 after fork, got %d", got)
	}

	// Parent writes: triggers CoW, parent gets a private copy.
	outcome, err := HandleCowFault(alloc, parent, va)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != FaultResolved {
		t.Fatal("expected parent write fault to resolve")
	}
	parentFrame, _, _ := parent.Translate(va)
	alloc.Bytes(parentFrame)[0] = 0x5A

	// Child reads: still sees the original byte, from the original frame.
	childFrame, childFlags, ok := child.Translate(va)
	if !ok {
		t.Fatal("child translation missing")
	}
	if childFlags&PTECow == 0 {
		t.Fatal("child should still be CoW until it writes")
	}
	if got := alloc.Bytes(childFrame)[0]; got != 0xA5 {
		t.Fatalf("child should observe pre-fork value 0xA5, got %#x", got)
	}
	if got := alloc.Bytes(parentFrame)[0]; got != 0x5A {
		t.Fatalf("parent should observe its own write 0x5A, got %#x", got)
	}

	// Refcount on the original frame drops to 1 once the parent broke
	// away; child is now the sole owner.
	if got := alloc.Refcount(pf); got != 1 {
		t.Fatalf("expected refcount 1 on original frame after parent CoW, got %d", got)
	}

	// Child writes now: becomes sole owner in place (no new allocation).
	outcome, err = HandleCowFault(alloc, child, va)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != FaultResolved {
		t.Fatal("expected child write fault to resolve")
	}
	if got := alloc.Refcount(pf); got != 1 {
		t.Fatalf("expected refcount still 1 (child took sole ownership), got %d", got)
	}
	_, childFlags2, _ := child.Translate(va)
	if childFlags2&PTECow != 0 {
		t.Fatal("child page should no longer be marked CoW")
	}
}

func TestNonCowFaultIsFatal(t *testing.T) {
	alloc, kpt := setup(t)
	p, err := NewProcessPageTable(alloc, kpt)
	if err != nil {
		t.Fatal(err)
	}
	f, _ := alloc.Alloc()
	if err := p.Map(0x3000, f, PTEUser|PTEWritable); err != nil {
		t.Fatal(err)
	}
	outcome, err := HandleCowFault(alloc, p, 0x3000)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != FaultFatal {
		t.Fatal("a write fault on an already-writable page is not CoW: must be fatal")
	}
}

func TestUnmapRangeDecrefsFrames(t *testing.T) {
	alloc, kpt := setup(t)
	p, err := NewProcessPageTable(alloc, kpt)
	if err != nil {
		t.Fatal(err)
	}
	f, _ := alloc.Alloc()
	if err := p.Map(0x4000, f, PTEUser|PTEWritable); err != nil {
		t.Fatal(err)
	}
	var freed []frame.Frame
	p.UnmapRange(0x4000, 0x5000, func(fr frame.Frame) {
		if alloc.Decref(fr) {
			freed = append(freed, fr)
		}
	})
	if len(freed) != 1 || freed[0] != f {
		t.Fatalf("expected frame %v freed, got %v", f, freed)
	}
	if _, _, ok := p.Translate(0x4000); ok {
		t.Fatal("expected mapping gone after UnmapRange")
	}
}
