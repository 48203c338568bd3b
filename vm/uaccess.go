package vm

import (
	"github.com/breenix/breenix-go/errkit"
	"github.com/breenix/breenix-go/frame"
)

// WriteUser copies data into pt's address space starting at va, walking
// across page boundaries as needed. Every touched page must already be
// present and writable; this is the kernel-side half of copying
// necessary user pointers and of the signal trampoline build, both of
// which write through an already-mapped user stack rather than
// demand-allocating one.
func WriteUser(alloc *frame.Allocator, pt *ProcessPageTable, va VirtAddr, data []byte) error {
	for len(data) > 0 {
		f, flags, ok := pt.Translate(va)
		if !ok || flags&PTEUser == 0 {
			return errkit.New(errkit.EFAULT, "vm.WriteUser")
		}
		off := va.offset()
		room := pageSize - off
		n := uint64(len(data))
		if n > room {
			n = room
		}
		copy(alloc.Bytes(f)[off:], data[:n])
		data = data[n:]
		va += VirtAddr(n)
	}
	return nil
}

// ReadUser is WriteUser's mirror: fills buf from pt's address space
// starting at va.
func ReadUser(alloc *frame.Allocator, pt *ProcessPageTable, va VirtAddr, buf []byte) error {
	for len(buf) > 0 {
		f, flags, ok := pt.Translate(va)
		if !ok || flags&PTEUser == 0 {
			return errkit.New(errkit.EFAULT, "vm.ReadUser")
		}
		off := va.offset()
		room := pageSize - off
		n := uint64(len(buf))
		if n > room {
			n = room
		}
		copy(buf[:n], alloc.Bytes(f)[off:])
		buf = buf[n:]
		va += VirtAddr(n)
	}
	return nil
}
