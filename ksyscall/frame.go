// Package ksyscall implements the L8 syscall layer: the trap-entry
// frame, the dispatch table, userptr validation, and consolidated
// pre-return signal delivery.
package ksyscall

import "github.com/breenix/breenix-go/sched"

// SyscallFrame is the trap-entry snapshot a real kernel's assembly stub
// builds before calling into the dispatch table: all GPRs, RIP, RSP,
// RFLAGS, CS, SS. By convention (matching the
// trampoline's own "GPRs[0] carries the first argument" rule) Ctx.GPRs
// slots 0..5 hold the Linux-ABI argument registers rdi,rsi,rdx,r10,r8,r9.
// Nr is rax, kept separate since rax is overwritten by the return value.
type SyscallFrame struct {
	Nr  uint64
	Ctx sched.CpuContext
	CS  uint64
	SS  uint64
}

// Arg returns the i'th argument register, 0-indexed (rdi, rsi, rdx,
// r10, r8, r9).
func (f *SyscallFrame) Arg(i int) uint64 { return f.Ctx.GPRs[i] }
