package ksyscall

import (
	"encoding/binary"

	"github.com/breenix/breenix-go/errkit"
	"github.com/breenix/breenix-go/klog"
	"github.com/breenix/breenix-go/process"
	"github.com/breenix/breenix-go/sched"
	"github.com/breenix/breenix-go/signal"
	"github.com/breenix/breenix-go/vm"
)

// Syscall numbers. write, getpid, clone and clock_gettime sit at their
// x86_64 Linux values; everything else, including exit (0) and yield
// (3), is this simulation's own assignment since nothing outside this
// tree reads the ABI.
const (
	SysExit          = 0
	SysWrite         = 1
	SysRead          = 2
	SysYield         = 3
	SysPipe          = 22
	SysFork          = 23
	SysWaitpid       = 24
	SysKill          = 25
	SysSigaction     = 26
	SysSigprocmask   = 27
	SysSigreturn     = 28
	SysSigsuspend    = 29
	SysPause         = 30
	SysSigaltstack   = 31
	SysAlarm         = 32
	SysGetpid        = 39
	SysClone         = 56
	SysClockGettime  = 228
)

const (
	SIG_BLOCK   = 0
	SIG_UNBLOCK = 1
	SIG_SETMASK = 2
)

// HandlerFunc is a syscall implementation: given the global environment,
// the calling thread, and its trap frame, return the value that lands in
// rax, or an error that Dispatch converts to -errno.
type HandlerFunc func(env *Env, t *sched.Thread, f *SyscallFrame) (int64, error)

// Dispatcher is the syscall number -> handler table.
type Dispatcher struct {
	env      *Env
	handlers map[uint64]HandlerFunc
}

// NewDispatcher builds the table with every handler this package
// implements already registered.
func NewDispatcher(env *Env) *Dispatcher {
	d := &Dispatcher{env: env, handlers: make(map[uint64]HandlerFunc)}
	d.Register(SysExit, sysExit)
	d.Register(SysWrite, sysWrite)
	d.Register(SysRead, sysRead)
	d.Register(SysYield, sysYield)
	d.Register(SysPipe, sysPipe)
	d.Register(SysFork, sysFork)
	d.Register(SysWaitpid, sysWaitpid)
	d.Register(SysKill, sysKill)
	d.Register(SysSigaction, sysSigaction)
	d.Register(SysSigprocmask, sysSigprocmask)
	d.Register(SysSigreturn, sysSigreturn)
	d.Register(SysSigsuspend, sysSigsuspend)
	d.Register(SysPause, sysPause)
	d.Register(SysSigaltstack, sysSigaltstack)
	d.Register(SysAlarm, sysAlarm)
	d.Register(SysGetpid, sysGetpid)
	d.Register(SysClone, sysClone)
	d.Register(SysClockGettime, sysClockGettime)
	return d
}

// Register installs or replaces the handler for nr.
func (d *Dispatcher) Register(nr uint64, h HandlerFunc) {
	d.handlers[nr] = h
}

// Dispatch looks up f.Nr and runs it, converting any returned error to
// the Linux ABI's -errno convention rather than returning the error to
// the caller: a syscall's return value is a single int64, negative
// meaning failure.
func (d *Dispatcher) Dispatch(t *sched.Thread, f *SyscallFrame) int64 {
	h, ok := d.handlers[f.Nr]
	if !ok {
		klog.Default().Warn("unknown syscall", "nr", f.Nr)
		return -int64(errkit.ENOSYS)
	}
	ret, err := h(d.env, t, f)
	if err != nil {
		return -int64(errkit.ToErrno(err))
	}
	return ret
}

// PrepareUserReturn is the consolidated pre-return delivery check: the
// single place that inspects whether a signal is
// deliverable and, if so, builds the trampoline frame before the thread
// resumes in user mode. It replaces scattering that check across every
// blocking-syscall return path.
func PrepareUserReturn(env *Env, t *sched.Thread, p *process.Process, resumeCtx sched.CpuContext) (sched.CpuContext, error) {
	n := signal.Deliverable(p)
	if n == 0 {
		return resumeCtx, nil
	}
	p.Signals.Lock()
	sa := p.Signals.Handlers[n-1]
	p.Signals.Unlock()
	if sa.Handler == 1 { // SIG_IGN
		p.Signals.Lock()
		p.Signals.Pending &^= uint64(1) << uint(n-1)
		p.Signals.Unlock()
		return resumeCtx, nil
	}
	// SIG_DFL: no default action (signal.DefaultAction) is applied here;
	// the signal stays pending and the thread resumes unchanged.
	if sa.Handler == 0 {
		return resumeCtx, nil
	}
	return signal.Build(env.Alloc, p.PageTable, p, resumeCtx, n, sa)
}

func sysExit(env *Env, t *sched.Thread, f *SyscallFrame) (int64, error) {
	p, err := env.callerProcess(t)
	if err != nil {
		return 0, err
	}
	status := int(f.Arg(0))
	p.Exit(status)
	env.RQ.Terminate(t, status)
	if parent, ok := env.Procs.Lookup(p.ParentPID); ok && parent.MainThread != nil {
		env.RQ.Wake(parent.MainThread)
	}
	return 0, nil
}

func sysYield(env *Env, t *sched.Thread, f *SyscallFrame) (int64, error) {
	env.RQ.RequestResched()
	return 0, nil
}

func sysGetpid(env *Env, t *sched.Thread, f *SyscallFrame) (int64, error) {
	return t.OwnerPID, nil
}

// fdWriter/fdReader resolve a caller's fd to the reader/writer surface a
// collaborator installed by sysPipe or kernel bootstrap (stdio)
// implements.
func fdWriter(p *process.Process, fd int) (writer, error) {
	c, err := p.Fds.Get(fd)
	if err != nil {
		return nil, err
	}
	w, ok := c.(writer)
	if !ok {
		return nil, errkit.New(errkit.EBADF, "ksyscall.fdWriter: fd not writable")
	}
	return w, nil
}

func fdReader(p *process.Process, fd int) (reader, error) {
	c, err := p.Fds.Get(fd)
	if err != nil {
		return nil, err
	}
	r, ok := c.(reader)
	if !ok {
		return nil, errkit.New(errkit.EBADF, "ksyscall.fdReader: fd not readable")
	}
	return r, nil
}

func sysWrite(env *Env, t *sched.Thread, f *SyscallFrame) (int64, error) {
	p, err := env.callerProcess(t)
	if err != nil {
		return 0, err
	}
	fd := int(f.Arg(0))
	va := vm.VirtAddr(f.Arg(1))
	n := f.Arg(2)

	w, err := fdWriter(p, fd)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, n)
	if err := vm.ReadUser(env.Alloc, p.PageTable, va, buf); err != nil {
		return 0, err
	}
	written, err := w.Write(buf)
	if err != nil {
		return 0, err
	}
	return int64(written), nil
}

func sysRead(env *Env, t *sched.Thread, f *SyscallFrame) (int64, error) {
	p, err := env.callerProcess(t)
	if err != nil {
		return 0, err
	}
	fd := int(f.Arg(0))
	va := vm.VirtAddr(f.Arg(1))
	n := f.Arg(2)

	r, err := fdReader(p, fd)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, n)
	// Read may physically block the goroutine (Pipe.Read) rather than
	// going through the scheduler's Blocked state, so a signal queued
	// while it waits does not interrupt it the way it interrupts
	// pause/sigsuspend.
	got, err := r.Read(buf)
	if err != nil {
		return 0, err
	}
	if got > 0 {
		if err := vm.WriteUser(env.Alloc, p.PageTable, va, buf[:got]); err != nil {
			return 0, err
		}
	}
	return int64(got), nil
}

func sysPipe(env *Env, t *sched.Thread, f *SyscallFrame) (int64, error) {
	p, err := env.callerProcess(t)
	if err != nil {
		return 0, err
	}
	pipe := NewPipe()
	rfd := p.Fds.Install(process.FdPipeRead, pipeReadEnd{pipe})
	wfd := p.Fds.Install(process.FdPipeWrite, pipeWriteEnd{pipe})

	va := vm.VirtAddr(f.Arg(0))
	if va != 0 {
		var buf [8]byte
		binary.LittleEndian.PutUint32(buf[0:4], uint32(rfd))
		binary.LittleEndian.PutUint32(buf[4:8], uint32(wfd))
		if err := vm.WriteUser(env.Alloc, p.PageTable, va, buf[:]); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

func sysFork(env *Env, t *sched.Thread, f *SyscallFrame) (int64, error) {
	parent, err := env.callerProcess(t)
	if err != nil {
		return 0, err
	}
	childPT, err := vm.NewProcessPageTable(env.Alloc, env.Kpt)
	if err != nil {
		return 0, err
	}
	if err := vm.CloneForFork(env.Alloc, parent.PageTable, childPT); err != nil {
		return 0, err
	}
	child := env.Procs.Fork(parent, childPT)

	stack, err := env.Stacks.Allocate()
	if err != nil {
		return 0, err
	}
	childThread := sched.NewUserThread(env.allocThreadID(), child.PID, parent.MainThread.Name, stack)
	childThread.SetSavedUserspaceContext(f.Ctx)
	child.MainThread = childThread
	env.RQ.Enqueue(childThread)
	return child.PID, nil
}

func sysClone(env *Env, t *sched.Thread, f *SyscallFrame) (int64, error) {
	parent, err := env.callerProcess(t)
	if err != nil {
		return 0, err
	}
	flags := f.Arg(0)

	childPT := parent.PageTable
	if flags&process.CLONE_VM == 0 {
		childPT, err = vm.NewProcessPageTable(env.Alloc, env.Kpt)
		if err != nil {
			return 0, err
		}
		if err := vm.CloneForFork(env.Alloc, parent.PageTable, childPT); err != nil {
			return 0, err
		}
	}
	child := env.Procs.Clone(parent, childPT, flags)

	stack, err := env.Stacks.Allocate()
	if err != nil {
		return 0, err
	}
	childThread := sched.NewUserThread(env.allocThreadID(), child.PID, parent.MainThread.Name, stack)
	childThread.SetSavedUserspaceContext(f.Ctx)
	child.MainThread = childThread
	env.RQ.Enqueue(childThread)
	return child.PID, nil
}

func sysWaitpid(env *Env, t *sched.Thread, f *SyscallFrame) (int64, error) {
	parent, err := env.callerProcess(t)
	if err != nil {
		return 0, err
	}
	statusVA := vm.VirtAddr(f.Arg(1))
	for {
		pid, status, ok := env.Procs.Wait(parent)
		if ok {
			if statusVA != 0 {
				var buf [8]byte
				binary.LittleEndian.PutUint64(buf[:], uint64(int64(status)))
				if err := vm.WriteUser(env.Alloc, parent.PageTable, statusVA, buf[:]); err != nil {
					return 0, err
				}
			}
			return pid, nil
		}
		if len(parent.Children()) == 0 {
			return 0, errkit.New(errkit.ECHILD, "ksyscall.sysWaitpid: no children")
		}
		env.RQ.BlockCurrent(f.Ctx)
		t.Park()
	}
}

func sysKill(env *Env, t *sched.Thread, f *SyscallFrame) (int64, error) {
	caller, err := env.callerProcess(t)
	if err != nil {
		return 0, err
	}
	pid := int64(f.Arg(0))
	n := signal.Num(int64(f.Arg(1)))
	targets := env.Procs.ResolveKillTargets(caller, pid)
	if len(targets) == 0 && pid > 0 {
		return 0, errkit.New(errkit.ESRCH, "ksyscall.sysKill")
	}
	for _, tgt := range targets {
		if err := signal.Queue(tgt, env.RQ, n); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

func sysSigaction(env *Env, t *sched.Thread, f *SyscallFrame) (int64, error) {
	p, err := env.callerProcess(t)
	if err != nil {
		return 0, err
	}
	n := signal.Num(int64(f.Arg(0)))
	sa := process.SignalAction{Handler: f.Arg(1), Mask: f.Arg(2), Flags: f.Arg(3)}
	if err := signal.SetAction(p, n, sa); err != nil {
		return 0, err
	}
	return 0, nil
}

func sysSigprocmask(env *Env, t *sched.Thread, f *SyscallFrame) (int64, error) {
	p, err := env.callerProcess(t)
	if err != nil {
		return 0, err
	}
	switch f.Arg(0) {
	case SIG_BLOCK:
		signal.BlockMore(p, f.Arg(1))
	case SIG_UNBLOCK:
		signal.UnblockSome(p, f.Arg(1))
	case SIG_SETMASK:
		signal.SetBlocked(p, f.Arg(1))
	default:
		return 0, errkit.New(errkit.EINVAL, "ksyscall.sysSigprocmask: bad how")
	}
	return 0, nil
}

func sysSigreturn(env *Env, t *sched.Thread, f *SyscallFrame) (int64, error) {
	p, err := env.callerProcess(t)
	if err != nil {
		return 0, err
	}
	ctx, err := signal.Sigreturn(env.Alloc, p.PageTable, p, vm.VirtAddr(f.Ctx.RSP))
	if err != nil {
		return 0, err
	}
	t.SetSavedUserspaceContext(ctx)
	return 0, nil
}

func sysSigsuspend(env *Env, t *sched.Thread, f *SyscallFrame) (int64, error) {
	p, err := env.callerProcess(t)
	if err != nil {
		return 0, err
	}
	return 0, signal.Sigsuspend(env.RQ, t, p, f.Ctx, f.Arg(0))
}

func sysPause(env *Env, t *sched.Thread, f *SyscallFrame) (int64, error) {
	return 0, signal.Pause(env.RQ, t, f.Ctx)
}

func sysSigaltstack(env *Env, t *sched.Thread, f *SyscallFrame) (int64, error) {
	p, err := env.callerProcess(t)
	if err != nil {
		return 0, err
	}
	newStack := &process.AltStack{Base: f.Arg(0), Size: f.Arg(1), Enabled: f.Arg(2) != 0}
	_, err = signal.Sigaltstack(p, newStack)
	return 0, err
}

func sysAlarm(env *Env, t *sched.Thread, f *SyscallFrame) (int64, error) {
	p, err := env.callerProcess(t)
	if err != nil {
		return 0, err
	}
	remaining := signal.Alarm(p, env.RQ.Ticks(), f.Arg(0))
	return int64(remaining), nil
}

// clock_gettime returns this CPU's tick counter scaled to a coarse
// nanosecond-ish unit (monotonic ticks x 10; this simulation has no
// real wall clock to report against).
func sysClockGettime(env *Env, t *sched.Thread, f *SyscallFrame) (int64, error) {
	return int64(env.RQ.Ticks() * 10), nil
}
