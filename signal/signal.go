package signal

import (
	"github.com/breenix/breenix-go/errkit"
	"github.com/breenix/breenix-go/kconfig"
	"github.com/breenix/breenix-go/klog"
	"github.com/breenix/breenix-go/process"
	"github.com/breenix/breenix-go/sched"
)

// killableMask never allows SIGKILL/SIGSTOP bits to be blocked: those
// bits in a process's blocked mask are always zero.
var killableMask = bit(SIGKILL) | bit(SIGSTOP)

func sanitizeBlocked(m uint64) uint64 { return m &^ killableMask }

// Queue implements kill(pid, sig) against a single target process: set
// the pending bit; if the target's main thread is BlockedOnSignal, wake
// it. Signal 0 is an existence test only and must not set any bit.
func Queue(target *process.Process, rq *sched.RunQueue, n Num) error {
	if n == 0 {
		return nil
	}
	if n < 0 || n > kconfig.SignalCount {
		return errkit.New(errkit.EINVAL, "signal.Queue")
	}
	target.Signals.Lock()
	target.Signals.Pending |= bit(n)
	target.Signals.Unlock()

	klog.Default().Debug("signal queued", "pid", target.PID, "signo", int(n))

	if t := target.MainThread; t != nil && (t.State() == sched.BlockedOnSignal || t.State() == sched.Blocked) {
		rq.Wake(t)
	}
	return nil
}

// SetBlocked installs a new blocked mask (sigprocmask's SIG_SETMASK
// path), sanitising out SIGKILL/SIGSTOP per property 4.
func SetBlocked(p *process.Process, mask uint64) {
	p.Signals.Lock()
	p.Signals.Blocked = sanitizeBlocked(mask)
	p.Signals.Unlock()
}

// BlockMore ORs additional signals into the blocked mask (SIG_BLOCK).
func BlockMore(p *process.Process, mask uint64) {
	p.Signals.Lock()
	p.Signals.Blocked = sanitizeBlocked(p.Signals.Blocked | mask)
	p.Signals.Unlock()
}

// UnblockSome clears signals from the blocked mask (SIG_UNBLOCK).
func UnblockSome(p *process.Process, mask uint64) {
	p.Signals.Lock()
	p.Signals.Blocked &^= mask
	p.Signals.Unlock()
}

// SetAction installs sa as the handler for n (sigaction). SIGKILL and
// SIGSTOP reject any action change.
func SetAction(p *process.Process, n Num, sa process.SignalAction) error {
	if Uncatchable(n) {
		return errkit.New(errkit.EINVAL, "signal.SetAction: uncatchable signal")
	}
	if n < 1 || n > kconfig.SignalCount {
		return errkit.New(errkit.EINVAL, "signal.SetAction")
	}
	p.Signals.Lock()
	p.Signals.Handlers[n-1] = sa
	p.Signals.Unlock()
	return nil
}

// Deliverable picks the lowest-numbered signal in pending & ~blocked, or
// 0 if none.
func Deliverable(p *process.Process) Num {
	p.Signals.Lock()
	defer p.Signals.Unlock()
	mask := p.Signals.Pending &^ p.Signals.Blocked
	if mask == 0 {
		return 0
	}
	for n := Num(1); n <= kconfig.SignalCount; n++ {
		if mask&bit(n) != 0 {
			return n
		}
	}
	return 0
}

// Action is the default disposition of an unhandled signal.
type Action int

const (
	ActionTerm Action = iota
	ActionIgnore
	ActionCore
	ActionStop
	ActionCont
)

// DefaultAction returns the POSIX default disposition for n absent a
// registered handler.
func DefaultAction(n Num) Action {
	switch n {
	case SIGCHLD, SIGURG, SIGWINCH:
		return ActionIgnore
	case SIGSTOP, SIGTSTP, SIGTTIN, SIGTTOU:
		return ActionStop
	case SIGCONT:
		return ActionCont
	case SIGQUIT, SIGILL, SIGABRT, SIGFPE, SIGSEGV, SIGBUS, SIGTRAP, SIGSYS, SIGXCPU, SIGXFSZ:
		return ActionCore
	default:
		return ActionTerm
	}
}
