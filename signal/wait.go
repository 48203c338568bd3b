package signal

import (
	"github.com/breenix/breenix-go/errkit"
	"github.com/breenix/breenix-go/kconfig"
	"github.com/breenix/breenix-go/process"
	"github.com/breenix/breenix-go/sched"
)

// Pause implements pause(2): save the user context, block
// the calling thread on the scheduler until a signal wakes it, and
// always report EINTR (the handler, if any, runs via the normal exit
// path's delivery check once the thread is re-scheduled).
func Pause(rq *sched.RunQueue, t *sched.Thread, ctx sched.CpuContext) error {
	rq.BlockCurrentForSignal(ctx)
	return errkit.New(errkit.EINTR, "signal.Pause")
}

// Sigsuspend implements sigsuspend(2): atomically install a temporary
// mask, remember the old one in SigsuspendSavedMask (so Sigreturn
// restores it instead of the frame's own mask), block, and always
// report EINTR once woken.
func Sigsuspend(rq *sched.RunQueue, t *sched.Thread, p *process.Process, ctx sched.CpuContext, tempMask uint64) error {
	p.Signals.Lock()
	old := p.Signals.Blocked
	p.Signals.SigsuspendSavedMask = &old
	p.Signals.Blocked = sanitizeBlocked(tempMask)
	p.Signals.Unlock()

	rq.BlockCurrentForSignal(ctx)
	return errkit.New(errkit.EINTR, "signal.Sigsuspend")
}

// Sigaltstack implements sigaltstack(2): reject changes while
// on_stack, validate the region is user-space and at least
// MINSIGSTKSZ.
func Sigaltstack(p *process.Process, newStack *process.AltStack) (process.AltStack, error) {
	p.Signals.Lock()
	defer p.Signals.Unlock()
	old := p.Signals.AltStack
	if newStack == nil {
		return old, nil
	}
	if old.OnStack {
		return old, errkit.New(errkit.EPERM, "signal.Sigaltstack: currently on alt stack")
	}
	if newStack.Enabled {
		if newStack.Size < kconfig.MinSigStackSize {
			return old, errkit.New(errkit.EINVAL, "signal.Sigaltstack: stack too small")
		}
	}
	p.Signals.AltStack = *newStack
	return old, nil
}

// Alarm implements alarm(seconds): sets a per-process deadline in tick
// units, returning the number of seconds remaining on
// any previously armed alarm (0 if none). Passing 0 disarms.
func Alarm(p *process.Process, nowTicks uint64, seconds uint64) uint64 {
	p.LockTimers()
	defer p.UnlockTimers()
	var remaining uint64
	if p.AlarmDeadline > nowTicks {
		remaining = (p.AlarmDeadline - nowTicks) / kconfig.TicksPerSecond
	}
	if seconds == 0 {
		p.AlarmDeadline = 0
	} else {
		p.AlarmDeadline = nowTicks + seconds*kconfig.TicksPerSecond
	}
	return remaining
}

// FireExpiredTimers implements the tick-handler side of this package's
// timers: if p's alarm deadline or real-interval-timer deadline has
// passed, queue SIGALRM and clear (or rearm) the deadline.
func FireExpiredTimers(p *process.Process, rq *sched.RunQueue, nowTicks uint64) {
	p.LockTimers()
	fire := false
	if p.AlarmDeadline != 0 && nowTicks >= p.AlarmDeadline {
		p.AlarmDeadline = 0
		fire = true
	}
	if p.RealTimer.DeadlineTicks != 0 && nowTicks >= p.RealTimer.DeadlineTicks {
		fire = true
		if p.RealTimer.IntervalTicks != 0 {
			p.RealTimer.DeadlineTicks = nowTicks + p.RealTimer.IntervalTicks
		} else {
			p.RealTimer.DeadlineTicks = 0
		}
	}
	p.UnlockTimers()
	if fire {
		_ = Queue(p, rq, SIGALRM)
	}
}
