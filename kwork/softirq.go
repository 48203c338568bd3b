package kwork

import (
	"math/bits"
	"sync"
	"time"

	"github.com/breenix/breenix-go/kconfig"
)

// Softirq is the fixed softirq enumeration; lower index wins priority
// in the pump's trailing_zeros scan order.
type Softirq int

const (
	HiTx Softirq = iota
	Timer
	NetTx
	NetRx
	Block
	Tasklet
	Sched
	Hrtimer
	Rcu
	softirqCount
)

func (s Softirq) String() string {
	switch s {
	case HiTx:
		return "hi_tx"
	case Timer:
		return "timer"
	case NetTx:
		return "net_tx"
	case NetRx:
		return "net_rx"
	case Block:
		return "block"
	case Tasklet:
		return "tasklet"
	case Sched:
		return "sched"
	case Hrtimer:
		return "hrtimer"
	case Rcu:
		return "rcu"
	default:
		return "unknown"
	}
}

// Pump is one CPU's softirq state: the pending bitmap, registered
// handlers, and whether a pump is currently in progress (no nesting:
// Do returns false while already in interrupt context).
type Pump struct {
	mu          sync.Mutex
	pending     uint32
	handlers    [softirqCount]func()
	inInterrupt bool
	ksoftirqd   *KthreadHandle
	observe     func(kind Softirq, dur time.Duration)
}

// SetLatencyObserver wires a callback invoked after every individual
// handler runs, with the wall-clock time it took. kmetrics uses this to
// feed a per-softirq-kind latency histogram; nil (the default) costs
// nothing beyond the one extra nil check per dispatch.
func (p *Pump) SetLatencyObserver(fn func(kind Softirq, dur time.Duration)) {
	p.mu.Lock()
	p.observe = fn
	p.mu.Unlock()
}

// NewPump creates an empty per-CPU softirq pump.
func NewPump() *Pump {
	return &Pump{}
}

// Register installs the handler for kind, overwriting any previous one.
func (p *Pump) Register(kind Softirq, handler func()) {
	p.mu.Lock()
	p.handlers[kind] = handler
	p.mu.Unlock()
}

// SetKsoftirqd wires the kthread handle Raise wakes when the pump loop
// gives up with pending work remaining.
func (p *Pump) SetKsoftirqd(h *KthreadHandle) {
	p.mu.Lock()
	p.ksoftirqd = h
	p.mu.Unlock()
}

// EnterInterrupt/ExitInterrupt bracket ISR bodies so Raise/Do can tell
// whether this CPU is currently servicing an interrupt.
func (p *Pump) EnterInterrupt() {
	p.mu.Lock()
	p.inInterrupt = true
	p.mu.Unlock()
}

func (p *Pump) ExitInterrupt() {
	p.mu.Lock()
	p.inInterrupt = false
	p.mu.Unlock()
}

// Raise sets kind's pending bit. Unless this CPU is in interrupt
// context, it pumps immediately; in interrupt context the bit is left
// for the next exit-of-interrupt or syscall-return pump. It does not
// check whether a pump is already running, so a Raise from inside a
// softirq handler runs a nested pump.
func (p *Pump) Raise(kind Softirq) {
	p.mu.Lock()
	p.pending |= 1 << uint(kind)
	immediate := !p.inInterrupt
	p.mu.Unlock()
	if immediate {
		p.Do()
	}
}

// Do runs the do_softirq pump contract: up to
// kconfig.MaxSoftirqRestart rounds of snapshot-clear-dispatch in
// ascending bit order, and wakes ksoftirqd if pending work remains
// after the loop. Returns false if called while already in interrupt
// context (no nesting).
func (p *Pump) Do() bool {
	p.mu.Lock()
	if p.inInterrupt {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	for round := 0; round < kconfig.MaxSoftirqRestart; round++ {
		p.mu.Lock()
		snapshot := p.pending
		p.pending = 0
		p.mu.Unlock()
		if snapshot == 0 {
			return true
		}
		for snapshot != 0 {
			i := bits.TrailingZeros32(snapshot)
			snapshot &^= 1 << uint(i)
			p.mu.Lock()
			h := p.handlers[Softirq(i)]
			observe := p.observe
			p.mu.Unlock()
			if h != nil {
				start := time.Now()
				h()
				if observe != nil {
					observe(Softirq(i), time.Since(start))
				}
			}
		}
	}

	p.mu.Lock()
	remaining := p.pending != 0
	ks := p.ksoftirqd
	p.mu.Unlock()
	if remaining && ks != nil {
		ks.Unpark()
	}
	return !remaining
}

// KsoftirqdBody is ksoftirqd's kthread body: it calls do_softirq until
// pending is empty, then parks.
func (p *Pump) KsoftirqdBody(h *KthreadHandle) int {
	for !h.ShouldStop() {
		for p.hasPending() {
			p.Do()
			if h.ShouldStop() {
				return 0
			}
		}
		h.Park()
	}
	return 0
}

func (p *Pump) hasPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending != 0
}

// PendingMask returns the raw pending bitmap, for debugapi's softirq
// introspection endpoint.
func (p *Pump) PendingMask() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}
