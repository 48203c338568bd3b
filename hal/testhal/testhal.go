// Package testhal is a manually-advanced hal implementation: time only
// moves when a test calls Advance, and interrupts only fire when a test
// calls Fire. This makes scheduler fairness, tick accounting, and timer
// tests deterministic instead of racing against the wall clock.
package testhal

import (
	"sync"
	"time"

	"github.com/breenix/breenix-go/hal"
)

// Clock is a fake hal.Clock advanced explicitly by tests.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewClock creates a fake clock starting at the Unix epoch.
func NewClock() *Clock {
	return &Clock{now: time.Unix(0, 0)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	deadline := c.now.Add(d)
	if !deadline.After(c.now) {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, waiter{deadline: deadline, ch: ch})
	return ch
}

// Advance moves the fake clock forward by d, firing any waiters whose
// deadline has passed.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.deadline.After(c.now) {
			w.ch <- c.now
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
}

var _ hal.Clock = (*Clock)(nil)

// Cpu is a fake hal.Cpu: Halt blocks on a channel until Wake is called
// instead of executing HLT, and interrupt-enable state is just a bool.
type Cpu struct {
	mu       sync.Mutex
	enabled  bool
	wake     chan struct{}
	haltedCh chan struct{}
}

// NewCpu creates a fake Cpu with interrupts enabled.
func NewCpu() *Cpu {
	return &Cpu{enabled: true, wake: make(chan struct{}, 1)}
}

func (c *Cpu) Halt() {
	c.mu.Lock()
	c.haltedCh = make(chan struct{})
	halted := c.haltedCh
	c.mu.Unlock()
	select {
	case <-c.wake:
	case <-halted:
	}
}

// Wake unblocks a Halt call, simulating an IRQ arriving during HLT.
func (c *Cpu) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Cpu) EnableInterrupts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = true
}

func (c *Cpu) DisableInterrupts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = false
}

func (c *Cpu) AreInterruptsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

var _ hal.Cpu = (*Cpu)(nil)

// InterruptController is a fake that records enable/disable/EOI calls
// and dispatches to registered handlers only when Fire is called
// explicitly.
type InterruptController struct {
	mu       sync.Mutex
	enabled  map[uint8]bool
	handlers map[uint8]hal.IRQHandler
	eoiCount map[uint8]int
	offset   uint8
}

// NewInterruptController creates a fake controller with the given IRQ
// base offset (32 on the x86_64 PIC after remap, 32 on GICv2 SPIs).
func NewInterruptController(offset uint8) *InterruptController {
	return &InterruptController{
		enabled:  make(map[uint8]bool),
		handlers: make(map[uint8]hal.IRQHandler),
		eoiCount: make(map[uint8]int),
		offset:   offset,
	}
}

func (ic *InterruptController) Init() {}

func (ic *InterruptController) EnableIRQ(irq uint8) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.enabled[irq] = true
}

func (ic *InterruptController) DisableIRQ(irq uint8) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.enabled[irq] = false
}

func (ic *InterruptController) SendEOI(irq uint8) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.eoiCount[irq]++
}

func (ic *InterruptController) IRQOffset() uint8 { return ic.offset }

// Register installs a handler for irq, invoked by Fire.
func (ic *InterruptController) Register(irq uint8, h hal.IRQHandler) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.handlers[irq] = h
}

// Fire simulates irq firing: calls the registered handler if the line is
// enabled, then SendEOI, matching the real entry/exit sequence.
func (ic *InterruptController) Fire(irq uint8) {
	ic.mu.Lock()
	h, ok := ic.handlers[irq]
	on := ic.enabled[irq]
	ic.mu.Unlock()
	if ok && on {
		h(irq)
	}
	ic.SendEOI(irq)
}

// EOICount returns how many times SendEOI was called for irq.
func (ic *InterruptController) EOICount(irq uint8) int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.eoiCount[irq]
}

var _ hal.InterruptController = (*InterruptController)(nil)

// Timer is a fake hal.Timer backed by a Clock.
type Timer struct {
	clock *Clock
	oneshotNS uint64
}

// NewTimer creates a fake Timer over clock.
func NewTimer(clock *Clock) *Timer { return &Timer{clock: clock} }

func (t *Timer) Calibrate() {}

func (t *Timer) NowNS() uint64 { return uint64(t.clock.Now().UnixNano()) }

func (t *Timer) SetOneshot(ns uint64) { t.oneshotNS = ns }

var _ hal.Timer = (*Timer)(nil)

// PerCpu is a fake hal.PerCpu tracking a single id set by Init.
type PerCpu struct {
	mu sync.Mutex
	id uint32
}

func (p *PerCpu) Init(cpuID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.id = cpuID
}

func (p *PerCpu) CurrentCPUID() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

var _ hal.PerCpu = (*PerCpu)(nil)
