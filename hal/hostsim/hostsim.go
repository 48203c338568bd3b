// Package hostsim implements hal against the host's real clock and
// goroutine scheduling, standing in for the x86_64 PIC+PIT and aarch64
// GICv2+generic-timer backends early-boot arch wiring assumes exist:
// this package is the hal trait boundary's production implementation
// for a hosted kernel.
package hostsim

import (
	"sync"
	"time"

	"github.com/breenix/breenix-go/hal"
)

// InterruptController drives IRQ delivery from a real time.Ticker for
// the timer line and an explicit Raise call for everything else
// (device interrupts synthesized by the virtio/net backends).
type InterruptController struct {
	mu       sync.Mutex
	enabled  map[uint8]bool
	handlers map[uint8]hal.IRQHandler
	offset   uint8
}

// NewInterruptController creates a controller with IRQs 0..31 offset by
// offset (the vector the first external IRQ lands on after remap).
func NewInterruptController(offset uint8) *InterruptController {
	return &InterruptController{
		enabled:  make(map[uint8]bool),
		handlers: make(map[uint8]hal.IRQHandler),
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

func (ic *InterruptController) SendEOI(uint8) {}

func (ic *InterruptController) IRQOffset() uint8 { return ic.offset }

// Register installs the handler invoked when irq is Raised while enabled.
func (ic *InterruptController) Register(irq uint8, h hal.IRQHandler) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.handlers[irq] = h
}

// Raise delivers irq synchronously on the calling goroutine, mirroring
// a real CPU taking a trap, then sends EOI. The line is not masked
// while the handler runs.
func (ic *InterruptController) Raise(irq uint8) {
	ic.mu.Lock()
	h, on := ic.handlers[irq], ic.enabled[irq]
	ic.mu.Unlock()
	if on && h != nil {
		h(irq)
	}
	ic.SendEOI(irq)
}

var _ hal.InterruptController = (*InterruptController)(nil)

// Cpu implements hal.Cpu on top of a real channel-based halt/wake.
type Cpu struct {
	mu      sync.Mutex
	enabled bool
	wake    chan struct{}
}

func NewCpu() *Cpu {
	return &Cpu{enabled: true, wake: make(chan struct{}, 1)}
}

func (c *Cpu) Halt() {
	<-c.wake
}

// Wake unblocks a pending Halt. Neither Raise nor Timer calls it, so
// whatever drives a HLT loop has to call it for the loop to progress.
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

// Timer drives a tick callback from a real time.Ticker at the period
// passed to Run.
type Timer struct {
	mu       sync.Mutex
	ticker   *time.Ticker
	stop     chan struct{}
	oneshot  uint64
	start    time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Calibrate() {}

func (t *Timer) NowNS() uint64 { return uint64(time.Since(t.start).Nanoseconds()) }

func (t *Timer) SetOneshot(ns uint64) {
	t.mu.Lock()
	t.oneshot = ns
	t.mu.Unlock()
}

// Run starts delivering fire on every period until the returned stop
// func is called. kernel.RunTicker is the caller: its fire ticks the
// run queues and drains softirqs directly, without going through the
// IRQ controller's Raise.
func (t *Timer) Run(period time.Duration, fire func()) (stop func()) {
	ticker := time.NewTicker(period)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				fire()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

var _ hal.Timer = (*Timer)(nil)

// PerCpu is a trivial hal.PerCpu: one instance per simulated CPU
// goroutine, storing the id assigned at boot.
type PerCpu struct {
	id uint32
}

func (p *PerCpu) Init(cpuID uint32)      { p.id = cpuID }
func (p *PerCpu) CurrentCPUID() uint32 { return p.id }

var _ hal.PerCpu = (*PerCpu)(nil)
