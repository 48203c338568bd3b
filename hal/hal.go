// Package hal defines the architecture hardware-abstraction traits the
// kernel core is built against. Everything above this package (frame
// allocator, scheduler, virtio) talks only to these interfaces, never
// to real hardware registers directly: GDT/IDT/GIC wiring is assumed
// correct and exposed only through thin HAL traits.
//
// Because this kernel is hosted (it runs as an ordinary Go process, not
// on bare metal), the only implementations that exist are simulations.
// hal/testhal is a manually-clocked implementation that no other
// package imports; hal/hostsim approximates PIC/PIT and GICv2/
// generic-timer behavior using a goroutine-driven clock, standing in
// for the real x86_64/aarch64 HAL code that is assumed correct.
package hal

import "time"

// InterruptController models a PIC (x86_64) or GICv2 (aarch64).
type InterruptController interface {
	Init()
	EnableIRQ(irq uint8)
	DisableIRQ(irq uint8)
	SendEOI(irq uint8)
	IRQOffset() uint8
}

// Cpu models the subset of CPU control every arch HAL must expose.
type Cpu interface {
	Halt()
	EnableInterrupts()
	DisableInterrupts()
	AreInterruptsEnabled() bool
}

// Timer models the PIT/generic timer used for tick generation.
type Timer interface {
	Calibrate()
	NowNS() uint64
	SetOneshot(ns uint64)
}

// PerCpu models per-CPU register/identity access (GS-base on x86_64,
// TPIDR_EL1 on aarch64).
type PerCpu interface {
	Init(cpuID uint32)
	CurrentCPUID() uint32
}

// IRQHandler is invoked by the interrupt controller backend when an IRQ
// fires. The tick handler and device drivers register one of these per
// line.
type IRQHandler func(irq uint8)

// Clock is the minimal wall/monotonic-time source the HAL's Timer
// implementations are built on. The production backend uses time.Now/
// time.After; hal/testhal's Clock only advances when told to.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// realClock is the production Clock, backed by the real wall clock.
type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is the production Clock.
var RealClock Clock = realClock{}
