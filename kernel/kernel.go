// Package kernel composes every layer built elsewhere in this module
// into one bootable instance: the physical frame allocator, the
// kernel/per-process page tables, the per-CPU run queue and softirq
// pump, the process table, the loopback TCP stack, and the in-memory
// VFS collaborator. cmd/kernelctl's serve and console subcommands
// each boot one of these: serve exposes it over debugapi/kmetrics and
// console attaches an interactive console to it. The scenario
// subcommand builds the pieces it needs directly instead.
package kernel

import (
	"time"

	"github.com/breenix/breenix-go/debugapi"
	"github.com/breenix/breenix-go/frame"
	"github.com/breenix/breenix-go/hal/hostsim"
	"github.com/breenix/breenix-go/kmetrics"
	"github.com/breenix/breenix-go/kstack"
	"github.com/breenix/breenix-go/kwork"
	net "github.com/breenix/breenix-go/net"
	"github.com/breenix/breenix-go/net/tcp"
	"github.com/breenix/breenix-go/process"
	"github.com/breenix/breenix-go/sched"
	"github.com/breenix/breenix-go/vfs"
	"github.com/breenix/breenix-go/vfs/memfs"
	"github.com/breenix/breenix-go/vm"
)

// Config controls boot sizing; every field has a zero-value-safe
// default applied in Boot so a bare Config{} boots a small instance
// suitable for scenario replay and tests.
type Config struct {
	TotalFrames  int
	KernelL4Idx  int
	StackWidth   int
	CPUs         int
	LocalIP      [4]byte
	PeerIP       [4]byte
}

func (c Config) withDefaults() Config {
	if c.TotalFrames == 0 {
		c.TotalFrames = 4096
	}
	if c.KernelL4Idx == 0 {
		c.KernelL4Idx = 300
	}
	if c.StackWidth == 0 {
		c.StackWidth = 64
	}
	if c.CPUs == 0 {
		c.CPUs = 1
	}
	if c.LocalIP == ([4]byte{}) {
		c.LocalIP = [4]byte{127, 0, 0, 1}
	}
	if c.PeerIP == ([4]byte{}) {
		c.PeerIP = [4]byte{127, 0, 0, 2}
	}
	return c
}

// Kernel holds every live subsystem handle a booted instance needs;
// callers reach into it directly rather than going through an
// additional facade, the same way the original source's global
// PROCESS_MANAGER/SCHEDULER/TCP_CONNECTIONS statics were each reachable
// independently, each guarded by its own lock.
type Kernel struct {
	Frames  *frame.Allocator
	Kernel4 *vm.KernelPageTable
	Stacks  *kstack.Allocator

	RunQueues []*sched.RunQueue
	Softirq   *kwork.Pump
	Workq     *kwork.Workqueue

	Processes *process.Manager

	LocalTCP *tcp.Manager
	PeerTCP  *tcp.Manager
	Loop     *net.Loopback

	FS *memfs.FS

	// Timer stands in for the PIT/generic-timer tick source the HAL
	// traits assume; RunTicker wires it to the run queues and
	// softirq pump instead of a bare time.Ticker.
	Timer *hostsim.Timer
}

// Boot allocates and wires one instance. Apart from the worker
// goroutine kwork.NewWorkqueue starts, it starts no goroutines (no
// ticker, no ksoftirqd loop): callers that want a live, self-ticking
// instance drive RunQueues[i].Tick and Softirq.Do themselves or call
// RunTicker, the same separation between the tick
// handler's bookkeeping and whatever external clock source calls it.
func Boot(cfg Config) (*Kernel, error) {
	cfg = cfg.withDefaults()

	alloc := frame.New(cfg.TotalFrames)
	kpt, err := vm.NewKernelPageTable(alloc, cfg.KernelL4Idx)
	if err != nil {
		return nil, err
	}
	stacks := kstack.NewAllocator(alloc, kpt, cfg.StackWidth)

	idleStack, err := stacks.Allocate()
	if err != nil {
		return nil, err
	}
	idle := sched.NewKernelThread(0, "idle", idleStack)

	rqs := make([]*sched.RunQueue, cfg.CPUs)
	for i := 0; i < cfg.CPUs; i++ {
		rqs[i] = sched.NewRunQueue(uint32(i), idle)
	}

	localTCP := tcp.NewManager(cfg.LocalIP, 1)
	peerTCP := tcp.NewManager(cfg.PeerIP, 2)
	loop := net.NewLoopback(localTCP, peerTCP)

	return &Kernel{
		Frames:    alloc,
		Kernel4:   kpt,
		Stacks:    stacks,
		RunQueues: rqs,
		Softirq:   kwork.NewPump(),
		Workq:     kwork.NewWorkqueue(),
		Processes: process.NewManager(),
		LocalTCP:  localTCP,
		PeerTCP:   peerTCP,
		Loop:      loop,
		FS:        memfs.New(),
		Timer:     hostsim.NewTimer(),
	}, nil
}

// RunTicker starts this instance's timer firing every period, ticking
// each run queue and draining pending softirqs on every fire, the
// hosted-simulation stand-in for a real timer IRQ reaching the tick
// handler. Call the returned stop func to halt delivery.
func (k *Kernel) RunTicker(period time.Duration) (stop func()) {
	return k.Timer.Run(period, func() {
		for _, rq := range k.RunQueues {
			rq.Tick(100)
		}
		k.Softirq.Do()
	})
}

// SpawnProcess creates a process with its own page table (kernel half
// cloned from Kernel4) and an empty root cwd, the minimal bring-up a
// seed scenario needs before issuing syscalls against it.
func (k *Kernel) SpawnProcess(parentPID int64) (*process.Process, error) {
	pt, err := vm.NewProcessPageTable(k.Frames, k.Kernel4)
	if err != nil {
		return nil, err
	}
	return k.Processes.Create(pt, parentPID, "/"), nil
}

// DebugServer builds a debugapi.Server bound to this instance's live
// process table, TCP manager, and softirq pump.
func (k *Kernel) DebugServer() *debugapi.Server {
	return &debugapi.Server{Processes: k.Processes, TCP: k.LocalTCP, Softirq: k.Softirq}
}

// Metrics builds a kmetrics.Registry and wires its push-style softirq
// observer into this instance's pump; callers still need to invoke
// ObserveRunQueue/ObserveFrames/ObserveTCP themselves on a scrape tick,
// since those are pull-style snapshots rather than push hooks.
func (k *Kernel) Metrics() *kmetrics.Registry {
	reg := kmetrics.NewRegistry()
	k.Softirq.SetLatencyObserver(reg.SoftirqObserver())
	return reg
}

// OpenPath is a convenience wrapper around vfs.Open bound to this
// instance's in-memory collaborator, for scenarios and the CLI that
// only ever touch one filesystem.
func (k *Kernel) OpenPath(table *process.FdTable, cwd, path string, flags uint32, mode uint16) (int, error) {
	return vfs.Open(k.FS, table, cwd, path, flags, mode)
}
