package ksyscall

import (
	"io"
	"sync"

	"github.com/breenix/breenix-go/errkit"
)

// reader/writer are the extra surface Read/Write syscall handlers look
// for on top of process.Collaborator's bare Close; not every FdKind
// implements both (a TcpListener is never Writable, for instance).
type reader interface {
	Read(buf []byte) (int, error)
}

type writer interface {
	Write(buf []byte) (int, error)
}

// Stdio adapts a host io.Writer (the real process's stdout/stderr) to
// the FdStdIo collaborator surface. Reading from it is not implemented
// here: console/TTY input line discipline is explicitly out of scope.
type Stdio struct {
	w io.Writer
}

// NewStdio wraps w as an FdStdIo collaborator.
func NewStdio(w io.Writer) *Stdio { return &Stdio{w: w} }

func (s *Stdio) Close() error                   { return nil }
func (s *Stdio) Write(buf []byte) (int, error) { return s.w.Write(buf) }

// Pipe is the shared backing of one pipe(2) pair: an unbounded byte
// queue with a wake channel (blocking read, write wakes it) standing in
// for an OS pipe fd pair, since this kernel's pipes are simulated
// rather than backed by a real host fd.
type Pipe struct {
	mu       sync.Mutex
	buf      []byte
	wclosed  bool
	notify   chan struct{}
}

// NewPipe creates an empty Pipe.
func NewPipe() *Pipe {
	return &Pipe{notify: make(chan struct{}, 1)}
}

func (p *Pipe) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Write appends data, unblocking any pending Read. Writing after the
// write end is closed fails with EPIPE, even though this simplified
// model never models a reader-closed shutdown.
func (p *Pipe) Write(data []byte) (int, error) {
	p.mu.Lock()
	if p.wclosed {
		p.mu.Unlock()
		return 0, errkit.New(errkit.EPIPE, "ksyscall.Pipe.Write")
	}
	p.buf = append(p.buf, data...)
	p.mu.Unlock()
	p.wake()
	return len(data), nil
}

// Read copies available bytes into buf, blocking the calling goroutine
// (the calling thread's scheduler state is left unchanged) until data
// arrives or the write end closes, at which point it returns (0, nil)
// for EOF.
func (p *Pipe) Read(buf []byte) (int, error) {
	for {
		p.mu.Lock()
		if len(p.buf) > 0 {
			n := copy(buf, p.buf)
			p.buf = p.buf[n:]
			p.mu.Unlock()
			return n, nil
		}
		if p.wclosed {
			p.mu.Unlock()
			return 0, nil
		}
		p.mu.Unlock()
		<-p.notify
	}
}

func (p *Pipe) closeWrite() error {
	p.mu.Lock()
	p.wclosed = true
	p.mu.Unlock()
	p.wake()
	return nil
}

// pipeReadEnd/pipeWriteEnd are the two FdTable collaborators a pipe(2)
// call installs; each owns its own Close semantics independent of the
// other's fd slot, matching the read-end/write-end kind split in the
// fd table.
type pipeReadEnd struct{ p *Pipe }

func (e pipeReadEnd) Close() error                  { return nil }
func (e pipeReadEnd) Read(buf []byte) (int, error) { return e.p.Read(buf) }

type pipeWriteEnd struct{ p *Pipe }

func (e pipeWriteEnd) Close() error                   { return e.p.closeWrite() }
func (e pipeWriteEnd) Write(buf []byte) (int, error) { return e.p.Write(buf) }
