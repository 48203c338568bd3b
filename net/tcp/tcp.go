// Package tcp implements the L9 TCP connection state machine: a
// hand-written RFC 793 subset rather than one pulled from a library
// (the wire codec lives in net/eth; this package only knows about
// Segment values, never bytes).
package tcp

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/breenix/breenix-go/errkit"
	netip "github.com/breenix/breenix-go/net/ip"
	"golang.org/x/time/rate"
)

// Default send-window pacing: congestion control is out of scope, but
// this caps how fast one connection can push segments so a single
// greedy sender can't starve the rest of the simulated link, the same
// token-bucket shape a rate-limited HTTP client would use.
const (
	defaultSendRateBytesPerSec = 8 << 20 // 8 MiB/s
	defaultSendBurstSegments   = 8
)

func newSendPacer() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(defaultSendRateBytesPerSec), defaultSendBurstSegments*int(defaultMSS))
}

// Flag bits, RFC 793 control bits within the TCP header's 6-bit field.
const (
	FlagFIN uint8 = 1 << 0
	FlagSYN uint8 = 1 << 1
	FlagRST uint8 = 1 << 2
	FlagPSH uint8 = 1 << 3
	FlagACK uint8 = 1 << 4
)

// Segment is one TCP segment, independent of how it arrived (a real
// wire frame via net/eth, or a direct in-process loopback handoff).
type Segment struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Window  uint16
	Payload []byte
}

// State is one of the RFC 793 connection states.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateLastAck
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateListen:
		return "Listen"
	case StateSynSent:
		return "SynSent"
	case StateEstablished:
		return "Established"
	case StateFinWait1:
		return "FinWait1"
	case StateFinWait2:
		return "FinWait2"
	case StateCloseWait:
		return "CloseWait"
	case StateLastAck:
		return "LastAck"
	case StateTimeWait:
		return "TimeWait"
	default:
		return "Unknown"
	}
}

// ShutHow selects a shutdown(2) direction.
type ShutHow int

const (
	ShutRD ShutHow = iota
	ShutWR
)

const defaultMSS = 1460

// ConnKey is the 4-tuple a TcpConnection is stored under.
type ConnKey struct {
	LocalIP    [4]byte
	LocalPort  uint16
	RemoteIP   [4]byte
	RemotePort uint16
}

// broadcaster wakes every goroutine blocked on an event by closing and
// replacing a channel, the wait-queue idiom this package uses in place
// of real scheduler-level thread wait queues; see ksyscall's Pipe for
// the same simplification and its documented known-gap rationale.
type broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

func newBroadcaster() *broadcaster { return &broadcaster{ch: make(chan struct{})} }

func (b *broadcaster) wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

func (b *broadcaster) wake() {
	b.mu.Lock()
	close(b.ch)
	b.ch = make(chan struct{})
	b.mu.Unlock()
}

// TcpConnection is one established (or handshake-in-progress)
// connection and its full send/recv sequence-number bookkeeping.
type TcpConnection struct {
	mu sync.Mutex

	key   ConnKey
	state State

	sendNext, sendUnack, sendInitial uint32
	recvNext, recvInitial            uint32
	sendWindow, recvWindow           uint16
	rxBuffer                         []byte
	mss                              uint16
	sendShutdown, recvShutdown       bool
	refcount                         int
	ownerPID                         int64
	failed                           bool

	wake  *broadcaster
	pacer *rate.Limiter
}

// State returns the connection's current RFC793 state.
func (c *TcpConnection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Key returns the connection's 4-tuple.
func (c *TcpConnection) Key() ConnKey { return c.key }

// pendingConnection is a half-open server-side handshake: SYN seen,
// ACK not yet observed (or observed but not yet Accept()-ed).
type pendingConnection struct {
	remoteIP    [4]byte
	remotePort  uint16
	ourISN      uint32
	clientISN   uint32
	ackReceived bool
	recvNext    uint32
	earlyData   []byte
}

// ListenSocket is one bound-and-listening port: a backlog of pending
// handshakes plus accept waiters.
type ListenSocket struct {
	mu      sync.Mutex
	port    uint16
	backlog []*pendingConnection
	wake    *broadcaster
	closed  bool
}

// Port returns the port this socket is bound to.
func (l *ListenSocket) Port() uint16 { return l.port }

// Manager is the single global connection/listener table: a map of
// ConnKey to TcpConnection plus a map of port to ListenSocket, guarded
// by one lock that is never nested under the scheduler or
// process-manager locks.
type Manager struct {
	mu        sync.Mutex
	conns     map[ConnKey]*TcpConnection
	listeners map[uint16]*ListenSocket

	isn uint32 // monotonically increasing ISN counter, seeded once

	// LocalIP is this stack's address; Output, set by the transport
	// layer (net.Loopback or a real net/eth+driver pairing), is called
	// for every segment this manager needs to emit.
	LocalIP [4]byte
	Output  func(seg Segment, srcIP, dstIP [4]byte)
}

// NewManager creates an empty table bound to localIP, seeding the ISN
// counter from seed (a TSC-seeded PRNG stands in for seed in a real
// boot; tests pass a fixed value for determinism).
func NewManager(localIP [4]byte, seed uint32) *Manager {
	return &Manager{
		conns:     make(map[ConnKey]*TcpConnection),
		listeners: make(map[uint16]*ListenSocket),
		isn:       seed,
		LocalIP:   localIP,
	}
}

func (m *Manager) nextISN() uint32 {
	return atomic.AddUint32(&m.isn, 64000)
}

func (m *Manager) emit(seg Segment, srcIP, dstIP [4]byte) {
	if m.Output != nil {
		m.Output(seg, srcIP, dstIP)
	}
}

// rewriteLoopback rewrites a loopback (127/8) remote IP to the local
// IP so inbound SYN+ACK matches the forward-lookup key.
func rewriteLoopback(remoteIP, localIP [4]byte) [4]byte {
	if netip.IsLoopback(remoteIP) {
		return localIP
	}
	return remoteIP
}

// Connect implements the Closed->SynSent transition: allocate an ISN,
// register the connection, and emit the opening SYN.
func (m *Manager) Connect(remoteIP [4]byte, remotePort, localPort uint16, ownerPID int64) (*TcpConnection, error) {
	remoteIP = rewriteLoopback(remoteIP, m.LocalIP)
	isn := m.nextISN()
	key := ConnKey{LocalIP: m.LocalIP, LocalPort: localPort, RemoteIP: remoteIP, RemotePort: remotePort}

	conn := &TcpConnection{
		key:         key,
		state:       StateSynSent,
		sendInitial: isn,
		sendNext:    isn + 1,
		sendUnack:   isn,
		recvWindow:  65535,
		mss:         defaultMSS,
		refcount:    1,
		ownerPID:    ownerPID,
		wake:        newBroadcaster(),
		pacer:       newSendPacer(),
	}

	m.mu.Lock()
	if _, exists := m.conns[key]; exists {
		m.mu.Unlock()
		return nil, errkit.New(errkit.EEXIST, "tcp.Connect: connection already exists")
	}
	m.conns[key] = conn
	m.mu.Unlock()

	m.emit(Segment{SrcPort: localPort, DstPort: remotePort, Seq: isn, Flags: FlagSYN, Window: conn.recvWindow}, m.LocalIP, remoteIP)
	return conn, nil
}

// ConnCount reports how many connections this manager currently tracks,
// for kmetrics' tcp-connection-count gauge.
func (m *Manager) ConnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// ConnSummary is a read-only, lock-free view of one connection, for
// debugapi's tcp-table endpoint.
type ConnSummary struct {
	Key      ConnKey
	State    string
	OwnerPID int64
}

// Snapshot returns a summary of every connection this manager tracks.
func (m *Manager) Snapshot() []ConnSummary {
	m.mu.Lock()
	conns := make([]*TcpConnection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	out := make([]ConnSummary, 0, len(conns))
	for _, c := range conns {
		c.mu.Lock()
		out = append(out, ConnSummary{Key: c.key, State: c.state.String(), OwnerPID: c.ownerPID})
		c.mu.Unlock()
	}
	return out
}

// WaitEstablished blocks until conn leaves SynSent, the connect(2)
// half of this package's blocking-syscall wake-up contract.
func (c *TcpConnection) WaitEstablished() error {
	for {
		c.mu.Lock()
		state := c.state
		failed := c.failed
		c.mu.Unlock()
		if failed {
			return errkit.New(errkit.ECONNREFUSED, "tcp: connection refused")
		}
		if state != StateSynSent {
			return nil
		}
		<-c.wake.wait()
	}
}

// Listen creates a bound listening socket.
func (m *Manager) Listen(port uint16) (*ListenSocket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.listeners[port]; exists {
		return nil, errkit.New(errkit.EADDRINUSE, "tcp.Listen: port already bound")
	}
	ls := &ListenSocket{port: port, wake: newBroadcaster()}
	m.listeners[port] = ls
	return ls, nil
}

// Accept blocks until a pending handshake has completed its final ACK,
// then promotes it to an Established TcpConnection, copying over any
// data that arrived before the accept.
func (m *Manager) Accept(ls *ListenSocket) (*TcpConnection, error) {
	for {
		ls.mu.Lock()
		for i, p := range ls.backlog {
			if p.ackReceived {
				ls.backlog = append(ls.backlog[:i], ls.backlog[i+1:]...)
				ls.mu.Unlock()
				return m.promotePending(ls.port, p), nil
			}
		}
		if ls.closed {
			ls.mu.Unlock()
			return nil, errkit.New(errkit.EINVAL, "tcp.Accept: listener closed")
		}
		ls.mu.Unlock()
		<-ls.wake.wait()
	}
}

func (m *Manager) promotePending(localPort uint16, p *pendingConnection) *TcpConnection {
	key := ConnKey{LocalIP: m.LocalIP, LocalPort: localPort, RemoteIP: p.remoteIP, RemotePort: p.remotePort}
	conn := &TcpConnection{
		key:         key,
		state:       StateEstablished,
		sendInitial: p.ourISN,
		sendNext:    p.ourISN + 1,
		sendUnack:   p.ourISN + 1,
		recvInitial: p.clientISN,
		recvNext:    p.recvNext,
		recvWindow:  65535,
		mss:         defaultMSS,
		rxBuffer:    p.earlyData,
		refcount:    1,
		wake:        newBroadcaster(),
		pacer:       newSendPacer(),
	}
	m.mu.Lock()
	m.conns[key] = conn
	m.mu.Unlock()
	return conn
}

// Deliver processes one inbound segment: find the matching connection,
// else the matching listener, and apply the RFC 793 transition for
// that (state, flags) pair.
func (m *Manager) Deliver(seg Segment, srcIP [4]byte) {
	key := ConnKey{LocalIP: m.LocalIP, LocalPort: seg.DstPort, RemoteIP: srcIP, RemotePort: seg.SrcPort}

	m.mu.Lock()
	conn, ok := m.conns[key]
	m.mu.Unlock()
	if ok {
		m.deliverToConn(conn, seg)
		return
	}

	m.mu.Lock()
	ls, ok := m.listeners[seg.DstPort]
	m.mu.Unlock()
	if !ok {
		return
	}
	if seg.Flags&FlagSYN != 0 && seg.Flags&FlagACK == 0 {
		m.deliverToListener(ls, seg, srcIP)
		return
	}
	if seg.Flags&FlagACK != 0 {
		m.deliverPendingAck(ls, seg, srcIP)
	}
}

func (m *Manager) deliverToListener(ls *ListenSocket, seg Segment, srcIP [4]byte) {
	isn := m.nextISN()
	p := &pendingConnection{
		remoteIP:   srcIP,
		remotePort: seg.SrcPort,
		ourISN:     isn,
		clientISN:  seg.Seq,
		recvNext:   seg.Seq + 1,
	}
	ls.mu.Lock()
	ls.backlog = append(ls.backlog, p)
	ls.mu.Unlock()

	m.emit(Segment{SrcPort: ls.port, DstPort: seg.SrcPort, Seq: isn, Ack: p.recvNext, Flags: FlagSYN | FlagACK, Window: 65535}, m.LocalIP, srcIP)
}

func findPendingByPeer(ls *ListenSocket, remoteIP [4]byte, remotePort uint16) *pendingConnection {
	for _, p := range ls.backlog {
		if p.remoteIP == remoteIP && p.remotePort == remotePort {
			return p
		}
	}
	return nil
}

// deliverPendingAck handles the handshake-completing ACK for a pending
// connection on ls, reached from Deliver when an inbound ACK carries
// no matching TcpConnection but its destination port has a listener.
func (m *Manager) deliverPendingAck(ls *ListenSocket, seg Segment, srcIP [4]byte) {
	ls.mu.Lock()
	p := findPendingByPeer(ls, srcIP, seg.SrcPort)
	if p == nil || seg.Ack != p.ourISN+1 {
		ls.mu.Unlock()
		return
	}
	p.ackReceived = true
	if len(seg.Payload) > 0 {
		p.earlyData = append(p.earlyData, seg.Payload...)
		p.recvNext += uint32(len(seg.Payload))
	}
	ls.mu.Unlock()
	ls.wake.wake()
}

func (m *Manager) deliverToConn(conn *TcpConnection, seg Segment) {
	conn.mu.Lock()
	defer func() {
		state := conn.state
		conn.mu.Unlock()
		conn.wake.wake()
		if state == StateClosed {
			m.mu.Lock()
			delete(m.conns, conn.key)
			m.mu.Unlock()
		}
	}()

	switch conn.state {
	case StateSynSent:
		if seg.Flags&FlagRST != 0 {
			conn.state = StateClosed
			conn.failed = true
			return
		}
		if seg.Flags&FlagSYN != 0 && seg.Flags&FlagACK != 0 && seg.Ack == conn.sendNext {
			conn.recvInitial = seg.Seq
			conn.recvNext = seg.Seq + 1
			conn.sendUnack = seg.Ack
			conn.state = StateEstablished
			m.emit(Segment{SrcPort: conn.key.LocalPort, DstPort: conn.key.RemotePort, Seq: conn.sendNext, Ack: conn.recvNext, Flags: FlagACK, Window: conn.recvWindow}, conn.key.LocalIP, conn.key.RemoteIP)
		}

	case StateEstablished:
		if seg.Flags&FlagFIN != 0 {
			conn.recvNext++
			conn.state = StateCloseWait
			m.emit(Segment{SrcPort: conn.key.LocalPort, DstPort: conn.key.RemotePort, Seq: conn.sendNext, Ack: conn.recvNext, Flags: FlagACK, Window: conn.recvWindow}, conn.key.LocalIP, conn.key.RemoteIP)
			return
		}
		if seg.Flags&FlagACK != 0 && len(seg.Payload) > 0 && seg.Seq == conn.recvNext {
			conn.rxBuffer = append(conn.rxBuffer, seg.Payload...)
			conn.recvNext += uint32(len(seg.Payload))
			m.emit(Segment{SrcPort: conn.key.LocalPort, DstPort: conn.key.RemotePort, Seq: conn.sendNext, Ack: conn.recvNext, Flags: FlagACK, Window: conn.recvWindow}, conn.key.LocalIP, conn.key.RemoteIP)
		}

	case StateFinWait1:
		if seg.Flags&FlagFIN != 0 {
			conn.recvNext++
			conn.state = StateTimeWait
			m.emit(Segment{SrcPort: conn.key.LocalPort, DstPort: conn.key.RemotePort, Seq: conn.sendNext, Ack: conn.recvNext, Flags: FlagACK, Window: conn.recvWindow}, conn.key.LocalIP, conn.key.RemoteIP)
			conn.state = StateClosed // TimeWait is simplified to an immediate Closed
			return
		}
		if seg.Flags&FlagACK != 0 && seg.Ack == conn.sendNext {
			conn.state = StateFinWait2
		}

	case StateFinWait2:
		if seg.Flags&FlagFIN != 0 {
			conn.recvNext++
			conn.state = StateTimeWait
			m.emit(Segment{SrcPort: conn.key.LocalPort, DstPort: conn.key.RemotePort, Seq: conn.sendNext, Ack: conn.recvNext, Flags: FlagACK, Window: conn.recvWindow}, conn.key.LocalIP, conn.key.RemoteIP)
			conn.state = StateClosed
		}

	case StateLastAck:
		if seg.Flags&FlagACK != 0 && seg.Ack == conn.sendNext {
			conn.state = StateClosed
		}
	}
}

// Recv implements userspace recv semantics: data if available, else
// EAGAIN while Established, else 0 (EOF) once the peer has signalled
// close.
func (c *TcpConnection) Recv(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.rxBuffer) > 0 {
		n := copy(buf, c.rxBuffer)
		c.rxBuffer = c.rxBuffer[n:]
		return n, nil
	}
	if c.recvShutdown {
		return 0, nil
	}
	switch c.state {
	case StateCloseWait, StateClosed, StateTimeWait:
		return 0, nil
	default:
		return 0, errkit.New(errkit.EAGAIN, "tcp.Recv")
	}
}

// Send implements userspace send semantics: refuse once send_shutdown
// is set or the connection is not Established. Large
// writes are split into MSS-sized segments and paced through the
// connection's token bucket so one Send call can't emit an unbounded
// burst onto the simulated link.
func (c *TcpConnection) Send(m *Manager, data []byte) (int, error) {
	c.mu.Lock()
	if c.sendShutdown {
		c.mu.Unlock()
		return 0, errkit.New(errkit.EPIPE, "tcp.Send: shutdown")
	}
	if c.state != StateEstablished {
		c.mu.Unlock()
		return 0, errkit.New(errkit.EPIPE, "tcp.Send: not established")
	}
	pacer := c.pacer
	c.mu.Unlock()

	sent := 0
	for sent < len(data) {
		chunkLen := len(data) - sent
		if chunkLen > int(defaultMSS) {
			chunkLen = int(defaultMSS)
		}
		chunk := data[sent : sent+chunkLen]

		if pacer != nil {
			if err := pacer.WaitN(context.Background(), chunkLen); err != nil {
				return sent, errkit.Wrap(err, errkit.EIO, "tcp.Send: pacer")
			}
		}

		c.mu.Lock()
		if c.sendShutdown || c.state != StateEstablished {
			c.mu.Unlock()
			if sent > 0 {
				return sent, nil
			}
			return 0, errkit.New(errkit.EPIPE, "tcp.Send: shutdown")
		}
		seq := c.sendNext
		c.sendNext += uint32(chunkLen)
		ack, window, localIP, remoteIP, localPort, remotePort := c.recvNext, c.recvWindow, c.key.LocalIP, c.key.RemoteIP, c.key.LocalPort, c.key.RemotePort
		c.mu.Unlock()

		m.emit(Segment{SrcPort: localPort, DstPort: remotePort, Seq: seq, Ack: ack, Flags: FlagACK | FlagPSH, Window: window, Payload: chunk}, localIP, remoteIP)
		sent += chunkLen
	}
	return sent, nil
}

// Shutdown implements shutdown(2): SHUT_RD marks recv_shutdown; SHUT_WR
// emits a FIN from Established and transitions to FinWait1.
func (c *TcpConnection) Shutdown(m *Manager, how ShutHow) error {
	c.mu.Lock()
	if how == ShutRD {
		c.recvShutdown = true
		c.mu.Unlock()
		return nil
	}
	if c.state != StateEstablished {
		c.mu.Unlock()
		return errkit.New(errkit.ENOTCONN, "tcp.Shutdown(SHUT_WR): not established")
	}
	seq := c.sendNext
	c.sendNext++
	c.sendShutdown = true
	c.state = StateFinWait1
	ack := c.recvNext
	c.mu.Unlock()
	m.emit(Segment{SrcPort: c.key.LocalPort, DstPort: c.key.RemotePort, Seq: seq, Ack: ack, Flags: FlagFIN | FlagACK, Window: c.recvWindow}, c.key.LocalIP, c.key.RemoteIP)
	return nil
}

// Close implements close(2): decrement refcount, and only at zero emit
// a FIN (if Established or CloseWait) or remove the map entry (if
// already Closed).
func (c *TcpConnection) Close(m *Manager) error {
	c.mu.Lock()
	c.refcount--
	if c.refcount > 0 {
		c.mu.Unlock()
		return nil
	}

	switch c.state {
	case StateEstablished:
		seq := c.sendNext
		c.sendNext++
		c.state = StateFinWait1
		c.mu.Unlock()
		m.emit(Segment{SrcPort: c.key.LocalPort, DstPort: c.key.RemotePort, Seq: seq, Flags: FlagFIN | FlagACK, Window: c.recvWindow}, c.key.LocalIP, c.key.RemoteIP)
		return nil
	case StateCloseWait:
		seq := c.sendNext
		c.sendNext++
		c.state = StateLastAck
		c.mu.Unlock()
		m.emit(Segment{SrcPort: c.key.LocalPort, DstPort: c.key.RemotePort, Seq: seq, Flags: FlagFIN | FlagACK, Window: c.recvWindow}, c.key.LocalIP, c.key.RemoteIP)
		return nil
	case StateClosed:
		c.mu.Unlock()
		m.mu.Lock()
		delete(m.conns, c.key)
		m.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		return nil
	}
}
