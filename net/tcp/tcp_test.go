package tcp

import (
	"testing"
	"time"
)

// wireDirect hooks two managers' Output callbacks straight into each
// other's Deliver, the in-process equivalent of the loopback shortcut
// without going through net/eth's wire codec (net/eth's own tests cover
// the codec; this test is about the state machine).
func wireDirect(a, b *Manager) {
	a.Output = func(seg Segment, srcIP, dstIP [4]byte) { b.Deliver(seg, srcIP) }
	b.Output = func(seg Segment, srcIP, dstIP [4]byte) { a.Deliver(seg, srcIP) }
}

// TestHandshakeAndDataTransfer is property 8 (TCP 3-way handshake) and
// scenario E7: connect -> accept -> recv("hi") -> send("hi") -> recv
// observes Established on both ends and delivers the bytes.
func TestHandshakeAndDataTransfer(t *testing.T) {
	serverIP := [4]byte{127, 0, 0, 1}
	clientIP := [4]byte{127, 0, 0, 1}
	server := NewManager(serverIP, 1000)
	client := NewManager(clientIP, 5_000_000)
	wireDirect(server, client)

	ls, err := server.Listen(8082)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	conn, err := client.Connect(serverIP, 8082, 40000, 1)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	acceptDone := make(chan *TcpConnection, 1)
	go func() {
		sconn, err := server.Accept(ls)
		if err != nil {
			t.Errorf("Accept: %v", err)
			acceptDone <- nil
			return
		}
		acceptDone <- sconn
	}()

	if err := conn.WaitEstablished(); err != nil {
		t.Fatalf("WaitEstablished: %v", err)
	}
	if conn.State() != StateEstablished {
		t.Fatalf("client state = %v, want Established", conn.State())
	}

	var sconn *TcpConnection
	select {
	case sconn = <-acceptDone:
		if sconn == nil {
			t.Fatal("Accept failed")
		}
	case <-time.After(time.Second):
		t.Fatal("Accept never returned")
	}
	if sconn.State() != StateEstablished {
		t.Fatalf("server state = %v, want Established", sconn.State())
	}

	if _, err := conn.Send(client, []byte("hi")); err != nil {
		t.Fatalf("client Send: %v", err)
	}

	var buf [16]byte
	var n int
	for i := 0; i < 100; i++ {
		n, err = sconn.Recv(buf[:])
		if err == nil && n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if n != 2 || string(buf[:n]) != "hi" {
		t.Fatalf("server Recv = (%d, %q), want (2, \"hi\")", n, buf[:n])
	}

	if _, err := sconn.Send(server, []byte("hi")); err != nil {
		t.Fatalf("server Send: %v", err)
	}
	for i := 0; i < 100; i++ {
		n, err = conn.Recv(buf[:])
		if err == nil && n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if n != 2 || string(buf[:n]) != "hi" {
		t.Fatalf("client Recv = (%d, %q), want (2, \"hi\")", n, buf[:n])
	}
}

// TestRecvOnEmptyBufferReturnsEAGAIN covers the "recv on empty buffer
// returns EAGAIN" rule while Established.
func TestRecvOnEmptyBufferReturnsEAGAIN(t *testing.T) {
	ip := [4]byte{127, 0, 0, 1}
	server := NewManager(ip, 1)
	client := NewManager(ip, 2)
	wireDirect(server, client)

	ls, _ := server.Listen(9000)
	conn, err := client.Connect(ip, 9000, 40001, 1)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := conn.WaitEstablished(); err != nil {
		t.Fatalf("WaitEstablished: %v", err)
	}

	var buf [4]byte
	if _, err := conn.Recv(buf[:]); err == nil {
		t.Fatal("expected EAGAIN on an empty Established connection")
	}
	_ = ls
}

// TestFinDeliversEOFExactlyOnce is property 9: after the peer sends
// FIN, all pending recv calls return 0 exactly once (then keep
// returning 0 since CloseWait/Closed/TimeWait are all EOF states).
func TestFinDeliversEOFExactlyOnce(t *testing.T) {
	ip := [4]byte{127, 0, 0, 1}
	server := NewManager(ip, 10)
	client := NewManager(ip, 20)
	wireDirect(server, client)

	ls, _ := server.Listen(9001)
	conn, err := client.Connect(ip, 9001, 40002, 1)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := conn.WaitEstablished(); err != nil {
		t.Fatalf("WaitEstablished: %v", err)
	}
	sconn, err := server.Accept(ls)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if err := conn.Shutdown(client, ShutWR); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	var buf [4]byte
	var n int
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		n, err = sconn.Recv(buf[:])
		if err == nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err != nil || n != 0 {
		t.Fatalf("first post-FIN Recv = (%d, %v), want (0, nil)", n, err)
	}
	if n, err = sconn.Recv(buf[:]); err != nil || n != 0 {
		t.Fatalf("second post-FIN Recv = (%d, %v), want (0, nil)", n, err)
	}
}
