package debugapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/breenix/breenix-go/frame"
	"github.com/breenix/breenix-go/kwork"
	"github.com/breenix/breenix-go/net/tcp"
	"github.com/breenix/breenix-go/process"
	"github.com/breenix/breenix-go/vm"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	alloc := frame.New(256)
	kpt, err := vm.NewKernelPageTable(alloc, 300)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := vm.NewProcessPageTable(alloc, kpt)
	if err != nil {
		t.Fatal(err)
	}
	procs := process.NewManager()
	procs.Create(pt, 0, "/")

	tcpMgr := tcp.NewManager([4]byte{10, 0, 0, 1}, 1)

	return &Server{Processes: procs, TCP: tcpMgr, Softirq: kwork.NewPump()}
}

func TestListProcesses(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/1.0/processes")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var procs []processView
	if err := json.NewDecoder(resp.Body).Decode(&procs); err != nil {
		t.Fatal(err)
	}
	if len(procs) != 1 {
		t.Fatalf("expected 1 process, got %d", len(procs))
	}
	if procs[0].State != "running" {
		t.Fatalf("expected running state, got %q", procs[0].State)
	}
}

func TestGetProcessNotFound(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/1.0/processes/999")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestListConnectionsEmpty(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/1.0/tcp")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var conns []tcp.ConnSummary
	if err := json.NewDecoder(resp.Body).Decode(&conns); err != nil {
		t.Fatal(err)
	}
	if len(conns) != 0 {
		t.Fatalf("expected no connections, got %d", len(conns))
	}
}

func TestSoftirqStreamPushesPendingMask(t *testing.T) {
	s := newTestServer(t)
	s.Softirq.Raise(kwork.Timer)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/1.0/softirq/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var msg map[string]uint32
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if _, ok := msg["pending_mask"]; !ok {
		t.Fatalf("expected pending_mask key, got %v", msg)
	}
}
