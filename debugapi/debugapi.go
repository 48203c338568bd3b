// Package debugapi implements the kernel's debug/introspection HTTP
// surface: a read-only REST view of the process table and TCP
// connection table, plus a websocket endpoint that streams softirq
// pending-mask snapshots so an operator can watch the pump tick in
// real time. It mirrors the vm-agent's mux.NewRouter()+mux.Vars
// pattern, trading its vsock transport for a plain TCP listener since
// this kernel has no hypervisor boundary to cross.
package debugapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/breenix/breenix-go/klog"
	"github.com/breenix/breenix-go/kwork"
	"github.com/breenix/breenix-go/net/tcp"
	"github.com/breenix/breenix-go/process"
)

// Server bundles everything the debug API reads from; it owns no
// kernel state of its own.
type Server struct {
	Processes *process.Manager
	TCP       *tcp.Manager
	Softirq   *kwork.Pump
}

// upgrader has no origin check: this endpoint is meant for a trusted
// operator console talking to a kernel simulation, not a public
// browser client.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Router builds the mux.Router exposing this server's endpoints.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/1.0/processes", s.listProcesses).Methods(http.MethodGet)
	r.HandleFunc("/1.0/processes/{pid}", s.getProcess).Methods(http.MethodGet)
	r.HandleFunc("/1.0/tcp", s.listConnections).Methods(http.MethodGet)
	r.HandleFunc("/1.0/softirq/stream", s.streamSoftirq)
	return r
}

type processView struct {
	PID       int64   `json:"pid"`
	PGID      int64   `json:"pgid"`
	SID       int64   `json:"sid"`
	ParentPID int64   `json:"parent_pid"`
	State     string  `json:"state"`
	Children  []int64 `json:"children"`
}

func renderProcess(p *process.Process) processView {
	return processView{
		PID:       p.PID,
		PGID:      p.PGID,
		SID:       p.SID,
		ParentPID: p.ParentPID,
		State:     p.State().String(),
		Children:  p.Children(),
	}
}

func (s *Server) listProcesses(w http.ResponseWriter, r *http.Request) {
	procs := s.Processes.Snapshot()
	out := make([]processView, 0, len(procs))
	for _, p := range procs {
		out = append(out, renderProcess(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getProcess(w http.ResponseWriter, r *http.Request) {
	pid, err := parsePID(mux.Vars(r)["pid"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	p, ok := s.Processes.Lookup(pid)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody(errNoSuchProcess))
		return
	}
	writeJSON(w, http.StatusOK, renderProcess(p))
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.TCP.Snapshot())
}

// streamSoftirq upgrades to a websocket and pushes the pump's pending
// bitmap once per tick until the client disconnects. The connection is
// unidirectional from the server's point of view: any message the
// client sends back is read and discarded only so gorilla/websocket's
// ping/pong keepalive has a reader pumping the socket.
func (s *Server) streamSoftirq(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.Default().Warn("debugapi: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			mask := s.Softirq.PendingMask()
			if err := conn.WriteJSON(map[string]uint32{"pending_mask": mask}); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}
