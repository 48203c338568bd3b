package process

import (
	"testing"

	"github.com/breenix/breenix-go/errkit"
	"github.com/breenix/breenix-go/frame"
	"github.com/breenix/breenix-go/vm"
)

func newPT(t *testing.T) (*frame.Allocator, *vm.KernelPageTable, *vm.ProcessPageTable) {
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
	return alloc, kpt, pt
}

func TestCreateAssignsDistinctPIDsAndSelfGroup(t *testing.T) {
	_, _, pt1 := newPT(t)
	_, _, pt2 := newPT(t)
	m := NewManager()
	p1 := m.Create(pt1, 0, "/")
	p2 := m.Create(pt2, 0, "/")
	if p1.PID == p2.PID {
		t.Fatal("expected distinct pids")
	}
	if p1.PGID != p1.PID || p1.SID != p1.PID {
		t.Fatal("a freshly created process must be its own group and session leader")
	}
}

func TestForkDuplicatesFdsAndClearsPending(t *testing.T) {
	alloc, _, parentPT := newPT(t)
	_, kpt2, childPT := newPT(t)
	_ = kpt2
	m := NewManager()
	parent := m.Create(parentPT, 0, "/")

	fd := parent.Fds.Install(FdRegularFile, noopCloser{})
	parent.Signals.Pending = 1 << 4 // signal 5's bit (SIGTRAP) set pre-fork

	child := m.Fork(parent, childPT)
	if child.PGID != parent.PGID || child.SID != parent.SID {
		t.Fatal("child must inherit pgid/sid")
	}
	if child.ParentPID != parent.PID {
		t.Fatal("child.ParentPID must be the forking process")
	}
	if _, err := child.Fds.Get(fd); err != nil {
		t.Fatalf("expected child to inherit parent's fd %d: %v", fd, err)
	}
	if child.Signals.Pending != 0 {
		t.Fatal("pending signals must be cleared in the child")
	}
	if child.Signals.Blocked != parent.Signals.Blocked {
		t.Fatal("blocked mask must be copied to the child")
	}

	// Closing the fd in the child must not affect the parent's view.
	if err := child.Fds.Close(fd); err != nil {
		t.Fatal(err)
	}
	if _, err := parent.Fds.Get(fd); err != nil {
		t.Fatal("parent's reference must survive the child closing its own copy")
	}
	_ = alloc
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

func TestExecResetsHandlersAndClosesNonKeptFds(t *testing.T) {
	_, _, pt := newPT(t)
	_, _, newPT2 := newPT(t)
	m := NewManager()
	p := m.Create(pt, 0, "/")

	keep := p.Fds.Install(FdStdIo, noopCloser{})
	closed := p.Fds.Install(FdRegularFile, noopCloser{})
	p.Signals.Handlers[4] = SignalAction{Handler: 0x4000}
	p.Signals.Pending = 1

	p.Exec(newPT2, map[int]bool{keep: true})

	if p.Signals.Handlers[4].Handler != 0 {
		t.Fatal("exec must reset caught handlers to SIG_DFL")
	}
	if p.Signals.Pending != 0 {
		t.Fatal("exec must clear pending signals")
	}
	if _, err := p.Fds.Get(keep); err != nil {
		t.Fatal("kept fd must survive exec")
	}
	if _, err := p.Fds.Get(closed); !errkit.Is(err, errkit.EBADF) {
		t.Fatal("non-close-on-exec-exempt fd must be closed by exec")
	}
}

func TestWaitReapsOnlyZombieChildren(t *testing.T) {
	_, _, parentPT := newPT(t)
	_, _, childPT := newPT(t)
	m := NewManager()
	parent := m.Create(parentPT, 0, "/")
	child := m.Fork(parent, childPT)

	if _, _, ok := m.Wait(parent); ok {
		t.Fatal("expected no zombie yet")
	}

	child.Exit(7)
	pid, status, ok := m.Wait(parent)
	if !ok || pid != child.PID || status != 7 {
		t.Fatalf("expected to reap child pid=%d status=7, got pid=%d status=%d ok=%v", child.PID, pid, status, ok)
	}
	if _, live := m.Lookup(child.PID); live {
		t.Fatal("reaped child must be removed from the table")
	}
}

func TestResolveKillTargets(t *testing.T) {
	_, _, ptInit := newPT(t)
	_, _, pt1 := newPT(t)
	_, _, pt2 := newPT(t)
	_, _, pt3 := newPT(t)
	m := NewManager()
	m.Create(ptInit, 0, "/") // consumes pid 1, the reserved init slot
	a := m.Create(pt1, 0, "/")
	b := m.Create(pt2, 0, "/")
	c := m.Create(pt3, 0, "/")
	b.PGID = a.PGID // put b in a's group

	single := m.ResolveKillTargets(a, a.PID)
	if len(single) != 1 || single[0].PID != a.PID {
		t.Fatal("pid>0 must target exactly that process")
	}

	group := m.ResolveKillTargets(a, 0)
	found := map[int64]bool{}
	for _, p := range group {
		found[p.PID] = true
	}
	if !found[a.PID] || !found[b.PID] || found[c.PID] {
		t.Fatalf("pid==0 must target caller's pgid only, got %v", found)
	}

	all := m.ResolveKillTargets(a, -1)
	for _, p := range all {
		if p.PID == 1 {
			t.Fatal("pid==-1 must exclude pid 1")
		}
	}
}
