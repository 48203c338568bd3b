package vfs_test

import (
	"testing"

	"github.com/breenix/breenix-go/errkit"
	"github.com/breenix/breenix-go/process"
	"github.com/breenix/breenix-go/vfs"
	"github.com/breenix/breenix-go/vfs/memfs"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct{ cwd, in, want string }{
		{"/", "foo", "/foo"},
		{"/a/b", "../c", "/a/c"},
		{"/a/b", "/x/y", "/x/y"},
		{"/a", "../../..", "/"},
		{"/a/b/c", "./d/../e", "/a/b/c/e"},
	}
	for _, c := range cases {
		if got := vfs.NormalizePath(c.cwd, c.in); got != c.want {
			t.Errorf("NormalizePath(%q,%q) = %q, want %q", c.cwd, c.in, got, c.want)
		}
	}
}

func TestOpenCreateWriteReadRoundTrip(t *testing.T) {
	fs := memfs.New()
	table := process.NewFdTable()

	fd, err := vfs.Open(fs, table, "/", "/hello.txt", vfs.O_CREAT|vfs.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("Open create: %v", err)
	}
	coll, err := table.Get(fd)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	of := coll.(*vfs.OpenFile)
	if _, err := of.Write([]byte("hi there")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := of.Seek(0, vfs.SeekSet); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	buf := make([]byte, 64)
	n, err := of.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hi there" {
		t.Fatalf("Read = %q, want %q", buf[:n], "hi there")
	}
}

func TestOpenExistingWithExclFails(t *testing.T) {
	fs := memfs.New()
	table := process.NewFdTable()
	if _, err := vfs.Open(fs, table, "/", "/a", vfs.O_CREAT, 0o644); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := vfs.Open(fs, table, "/", "/a", vfs.O_CREAT|vfs.O_EXCL, 0o644); !errkit.Is(err, errkit.EEXIST) {
		t.Fatalf("expected EEXIST, got %v", err)
	}
}

func TestOpenDirectoryAndGetdents64(t *testing.T) {
	fs := memfs.New()
	table := process.NewFdTable()

	if _, err := vfs.Open(fs, table, "/", "/a", vfs.O_CREAT, 0o644); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if _, err := fs.CreateDirectory("/sub", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	fd, err := vfs.Open(fs, table, "/", "/", vfs.O_DIRECTORY, 0)
	if err != nil {
		t.Fatalf("opendir: %v", err)
	}
	coll, err := table.Get(fd)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	dir := coll.(*vfs.OpenDir)

	buf := make([]byte, 4096)
	n, err := vfs.Getdents64(dir, buf)
	if err != nil {
		t.Fatalf("Getdents64: %v", err)
	}
	if n == 0 {
		t.Fatal("expected non-zero bytes written")
	}

	// A second call at EOF returns 0 with no error (spec's getdents64
	// "0 on no more entries" case).
	fd2, err := vfs.Open(fs, table, "/", "/", vfs.O_DIRECTORY, 0)
	if err != nil {
		t.Fatalf("opendir 2: %v", err)
	}
	coll2, _ := table.Get(fd2)
	dir2 := coll2.(*vfs.OpenDir)
	big := make([]byte, 65536)
	if _, err := vfs.Getdents64(dir2, big); err != nil {
		t.Fatalf("Getdents64 full read: %v", err)
	}
	n2, err := vfs.Getdents64(dir2, big)
	if err != nil {
		t.Fatalf("Getdents64 at eof: %v", err)
	}
	if n2 != 0 {
		t.Fatalf("expected 0 bytes at EOF, got %d", n2)
	}
}
