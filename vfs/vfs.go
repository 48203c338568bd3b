// Package vfs implements the VFS glue layer between the kernel and a
// filesystem collaborator: the Collaborator interface a real
// filesystem plugs into, path resolution, and the getdents64 wire
// format. It does not itself store any files; vfs/memfs is the
// reference collaborator used by tests and the CLI demo, since the real
// ext2 on-disk layout is explicitly out of scope.
package vfs

import (
	"encoding/binary"
	"strings"
	"sync"

	"github.com/breenix/breenix-go/errkit"
	"github.com/breenix/breenix-go/process"
)

// FileType mirrors the Linux dirent d_type / S_IFMT family closely
// enough that both can be derived from one value without a translation
// table, the way original_source's ext2_file_type_to_dt does explicitly.
type FileType uint8

const (
	TypeUnknown FileType = 0
	TypeFifo    FileType = 1
	TypeChar    FileType = 2
	TypeDir     FileType = 4
	TypeBlock   FileType = 6
	TypeRegular FileType = 8
	TypeSymlink FileType = 10
	TypeSocket  FileType = 12
)

// S_IFMT family mode bits, Linux-compatible fstat.
const (
	S_IFSOCK = 0o140000
	S_IFLNK  = 0o120000
	S_IFREG  = 0o100000
	S_IFBLK  = 0o060000
	S_IFDIR  = 0o040000
	S_IFCHR  = 0o020000
	S_IFIFO  = 0o010000
)

// Open flags, POSIX's open(2) flag set.
const (
	O_RDONLY    = 0
	O_WRONLY    = 1
	O_RDWR      = 2
	O_CREAT     = 0x40
	O_EXCL      = 0x80
	O_TRUNC     = 0x200
	O_APPEND    = 0x400
	O_DIRECTORY = 0x10000
)

// Seek whence values, lseek(2)'s argument set.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// Stat is the subset of struct stat the core cares about; it carries no
// st_dev/st_blksize fields (see FillStat).
type Stat struct {
	Ino   uint64
	Mode  uint32
	Nlink uint64
	UID   uint32
	GID   uint32
	Size  int64
}

// DirEntry is one entry a Collaborator's ReadDirectory returns: the
// decoded form original_source's DirReader walks out of its packed
// on-disk directory blocks. Encoding DirEntry into the userspace
// dirent64 wire format is this package's job (Getdents64), not the
// collaborator's.
type DirEntry struct {
	Name  string
	Inode uint64
	Type  FileType
}

// Collaborator is the external filesystem contract: resolve_path,
// read_inode, create_file, create_directory, truncate_file,
// read_directory (DirReader), unlink_file, rename_file,
// remove_directory, create_hard_link, create_symlink, read_symlink.
// ReadFile/WriteFile are this port's one addition beyond that list: the
// original contract omits file data I/O (delegated to ext2 block
// mapping, out of scope here), but a reference collaborator needs some
// way to move bytes for read(2)/write(2) to do anything, so memfs
// implements it directly against its in-memory inode store.
type Collaborator interface {
	ResolvePath(path string) (uint64, error)
	ReadInode(ino uint64) (Stat, error)
	CreateFile(parentIno uint64, name string, mode uint16) (uint64, error)
	CreateDirectory(path string, mode uint16) (uint64, error)
	TruncateFile(ino uint64) error
	ReadDirectory(ino uint64) ([]DirEntry, error)
	UnlinkFile(path string) error
	RenameFile(oldPath, newPath string) error
	RemoveDirectory(path string) error
	CreateHardLink(oldPath, newPath string) error
	CreateSymlink(target, linkPath string) error
	ReadSymlink(ino uint64) (string, error)
	ReadFile(ino uint64, offset int64, buf []byte) (int, error)
	WriteFile(ino uint64, offset int64, data []byte) (int, error)
}

// NormalizePath resolves input against cwd (if input is not already
// absolute) and collapses "." and ".." components, the way
// original_source's sys_open does before ever touching the filesystem.
// The result never escapes "/": a leading ".." past root is dropped.
func NormalizePath(cwd, input string) string {
	abs := input
	if !strings.HasPrefix(input, "/") {
		if cwd == "" {
			cwd = "/"
		}
		if strings.HasSuffix(cwd, "/") {
			abs = cwd + input
		} else {
			abs = cwd + "/" + input
		}
	}

	var stack []string
	for _, part := range strings.Split(abs, "/") {
		switch part {
		case "", ".":
			// skip
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, part)
		}
	}
	if len(stack) == 0 {
		return "/"
	}
	return "/" + strings.Join(stack, "/")
}

// SplitParent splits a normalized path into its parent directory and
// final component, the way original_source's sys_open does when it
// needs to resolve the parent for O_CREAT.
func SplitParent(path string) (parent, name string) {
	idx := strings.LastIndex(path, "/")
	if idx == 0 {
		return "/", path[1:]
	}
	return path[:idx], path[idx+1:]
}

// OpenFile is the fd-level collaborator a successful open(2) on a
// regular file installs into a process.FdTable (FdRegularFile). It
// carries its own read/write cursor and is shared across dup'd fds the
// same way a pipe end is: one *OpenFile per open, not per fd.
type OpenFile struct {
	mu      sync.Mutex
	fs      Collaborator
	Ino     uint64
	MountID int64
	pos     int64
	flags   uint32
}

func newOpenFile(fs Collaborator, ino uint64, flags uint32) *OpenFile {
	return &OpenFile{fs: fs, Ino: ino, flags: flags}
}

func (f *OpenFile) Close() error { return nil }

func (f *OpenFile) Read(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.fs.ReadFile(f.Ino, f.pos, buf)
	if err != nil {
		return 0, err
	}
	f.pos += int64(n)
	return n, nil
}

func (f *OpenFile) Write(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flags&O_APPEND != 0 {
		st, err := f.fs.ReadInode(f.Ino)
		if err != nil {
			return 0, err
		}
		f.pos = st.Size
	}
	n, err := f.fs.WriteFile(f.Ino, f.pos, buf)
	if err != nil {
		return 0, err
	}
	f.pos += int64(n)
	return n, nil
}

// Seek implements lseek(2); SeekEnd reads the inode's
// current size from the collaborator rather than caching it, since
// writes by other fds referring to the same inode can change it.
func (f *OpenFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var newPos int64
	switch whence {
	case SeekSet:
		newPos = offset
	case SeekCur:
		newPos = f.pos + offset
	case SeekEnd:
		st, err := f.fs.ReadInode(f.Ino)
		if err != nil {
			return 0, err
		}
		newPos = st.Size + offset
	default:
		return 0, errkit.New(errkit.EINVAL, "vfs.OpenFile.Seek")
	}
	if newPos < 0 {
		return 0, errkit.New(errkit.EINVAL, "vfs.OpenFile.Seek")
	}
	f.pos = newPos
	return newPos, nil
}

// OpenDir is the fd-level collaborator open(2) installs for a
// directory (FdDirectory); Position is the getdents64 entry-index
// cursor, matching original_source's "position is stored as entry
// index for simplicity".
type OpenDir struct {
	mu       sync.Mutex
	fs       Collaborator
	Ino      uint64
	Position uint64
}

func newOpenDir(fs Collaborator, ino uint64) *OpenDir {
	return &OpenDir{fs: fs, Ino: ino}
}

func (d *OpenDir) Close() error { return nil }

// Open implements sys_open's regular-file/directory split, installing
// the resulting collaborator into table under the fd kind matching
// what was actually opened.
func Open(fs Collaborator, table *process.FdTable, cwd, path string, flags uint32, mode uint16) (int, error) {
	path = NormalizePath(cwd, path)

	wantCreat := flags&O_CREAT != 0
	wantExcl := flags&O_EXCL != 0
	wantTrunc := flags&O_TRUNC != 0
	wantDir := flags&O_DIRECTORY != 0

	ino, err := fs.ResolvePath(path)
	created := false
	if err != nil {
		if !errkit.Is(err, errkit.ENOENT) || !wantCreat {
			return 0, err
		}
		parentPath, name := SplitParent(path)
		if name == "" {
			return 0, errkit.New(errkit.ENOENT, "vfs.Open")
		}
		parentIno, perr := fs.ResolvePath(parentPath)
		if perr != nil {
			return 0, errkit.New(errkit.ENOENT, "vfs.Open")
		}
		parentStat, serr := fs.ReadInode(parentIno)
		if serr != nil {
			return 0, serr
		}
		if parentStat.Mode&S_IFDIR == 0 {
			return 0, errkit.New(errkit.ENOTDIR, "vfs.Open")
		}
		fileMode := mode
		if fileMode == 0 {
			fileMode = 0o644
		}
		newIno, cerr := fs.CreateFile(parentIno, name, fileMode&0o777)
		if cerr != nil {
			return 0, cerr
		}
		ino, created = newIno, true
	} else if wantCreat && wantExcl {
		return 0, errkit.New(errkit.EEXIST, "vfs.Open")
	}

	st, err := fs.ReadInode(ino)
	if err != nil {
		return 0, err
	}
	isDir := st.Mode&S_IFDIR != 0
	isRegular := st.Mode&S_IFREG != 0

	if wantTrunc && isRegular && !created {
		if err := fs.TruncateFile(ino); err != nil {
			return 0, err
		}
	}

	switch {
	case isDir:
		if !wantDir && flags&0x3 != O_RDONLY {
			return 0, errkit.New(errkit.EISDIR, "vfs.Open")
		}
		return table.Install(process.FdDirectory, newOpenDir(fs, ino)), nil
	case wantDir:
		return 0, errkit.New(errkit.ENOTDIR, "vfs.Open")
	case !isRegular:
		return 0, errkit.New(errkit.EACCES, "vfs.Open")
	default:
		return table.Install(process.FdRegularFile, newOpenFile(fs, ino, flags)), nil
	}
}

const dirent64HeaderSize = 19 // 8 (d_ino) + 8 (d_off) + 2 (d_reclen) + 1 (d_type)

func alignUp8(n int) int { return (n + 7) &^ 7 }

// Getdents64 encodes as many of fs's directory entries for dir as fit
// in buf, in the Linux dirent64 wire format:
// { u64 d_ino; i64 d_off; u16 d_reclen; u8 d_type; char d_name[] },
// 8-byte aligned with trailing NUL + zero padding. It advances dir's
// position cursor and returns the number of bytes written (0 once the
// directory is exhausted), mirroring original_source's sys_getdents64.
func Getdents64(dir *OpenDir, buf []byte) (int, error) {
	dir.mu.Lock()
	entries, err := dir.fs.ReadDirectory(dir.Ino)
	if err != nil {
		dir.mu.Unlock()
		return 0, err
	}
	start := dir.Position
	dir.mu.Unlock()

	written := 0
	index := uint64(0)
	newPosition := start
	for _, entry := range entries {
		if index < start {
			index++
			continue
		}
		reclen := alignUp8(dirent64HeaderSize + len(entry.Name) + 1)
		if written+reclen > len(buf) {
			break
		}
		rec := buf[written : written+reclen]
		binary.LittleEndian.PutUint64(rec[0:8], entry.Inode)
		binary.LittleEndian.PutUint64(rec[8:16], uint64(index+1))
		binary.LittleEndian.PutUint16(rec[16:18], uint16(reclen))
		rec[18] = byte(entry.Type)
		copy(rec[19:19+len(entry.Name)], entry.Name)
		for i := 19 + len(entry.Name); i < reclen; i++ {
			rec[i] = 0
		}
		written += reclen
		index++
		newPosition = index
	}

	dir.mu.Lock()
	dir.Position = newPosition
	dir.mu.Unlock()
	return written, nil
}

// FillStat applies this package's one fixed convention to a
// Collaborator's Stat for the caller's fstat(2) handler: an Nlink of 0
// is reported as 1. Stat has no st_dev/st_blksize fields, so nothing
// else is filled in.
func FillStat(st Stat) Stat {
	if st.Nlink == 0 {
		st.Nlink = 1
	}
	return st
}
