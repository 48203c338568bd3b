// Package memfs is the reference vfs.Collaborator backing tests and the
// CLI demo: the real ext2 on-disk layout is explicitly out of scope
// (filesystems are treated as external collaborators, specified only by
// the interfaces the core consumes), so this package plays that
// collaborator's role entirely in memory: an inode table plus a
// directory-entries map, grounded on original_source's directory
// record fields (inode, record length, file-type byte: kernel/src/fs
// ext2/dir.rs's DirReader, referenced indirectly through
// kernel/src/syscall/fs.rs) wherever an exact layout was otherwise
// unconstrained.
package memfs

import (
	"strings"
	"sync"

	"github.com/breenix/breenix-go/errkit"
	"github.com/breenix/breenix-go/vfs"
)

type inodeKind int

const (
	kindRegular inodeKind = iota
	kindDirectory
	kindSymlink
)

type inode struct {
	mu        sync.Mutex
	kind      inodeKind
	mode      uint16
	data      []byte            // regular file contents / symlink target
	children  map[string]uint64 // directory: name -> child inode
	order     []string          // preserves insertion order for getdents64
	nlink     uint64
}

// FS is an in-memory filesystem tree, rooted at inode 1.
type FS struct {
	mu      sync.Mutex
	inodes  map[uint64]*inode
	nextIno uint64
	MountID int64
}

const rootIno = 1

// New creates an FS containing just the root directory "/".
func New() *FS {
	fs := &FS{inodes: make(map[uint64]*inode), nextIno: rootIno + 1, MountID: 1}
	fs.inodes[rootIno] = &inode{
		kind:     kindDirectory,
		mode:     0o755,
		children: make(map[string]uint64),
		nlink:    2,
	}
	return fs
}

func (fs *FS) allocInoLocked() uint64 {
	ino := fs.nextIno
	fs.nextIno++
	return ino
}

// ResolvePath walks path's components from the root, following no
// symlinks (readlink(2)'s own resolve_path call relies on that: it
// must be able to name the symlink itself, not its target).
func (fs *FS) ResolvePath(path string) (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.resolveLocked(path)
}

func (fs *FS) resolveLocked(path string) (uint64, error) {
	if path == "/" || path == "" {
		return rootIno, nil
	}
	cur := uint64(rootIno)
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, part := range parts {
		dir, ok := fs.inodes[cur]
		if !ok {
			return 0, errkit.New(errkit.ENOENT, "memfs.ResolvePath")
		}
		dir.mu.Lock()
		if dir.kind != kindDirectory {
			dir.mu.Unlock()
			return 0, errkit.New(errkit.ENOTDIR, "memfs.ResolvePath")
		}
		next, ok := dir.children[part]
		dir.mu.Unlock()
		if !ok {
			return 0, errkit.New(errkit.ENOENT, "memfs.ResolvePath")
		}
		if i < len(parts)-1 {
			nextNode, ok := fs.inodes[next]
			if !ok {
				return 0, errkit.New(errkit.ENOENT, "memfs.ResolvePath")
			}
			nextNode.mu.Lock()
			isDir := nextNode.kind == kindDirectory
			nextNode.mu.Unlock()
			if !isDir {
				return 0, errkit.New(errkit.ENOTDIR, "memfs.ResolvePath")
			}
		}
		cur = next
	}
	return cur, nil
}

func dtypeOf(k inodeKind) vfs.FileType {
	switch k {
	case kindDirectory:
		return vfs.TypeDir
	case kindSymlink:
		return vfs.TypeSymlink
	default:
		return vfs.TypeRegular
	}
}

func modeBitsOf(k inodeKind, perm uint16) uint32 {
	switch k {
	case kindDirectory:
		return vfs.S_IFDIR | uint32(perm)
	case kindSymlink:
		return vfs.S_IFLNK | uint32(perm)
	default:
		return vfs.S_IFREG | uint32(perm)
	}
}

// ReadInode returns the Stat fstat(2) surfaces.
func (fs *FS) ReadInode(ino uint64) (vfs.Stat, error) {
	fs.mu.Lock()
	node, ok := fs.inodes[ino]
	fs.mu.Unlock()
	if !ok {
		return vfs.Stat{}, errkit.New(errkit.ENOENT, "memfs.ReadInode")
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	return vfs.Stat{
		Ino:   ino,
		Mode:  modeBitsOf(node.kind, node.mode),
		Nlink: node.nlink,
		Size:  int64(len(node.data)),
	}, nil
}

// CreateFile creates a regular file named name under parentIno,
// matching original_source's fs.create_file(parent_inode, filename,
// mode) signature.
func (fs *FS) CreateFile(parentIno uint64, name string, mode uint16) (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	parent, ok := fs.inodes[parentIno]
	if !ok {
		return 0, errkit.New(errkit.ENOENT, "memfs.CreateFile")
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if parent.kind != kindDirectory {
		return 0, errkit.New(errkit.ENOTDIR, "memfs.CreateFile")
	}
	if _, exists := parent.children[name]; exists {
		return 0, errkit.New(errkit.EEXIST, "memfs.CreateFile")
	}
	ino := fs.allocInoLocked()
	fs.inodes[ino] = &inode{kind: kindRegular, mode: mode, nlink: 1}
	parent.children[name] = ino
	parent.order = append(parent.order, name)
	return ino, nil
}

// CreateDirectory creates a directory at path (not parent-relative,
// matching original_source's fs.create_directory(&path, mode)).
func (fs *FS) CreateDirectory(path string, mode uint16) (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	parentPath, name := vfs.SplitParent(path)
	if name == "" {
		return 0, errkit.New(errkit.EINVAL, "memfs.CreateDirectory")
	}
	parentIno, err := fs.resolveLocked(parentPath)
	if err != nil {
		return 0, err
	}
	parent := fs.inodes[parentIno]
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if parent.kind != kindDirectory {
		return 0, errkit.New(errkit.ENOTDIR, "memfs.CreateDirectory")
	}
	if _, exists := parent.children[name]; exists {
		return 0, errkit.New(errkit.EEXIST, "memfs.CreateDirectory")
	}
	ino := fs.allocInoLocked()
	fs.inodes[ino] = &inode{kind: kindDirectory, mode: mode, children: make(map[string]uint64), nlink: 2}
	parent.children[name] = ino
	parent.order = append(parent.order, name)
	return ino, nil
}

// TruncateFile discards a regular file's contents.
func (fs *FS) TruncateFile(ino uint64) error {
	fs.mu.Lock()
	node, ok := fs.inodes[ino]
	fs.mu.Unlock()
	if !ok {
		return errkit.New(errkit.ENOENT, "memfs.TruncateFile")
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	if node.kind != kindRegular {
		return errkit.New(errkit.EISDIR, "memfs.TruncateFile")
	}
	node.data = nil
	return nil
}

// ReadDirectory returns ino's children in the order they were created,
// the in-memory stand-in for original_source's DirReader walk over an
// on-disk directory block.
func (fs *FS) ReadDirectory(ino uint64) ([]vfs.DirEntry, error) {
	fs.mu.Lock()
	node, ok := fs.inodes[ino]
	fs.mu.Unlock()
	if !ok {
		return nil, errkit.New(errkit.ENOENT, "memfs.ReadDirectory")
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	if node.kind != kindDirectory {
		return nil, errkit.New(errkit.ENOTDIR, "memfs.ReadDirectory")
	}
	entries := make([]vfs.DirEntry, 0, len(node.order)+2)
	entries = append(entries, vfs.DirEntry{Name: ".", Inode: ino, Type: vfs.TypeDir})
	entries = append(entries, vfs.DirEntry{Name: "..", Inode: ino, Type: vfs.TypeDir})
	for _, name := range node.order {
		childIno, ok := node.children[name]
		if !ok {
			continue // unlinked since order was appended
		}
		child := fs.inodes[childIno]
		child.mu.Lock()
		t := dtypeOf(child.kind)
		child.mu.Unlock()
		entries = append(entries, vfs.DirEntry{Name: name, Inode: childIno, Type: t})
	}
	return entries, nil
}

// UnlinkFile removes path's directory entry, freeing the inode once its
// link count reaches zero.
func (fs *FS) UnlinkFile(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	parentPath, name := vfs.SplitParent(path)
	parentIno, err := fs.resolveLocked(parentPath)
	if err != nil {
		return err
	}
	parent := fs.inodes[parentIno]
	parent.mu.Lock()
	defer parent.mu.Unlock()
	childIno, ok := parent.children[name]
	if !ok {
		return errkit.New(errkit.ENOENT, "memfs.UnlinkFile")
	}
	child := fs.inodes[childIno]
	child.mu.Lock()
	if child.kind == kindDirectory {
		child.mu.Unlock()
		return errkit.New(errkit.EISDIR, "memfs.UnlinkFile")
	}
	child.nlink--
	last := child.nlink == 0
	child.mu.Unlock()
	delete(parent.children, name)
	if last {
		delete(fs.inodes, childIno)
	}
	return nil
}

// RenameFile moves oldPath to newPath, replacing newPath if it already
// exists and is not a non-empty directory.
func (fs *FS) RenameFile(oldPath, newPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	oldParentPath, oldName := vfs.SplitParent(oldPath)
	newParentPath, newName := vfs.SplitParent(newPath)

	oldParentIno, err := fs.resolveLocked(oldParentPath)
	if err != nil {
		return err
	}
	newParentIno, err := fs.resolveLocked(newParentPath)
	if err != nil {
		return err
	}
	oldParent := fs.inodes[oldParentIno]
	newParent := fs.inodes[newParentIno]

	oldParent.mu.Lock()
	childIno, ok := oldParent.children[oldName]
	if !ok {
		oldParent.mu.Unlock()
		return errkit.New(errkit.ENOENT, "memfs.RenameFile")
	}
	delete(oldParent.children, oldName)
	oldParent.mu.Unlock()

	if newParentIno == oldParentIno {
		newParent = oldParent
	}
	newParent.mu.Lock()
	if existingIno, exists := newParent.children[newName]; exists {
		existing := fs.inodes[existingIno]
		existing.mu.Lock()
		isDir := existing.kind == kindDirectory
		hasChildren := len(existing.children) > 0
		existing.mu.Unlock()
		if isDir && hasChildren {
			newParent.mu.Unlock()
			return errkit.New(errkit.ENOTEMPTY, "memfs.RenameFile")
		}
	}
	newParent.children[newName] = childIno
	newParent.order = append(newParent.order, newName)
	newParent.mu.Unlock()
	return nil
}

// RemoveDirectory removes the empty directory at path; root ("/") can
// never be removed.
func (fs *FS) RemoveDirectory(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ino, err := fs.resolveLocked(path)
	if err != nil {
		return err
	}
	if ino == rootIno {
		return errkit.New(errkit.EBUSY, "memfs.RemoveDirectory")
	}
	node := fs.inodes[ino]
	node.mu.Lock()
	if node.kind != kindDirectory {
		node.mu.Unlock()
		return errkit.New(errkit.ENOTDIR, "memfs.RemoveDirectory")
	}
	empty := len(node.children) == 0
	node.mu.Unlock()
	if !empty {
		return errkit.New(errkit.ENOTEMPTY, "memfs.RemoveDirectory")
	}
	parentPath, name := vfs.SplitParent(path)
	parentIno, err := fs.resolveLocked(parentPath)
	if err != nil {
		return err
	}
	parent := fs.inodes[parentIno]
	parent.mu.Lock()
	delete(parent.children, name)
	parent.mu.Unlock()
	delete(fs.inodes, ino)
	return nil
}

// CreateHardLink links an existing regular file to a new path;
// directories cannot be hard-linked.
func (fs *FS) CreateHardLink(oldPath, newPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ino, err := fs.resolveLocked(oldPath)
	if err != nil {
		return err
	}
	node := fs.inodes[ino]
	node.mu.Lock()
	if node.kind == kindDirectory {
		node.mu.Unlock()
		return errkit.New(errkit.EPERM, "memfs.CreateHardLink")
	}
	node.mu.Unlock()

	newParentPath, newName := vfs.SplitParent(newPath)
	newParentIno, err := fs.resolveLocked(newParentPath)
	if err != nil {
		return err
	}
	newParent := fs.inodes[newParentIno]
	newParent.mu.Lock()
	defer newParent.mu.Unlock()
	if _, exists := newParent.children[newName]; exists {
		return errkit.New(errkit.EEXIST, "memfs.CreateHardLink")
	}
	newParent.children[newName] = ino
	newParent.order = append(newParent.order, newName)
	node.mu.Lock()
	node.nlink++
	node.mu.Unlock()
	return nil
}

// CreateSymlink creates a symlink at linkPath pointing at target;
// target is stored verbatim, unresolved.
func (fs *FS) CreateSymlink(target, linkPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if target == "" {
		return errkit.New(errkit.EINVAL, "memfs.CreateSymlink")
	}
	parentPath, name := vfs.SplitParent(linkPath)
	parentIno, err := fs.resolveLocked(parentPath)
	if err != nil {
		return err
	}
	parent := fs.inodes[parentIno]
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if _, exists := parent.children[name]; exists {
		return errkit.New(errkit.EEXIST, "memfs.CreateSymlink")
	}
	ino := fs.allocInoLocked()
	fs.inodes[ino] = &inode{kind: kindSymlink, mode: 0o777, data: []byte(target), nlink: 1}
	parent.children[name] = ino
	parent.order = append(parent.order, name)
	return nil
}

// ReadSymlink returns the target path a symlink inode holds, consumed
// by readlink(2).
func (fs *FS) ReadSymlink(ino uint64) (string, error) {
	fs.mu.Lock()
	node, ok := fs.inodes[ino]
	fs.mu.Unlock()
	if !ok {
		return "", errkit.New(errkit.ENOENT, "memfs.ReadSymlink")
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	if node.kind != kindSymlink {
		return "", errkit.New(errkit.EINVAL, "memfs.ReadSymlink")
	}
	return string(node.data), nil
}

// ReadFile copies up to len(buf) bytes starting at offset out of ino's
// contents (the file-data half of vfs.Collaborator the distilled
// contract leaves to ext2's out-of-scope block mapping).
func (fs *FS) ReadFile(ino uint64, offset int64, buf []byte) (int, error) {
	fs.mu.Lock()
	node, ok := fs.inodes[ino]
	fs.mu.Unlock()
	if !ok {
		return 0, errkit.New(errkit.ENOENT, "memfs.ReadFile")
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	if offset >= int64(len(node.data)) {
		return 0, nil
	}
	n := copy(buf, node.data[offset:])
	return n, nil
}

// WriteFile writes data at offset, growing the file as needed.
func (fs *FS) WriteFile(ino uint64, offset int64, data []byte) (int, error) {
	fs.mu.Lock()
	node, ok := fs.inodes[ino]
	fs.mu.Unlock()
	if !ok {
		return 0, errkit.New(errkit.ENOENT, "memfs.WriteFile")
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	end := offset + int64(len(data))
	if end > int64(len(node.data)) {
		grown := make([]byte, end)
		copy(grown, node.data)
		node.data = grown
	}
	copy(node.data[offset:end], data)
	return len(data), nil
}
