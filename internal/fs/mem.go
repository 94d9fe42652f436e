package fs

import (
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemFS is an in-memory FileSystem. Contents are lost when the value is dropped,
// which makes it the backend for hermetic tests and InMemory databases.
//
// Sync is a no-op; a MemFS never loses acknowledged writes.
type MemFS struct {
	mu    sync.RWMutex
	files map[string]*memNode
	dirs  map[string]struct{}
}

type memNode struct {
	mu      sync.RWMutex
	data    []byte
	modTime time.Time
}

// NewMemFS returns an empty in-memory file system.
func NewMemFS() *MemFS {
	return &MemFS{
		files: make(map[string]*memNode),
		dirs:  map[string]struct{}{".": {}, "/": {}},
	}
}

func (m *MemFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	name = filepath.Clean(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.dirs[name]; ok {
		return &memFile{name: name, dir: true}, nil
	}

	node, ok := m.files[name]
	switch {
	case ok && flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrExist}
	case !ok && flag&os.O_CREATE == 0:
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	case !ok:
		if _, ok := m.dirs[filepath.Dir(name)]; !ok {
			return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
		}
		node = &memNode{modTime: time.Now()}
		m.files[name] = node
	}

	if flag&os.O_TRUNC != 0 {
		node.mu.Lock()
		node.data = node.data[:0]
		node.mu.Unlock()
	}

	return &memFile{name: name, node: node, flag: flag}, nil
}

func (m *MemFS) Remove(name string) error {
	name = filepath.Clean(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.files[name]; !ok {
		return &os.PathError{Op: "remove", Path: name, Err: os.ErrNotExist}
	}
	delete(m.files, name)
	return nil
}

func (m *MemFS) Rename(oldpath, newpath string) error {
	oldpath, newpath = filepath.Clean(oldpath), filepath.Clean(newpath)

	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.files[oldpath]
	if !ok {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: os.ErrNotExist}
	}
	delete(m.files, oldpath)
	m.files[newpath] = node
	return nil
}

func (m *MemFS) Stat(name string) (os.FileInfo, error) {
	name = filepath.Clean(name)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.dirs[name]; ok {
		return memInfo{name: filepath.Base(name), dir: true}, nil
	}
	node, ok := m.files[name]
	if !ok {
		return nil, &os.PathError{Op: "stat", Path: name, Err: os.ErrNotExist}
	}
	return node.info(filepath.Base(name)), nil
}

func (m *MemFS) MkdirAll(path string, _ os.FileMode) error {
	path = filepath.Clean(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	for p := path; ; p = filepath.Dir(p) {
		if _, ok := m.files[p]; ok {
			return &os.PathError{Op: "mkdir", Path: p, Err: os.ErrExist}
		}
		m.dirs[p] = struct{}{}
		if parent := filepath.Dir(p); parent == p {
			return nil
		}
	}
}

func (m *MemFS) ReadDir(name string) ([]os.DirEntry, error) {
	name = filepath.Clean(name)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.dirs[name]; !ok {
		return nil, &os.PathError{Op: "readdir", Path: name, Err: os.ErrNotExist}
	}

	var entries []os.DirEntry
	for p, node := range m.files {
		if filepath.Dir(p) == name {
			entries = append(entries, iofs.FileInfoToDirEntry(node.info(filepath.Base(p))))
		}
	}
	for p := range m.dirs {
		if p != name && filepath.Dir(p) == name {
			entries = append(entries, iofs.FileInfoToDirEntry(memInfo{name: filepath.Base(p), dir: true}))
		}
	}
	slices.SortFunc(entries, func(a, b os.DirEntry) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return entries, nil
}

func (m *MemFS) Truncate(name string, size int64) error {
	name = filepath.Clean(name)

	m.mu.RLock()
	node, ok := m.files[name]
	m.mu.RUnlock()
	if !ok {
		return &os.PathError{Op: "truncate", Path: name, Err: os.ErrNotExist}
	}
	return node.truncate(size)
}

func (n *memNode) info(name string) memInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return memInfo{name: name, size: int64(len(n.data)), modTime: n.modTime}
}

func (n *memNode) truncate(size int64) error {
	if size < 0 {
		return os.ErrInvalid
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if size <= int64(len(n.data)) {
		n.data = n.data[:size]
	} else {
		n.data = append(n.data, make([]byte, size-int64(len(n.data)))...)
	}
	n.modTime = time.Now()
	return nil
}

type memFile struct {
	name   string
	node   *memNode
	flag   int
	dir    bool
	pos    int64
	closed bool
}

func (f *memFile) check() error {
	if f.closed {
		return os.ErrClosed
	}
	if f.dir {
		return &os.PathError{Op: "read", Path: f.name, Err: iofs.ErrInvalid}
	}
	return nil
}

func (f *memFile) Read(p []byte) (int, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	f.node.mu.RLock()
	defer f.node.mu.RUnlock()
	if off >= int64(len(f.node.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.node.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	if f.flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		return 0, &os.PathError{Op: "write", Path: f.name, Err: os.ErrPermission}
	}
	f.node.mu.Lock()
	defer f.node.mu.Unlock()
	if f.flag&os.O_APPEND != 0 {
		f.pos = int64(len(f.node.data))
	}
	if gap := f.pos - int64(len(f.node.data)); gap > 0 {
		f.node.data = append(f.node.data, make([]byte, gap)...)
	}
	end := f.pos + int64(len(p))
	if end > int64(len(f.node.data)) {
		f.node.data = append(f.node.data[:f.pos], p...)
	} else {
		copy(f.node.data[f.pos:], p)
	}
	f.pos = end
	f.node.modTime = time.Now()
	return len(p), nil
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.pos
	case io.SeekEnd:
		f.node.mu.RLock()
		base = int64(len(f.node.data))
		f.node.mu.RUnlock()
	default:
		return 0, os.ErrInvalid
	}
	if base+offset < 0 {
		return 0, os.ErrInvalid
	}
	f.pos = base + offset
	return f.pos, nil
}

func (f *memFile) Sync() error {
	if f.closed {
		return os.ErrClosed
	}
	return nil
}

func (f *memFile) Stat() (os.FileInfo, error) {
	if f.closed {
		return nil, os.ErrClosed
	}
	if f.dir {
		return memInfo{name: filepath.Base(f.name), dir: true}, nil
	}
	return f.node.info(filepath.Base(f.name)), nil
}

func (f *memFile) Truncate(size int64) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.node.truncate(size)
}

func (f *memFile) Close() error {
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	return nil
}

type memInfo struct {
	name    string
	size    int64
	modTime time.Time
	dir     bool
}

func (i memInfo) Name() string       { return i.name }
func (i memInfo) Size() int64        { return i.size }
func (i memInfo) ModTime() time.Time { return i.modTime }
func (i memInfo) IsDir() bool        { return i.dir }
func (i memInfo) Sys() any           { return nil }

func (i memInfo) Mode() os.FileMode {
	if i.dir {
		return os.ModeDir | 0o755
	}
	return 0o644
}
