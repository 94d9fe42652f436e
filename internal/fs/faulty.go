package fs

import (
	"os"
	"strings"
	"sync"
)

// Fault defines specific failure behavior for files whose name matches a rule.
type Fault struct {
	// FailOnWrite fails writes once FailAfterBytes bytes were written to the file.
	FailOnWrite    bool
	FailAfterBytes int64
	FailOnOpen     bool
	FailOnSync     bool
	FailOnClose    bool
	FailOnRead     bool
	// Transient marks injected errors as retryable.
	Transient bool
	// Times limits how often the rule fires. 0 means always.
	Times int
	Err   error
}

// FaultyFS is a FileSystem wrapper that can inject errors.
type FaultyFS struct {
	FS FileSystem

	mu          sync.Mutex
	rules       map[string]*faultRule
	written     int64
	globalLimit int64
}

type faultRule struct {
	Fault
	fired int
}

// NewFaultyFS creates a new FaultyFS wrapping the provided FS (or Default if nil).
func NewFaultyFS(fsys FileSystem) *FaultyFS {
	if fsys == nil {
		fsys = Default
	}
	return &FaultyFS{
		FS:          fsys,
		rules:       make(map[string]*faultRule),
		globalLimit: -1,
	}
}

// Written returns the total bytes written through the wrapper.
func (f *FaultyFS) Written() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written
}

// SetLimit fails every write once the wrapper has written limit bytes in total. -1 disables.
func (f *FaultyFS) SetLimit(limit int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.globalLimit = limit
}

// AddRule adds a fault injection rule for files whose name contains pattern.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = &faultRule{Fault: fault}
}

// ClearRules removes all rules and the global limit.
func (f *FaultyFS) ClearRules() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = make(map[string]*faultRule)
	f.globalLimit = -1
}

// trip returns the injected error if a matching rule selected by pick fires.
func (f *FaultyFS) trip(name string, pick func(*faultRule) bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pattern, rule := range f.rules {
		if !strings.Contains(name, pattern) || !pick(rule) {
			continue
		}
		if rule.Times > 0 && rule.fired >= rule.Times {
			continue
		}
		rule.fired++
		err := rule.Err
		if err == nil {
			err = ErrInjected
		}
		if rule.Transient {
			err = Transient(err)
		}
		return err
	}
	return nil
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	if err := f.trip(name, func(r *faultRule) bool { return r.FailOnOpen }); err != nil {
		return nil, &os.PathError{Op: "open", Path: name, Err: err}
	}
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, fs: f, name: name}, nil
}

func (f *FaultyFS) Remove(name string) error {
	return f.FS.Remove(name)
}

func (f *FaultyFS) Rename(oldpath, newpath string) error {
	return f.FS.Rename(oldpath, newpath)
}

func (f *FaultyFS) Stat(name string) (os.FileInfo, error) {
	return f.FS.Stat(name)
}

func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	return f.FS.MkdirAll(path, perm)
}

func (f *FaultyFS) ReadDir(name string) ([]os.DirEntry, error) {
	return f.FS.ReadDir(name)
}

func (f *FaultyFS) Truncate(name string, size int64) error {
	return f.FS.Truncate(name, size)
}

type faultyFile struct {
	File
	fs      *FaultyFS
	name    string
	written int64
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	next := ff.written + int64(len(p))
	if err := ff.fs.trip(ff.name, func(r *faultRule) bool {
		return r.FailOnWrite && next > r.FailAfterBytes
	}); err != nil {
		return 0, err
	}

	ff.fs.mu.Lock()
	exceeded := ff.fs.globalLimit >= 0 && ff.fs.written+int64(len(p)) > ff.fs.globalLimit
	if !exceeded {
		ff.fs.written += int64(len(p))
	}
	ff.fs.mu.Unlock()
	if exceeded {
		return 0, ErrInjected
	}

	n, err := ff.File.Write(p)
	ff.written += int64(n)
	return n, err
}

func (ff *faultyFile) ReadAt(p []byte, off int64) (int, error) {
	if err := ff.fs.trip(ff.name, func(r *faultRule) bool { return r.FailOnRead }); err != nil {
		return 0, err
	}
	return ff.File.ReadAt(p, off)
}

func (ff *faultyFile) Read(p []byte) (int, error) {
	if err := ff.fs.trip(ff.name, func(r *faultRule) bool { return r.FailOnRead }); err != nil {
		return 0, err
	}
	return ff.File.Read(p)
}

func (ff *faultyFile) Sync() error {
	if err := ff.fs.trip(ff.name, func(r *faultRule) bool { return r.FailOnSync }); err != nil {
		return err
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Close() error {
	if err := ff.fs.trip(ff.name, func(r *faultRule) bool { return r.FailOnClose }); err != nil {
		_ = ff.File.Close()
		return err
	}
	return ff.File.Close()
}
