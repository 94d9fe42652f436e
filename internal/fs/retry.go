package fs

import (
	"errors"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the retries RetryFS performs for transient errors.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt. 0 disables retrying.
	MaxRetries uint64
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// MaxInterval caps a single backoff delay.
	MaxInterval time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      5,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
	}
}

// RetryFS retries transient failures of the wrapped FileSystem with bounded
// exponential backoff. Non-transient errors are returned immediately.
//
// Writes are retried only when nothing was written, so a retried append can
// never duplicate bytes.
type RetryFS struct {
	FS     FileSystem
	Policy RetryPolicy
	// OnRetry is called before every retry. Optional.
	OnRetry func(op string, err error, delay time.Duration)
}

// NewRetryFS wraps fsys with policy.
func NewRetryFS(fsys FileSystem, policy RetryPolicy) *RetryFS {
	return &RetryFS{FS: fsys, Policy: policy}
}

func (r *RetryFS) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.Policy.InitialInterval > 0 {
		b.InitialInterval = r.Policy.InitialInterval
	}
	if r.Policy.MaxInterval > 0 {
		b.MaxInterval = r.Policy.MaxInterval
	}
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, r.Policy.MaxRetries)
}

func (r *RetryFS) do(op string, fn func() error) error {
	return backoff.RetryNotify(func() error {
		err := fn()
		var permanent *backoff.PermanentError
		if err != nil && !errors.As(err, &permanent) && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, r.backoff(), func(err error, d time.Duration) {
		if r.OnRetry != nil {
			r.OnRetry(op, err, d)
		}
	})
}

func (r *RetryFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	var f File
	err := r.do("open", func() error {
		var err error
		f, err = r.FS.OpenFile(name, flag, perm)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &retryFile{File: f, fs: r}, nil
}

func (r *RetryFS) Remove(name string) error {
	return r.do("remove", func() error { return r.FS.Remove(name) })
}

func (r *RetryFS) Rename(oldpath, newpath string) error {
	return r.do("rename", func() error { return r.FS.Rename(oldpath, newpath) })
}

func (r *RetryFS) Stat(name string) (os.FileInfo, error) {
	var fi os.FileInfo
	err := r.do("stat", func() error {
		var err error
		fi, err = r.FS.Stat(name)
		return err
	})
	return fi, err
}

func (r *RetryFS) MkdirAll(path string, perm os.FileMode) error {
	return r.do("mkdir", func() error { return r.FS.MkdirAll(path, perm) })
}

func (r *RetryFS) ReadDir(name string) ([]os.DirEntry, error) {
	var entries []os.DirEntry
	err := r.do("readdir", func() error {
		var err error
		entries, err = r.FS.ReadDir(name)
		return err
	})
	return entries, err
}

func (r *RetryFS) Truncate(name string, size int64) error {
	return r.do("truncate", func() error { return r.FS.Truncate(name, size) })
}

type retryFile struct {
	File
	fs *RetryFS
}

func (f *retryFile) Write(p []byte) (int, error) {
	var n int
	err := f.fs.do("write", func() error {
		var err error
		n, err = f.File.Write(p)
		if err != nil && n > 0 {
			return backoff.Permanent(err)
		}
		return err
	})
	return n, err
}

func (f *retryFile) ReadAt(p []byte, off int64) (int, error) {
	var n int
	err := f.fs.do("read", func() error {
		var err error
		n, err = f.File.ReadAt(p, off)
		return err
	})
	return n, err
}

func (f *retryFile) Sync() error {
	return f.fs.do("sync", f.File.Sync)
}

func (f *retryFile) Truncate(size int64) error {
	return f.fs.do("truncate", func() error { return f.File.Truncate(size) })
}
