package wal

import "sync/atomic"

// Sequence hands out record ids. It is owned by a Log and only advanced while the
// Log's append lock is held, so ids are strictly increasing and never reused.
type Sequence struct {
	last atomic.Uint64
}

// NewSequence returns a sequence whose last assigned id is last.
func NewSequence(last uint64) *Sequence {
	s := &Sequence{}
	s.last.Store(last)
	return s
}

// Last returns the most recently assigned id (0 if none).
func (s *Sequence) Last() uint64 {
	return s.last.Load()
}

// Next returns the id the next record will receive.
func (s *Sequence) Next() uint64 {
	return s.last.Load() + 1
}

// Restore raises the last assigned id to at least last. Used by recovery.
func (s *Sequence) Restore(last uint64) {
	for {
		cur := s.last.Load()
		if last <= cur || s.last.CompareAndSwap(cur, last) {
			return
		}
	}
}

func (s *Sequence) advance(last uint64) {
	s.last.Store(last)
}
