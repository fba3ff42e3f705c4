package shared

import (
	"errors"
	"sync"

	"go.uber.org/atomic"
)

// Snapshot represents a fixed size ring of the most recent entries added.
type Snapshot[T any] struct {
	data    []T
	dataMtx sync.RWMutex
	start   atomic.Int32
	count   atomic.Int32
	size    atomic.Int32
}

// NewSnapshot initializes a new snapshot.
func NewSnapshot[T any](size int32) (*Snapshot[T], error) {
	if size < 0 {
		return nil, errors.New("snapshot size cannot be negative")
	}
	if size == 0 {
		return nil, errors.New("snapshot size cannot be zero")
	}

	snapshot := &Snapshot[T]{
		data: make([]T, size),
	}

	snapshot.size.Store(size)
	return snapshot, nil
}

// Update adds the provided entry to the snapshot.
func (s *Snapshot[T]) Update(entry T) {
	s.dataMtx.Lock()
	defer s.dataMtx.Unlock()

	start := s.start.Load()
	count := s.count.Load()
	size := s.size.Load()
	end := (start + count) % size
	s.data[end] = entry

	if count == size {
		// Overwrite the oldest entry when the snapshot is at capacity.
		s.start.Store((start + 1) % size)
	} else {
		s.count.Add(1)
	}
}

// Count returns the number of entries held.
func (s *Snapshot[T]) Count() int32 {
	return s.count.Load()
}

// Last returns the last added entry and whether it exists.
func (s *Snapshot[T]) Last() (T, bool) {
	s.dataMtx.RLock()
	defer s.dataMtx.RUnlock()

	var zero T
	start := s.start.Load()
	count := s.count.Load()
	size := s.size.Load()
	if count == 0 {
		return zero, false
	}

	end := (start + count - 1) % size
	return s.data[end], true
}

// LastN fetches the last n entries of the snapshot, oldest first.
func (s *Snapshot[T]) LastN(n int32) []T {
	s.dataMtx.RLock()
	defer s.dataMtx.RUnlock()

	if n <= 0 {
		return nil
	}

	start := s.start.Load()
	count := s.count.Load()
	size := s.size.Load()

	// Clamp the number of entries expected if it is greater than the snapshot count.
	if n > count {
		n = count
	}

	set := make([]T, n)
	start = (start + count - n + size) % size

	for i := range n {
		idx := (start + i) % size
		set[i] = s.data[idx]
	}

	return set
}

// Reset replaces the snapshot entries with the provided ones, ordered oldest first. Only the
// most recent entries that fit are kept.
func (s *Snapshot[T]) Reset(entries []T) {
	s.dataMtx.Lock()
	defer s.dataMtx.Unlock()

	size := s.size.Load()
	if int32(len(entries)) > size {
		entries = entries[int32(len(entries))-size:]
	}

	clear(s.data)
	copy(s.data, entries)
	s.start.Store(0)
	s.count.Store(int32(len(entries)))
}
