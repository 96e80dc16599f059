// Package state provides lock-free holders for small int32 based enums.
package state

import "sync/atomic"

// Value provides thread-safe atomic access to a state enum.
type Value[S ~int32] struct {
	v atomic.Int32
}

// New returns a Value holding initial.
func New[S ~int32](initial S) *Value[S] {
	s := &Value[S]{}
	s.Store(initial)
	return s
}

// Load returns the current state.
func (s *Value[S]) Load() S {
	return S(s.v.Load())
}

// Store sets the state to the given value.
func (s *Value[S]) Store(state S) {
	s.v.Store(int32(state))
}

// Swap stores state and returns the previous value.
func (s *Value[S]) Swap(state S) S {
	return S(s.v.Swap(int32(state)))
}

// CompareAndSwap atomically compares the current state with old and swaps to new if equal.
// It returns true if the swap was performed.
func (s *Value[S]) CompareAndSwap(old, new S) bool {
	return s.v.CompareAndSwap(int32(old), int32(new))
}
