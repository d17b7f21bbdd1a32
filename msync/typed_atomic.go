package msync

import "sync/atomic"

// TypedAtomic is a type-safe atomic.Value. Unlike atomic.Pointer it holds
// the value itself, so a zero TypedAtomic reads as T's zero value.
//
// Every value stored must have the same concrete type. For an interface
// T, that rules out storing nil or mixing implementations.
type TypedAtomic[T any] struct {
	v atomic.Value
}

// NewTypedAtomic returns a TypedAtomic holding val.
func NewTypedAtomic[T any](val T) *TypedAtomic[T] {
	var v atomic.Value
	v.Store(val)
	return &TypedAtomic[T]{v}
}

// Load returns the last value stored, or T's zero value.
func (ta *TypedAtomic[T]) Load() T {
	return orZero[T](ta.v.Load())
}

// Store replaces the value.
func (ta *TypedAtomic[T]) Store(val T) {
	ta.v.Store(val)
}

// CompareAndSwap stores newVal if the current value equals oldVal, and
// reports whether it did. T must be comparable at run time.
func (ta *TypedAtomic[T]) CompareAndSwap(oldVal, newVal T) bool {
	return ta.v.CompareAndSwap(oldVal, newVal)
}

func orZero[T any](val any) T {
	if val == nil {
		return *new(T)
	}

	return val.(T)
}
