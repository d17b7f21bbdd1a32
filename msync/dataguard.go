package msync

import "sync"

// DataGuard holds a value behind a read-write mutex. The value is only
// reachable through callbacks that run under the lock.
type DataGuard[T any] struct {
	mutex sync.RWMutex
	value T
}

// NewDataGuard returns a DataGuard holding val.
func NewDataGuard[T any](val T) *DataGuard[T] {
	return &DataGuard[T]{
		value: val,
	}
}

// Load runs cb under the read lock.
func (l *DataGuard[T]) Load(cb func(T)) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	cb(l.value)
}

// Store runs cb under the write lock and keeps its return as the new value.
func (l *DataGuard[T]) Store(cb func(T) T) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.value = cb(l.value)
}

// Read returns what cb derives from the guarded value under the read
// lock. cb must not let references into the value escape unless they are
// safe to use unlocked.
func Read[T, R any](l *DataGuard[T], cb func(T) R) R {
	var ret R
	l.Load(func(val T) {
		ret = cb(val)
	})

	return ret
}
