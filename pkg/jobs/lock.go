package jobs

import (
	"sync"
	"sync/atomic"
)

// Lock is a non-blocking mutual exclusion lock for one class of operation.
// Acquisition either succeeds immediately or fails; there is no queue.
type Lock struct {
	name string
	held atomic.Bool
}

// NewLock returns an unlocked Lock.
func NewLock(name string) *Lock {
	return &Lock{name: name}
}

// Name returns the operation class guarded by the lock.
func (l *Lock) Name() string {
	return l.name
}

// TryAcquire takes the lock if it is free and reports whether it did.
func (l *Lock) TryAcquire() bool {
	return l.held.CompareAndSwap(false, true)
}

// Release frees the lock. Releasing a free lock is a no-op.
func (l *Lock) Release() {
	l.held.Store(false)
}

// Locked reports whether the lock is currently held.
func (l *Lock) Locked() bool {
	return l.held.Load()
}

// Registry hands out one Lock per operation class.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*Lock
}

// NewRegistry creates an empty lock registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*Lock)}
}

// Get returns the lock for key, creating it on first use.
func (r *Registry) Get(key string) *Lock {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.locks[key]; ok {
		return l
	}
	l := NewLock(key)
	r.locks[key] = l
	return l
}

// Held returns the names of all locks currently held.
func (r *Registry) Held() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var held []string
	for name, l := range r.locks {
		if l.Locked() {
			held = append(held, name)
		}
	}
	return held
}
