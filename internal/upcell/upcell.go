// Package upcell implements the kernel's uniprocessor mutual-exclusion
// cell: the single synchronization primitive every global singleton
// (frame allocator, PID allocator, block cache, filesystem, scheduler,
// processor, per-task interior state) is wrapped in.
//
// It is grounded on the original rCore-Tutorial's UPSafeCell<T>
// (original_source/os/src/sync/up.rs), which wraps a RefCell and panics
// on a double-borrow, combined with biscuit's naming convention for the
// accessor (vm.Vm_t's Lock_pmap/Unlock_pmap guard pattern). Cell is a
// sync.Mutex plus a held flag. The flag is checked only after the mutex
// is acquired, so a goroutine that calls Access again on a cell it
// already holds blocks on the mutex: nested re-entry deadlocks and is
// not detected.
package upcell

import "sync"

// Cell grants exclusive access to a T for the duration of one borrow.
// Re-entering Access without releasing the prior borrow blocks on the
// mutex rather than panicking.
type Cell[T any] struct {
	mu     sync.Mutex
	held   bool
	value  T
}

// New wraps v in a Cell.
func New[T any](v T) *Cell[T] {
	return &Cell[T]{value: v}
}

// Guard is the scoped mutable borrow returned by Access. Release must be
// called before the holder yields or calls back into any code that might
// itself call Access on the same Cell.
type Guard[T any] struct {
	cell *Cell[T]
}

// Access acquires exclusive access and returns a guard wrapping the
// value. Callers use guard.Value() to read/write the interior state and
// must call guard.Release() before returning or yielding.
func (c *Cell[T]) Access() *Guard[T] {
	c.mu.Lock()
	if c.held {
		// the mutex above already serializes goroutines, and it is
		// released only together with `held`, so a same-goroutine
		// re-entry blocks in Lock and never reaches this check.
		panic("upcell: nested access to the same cell")
	}
	c.held = true
	return &Guard[T]{cell: c}
}

// Value returns a pointer to the protected value, valid until Release.
func (g *Guard[T]) Value() *T {
	return &g.cell.value
}

// Release ends the borrow.
func (g *Guard[T]) Release() {
	g.cell.held = false
	g.cell.mu.Unlock()
}

// With runs fn with exclusive access and releases automatically,
// the common case when the whole operation fits in one borrow.
func With[T, R any](c *Cell[T], fn func(*T) R) R {
	g := c.Access()
	defer g.Release()
	return fn(g.Value())
}
