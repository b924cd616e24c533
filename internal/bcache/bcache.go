// Package bcache implements the block cache: a bounded LRU of cached
// blocks keyed by block number, refcounted so a shared handle can be
// held across a read/modify call without racing eviction (spec.md
// §4.4).
//
// Grounded directly on original_source/easy-fs/src/block_cache.rs
// (BlockCache/BlockCacheManager: a VecDeque-backed queue, get_block_cache
// returning a shared handle, eviction picking the first entry whose
// Arc strong_count is 1, sync-on-drop). Go has no Arc<Mutex<T>> or Drop,
// so refcounting is explicit (Get/Release) rather than automatic, in the
// same spirit as biscuit's own explicit acquire/release idiom
// (vm.Vm_t.Lock_pmap/Unlock_pmap, fs.Bdev_block_t.Done). The manager's
// own state (the LRU queue) is serialized through internal/upcell, and
// in-flight fetches from the backing device are bounded by a weighted
// semaphore (golang.org/x/sync/semaphore) standing in for biscuit's
// Sysatomic_t resource-limit accounting (limits/limits.go) — here
// limiting concurrent cold-block fetches rather than a process count.
package bcache

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sync/semaphore"

	"sv39kernel/internal/blockdev"
	"sv39kernel/internal/kconfig"
	"sv39kernel/internal/upcell"
)

// Entry is one cached block: its contents, identity, dirty flag, and a
// refcount of outstanding Handles. The entry's own mutex serializes
// concurrent read/modify calls against the same block.
type Entry struct {
	mu       sync.Mutex
	id       int
	data     [kconfig.BlockSize]byte
	dirty    bool
	dev      blockdev.BlockDevice
	refcount int
}

// Read runs fn against a typed, read-only view of the entry's bytes at
// offset, matching BlockCache.read's `f(&T) -> R` shape. Callers must
// not hold the returned value past this call, and must not call back
// into the Manager while inside fn (spec.md §4.4's deadlock warning).
func Read[T, R any](e *Entry, offset int, fn func(*T) R) R {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(viewAt[T](&e.data, offset))
}

// Modify is Read's mutable counterpart; it marks the entry dirty.
func Modify[T, R any](e *Entry, offset int, fn func(*T) R) R {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dirty = true
	return fn(viewAt[T](&e.data, offset))
}

func viewAt[T any](data *[kconfig.BlockSize]byte, offset int) *T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if offset < 0 || offset+size > len(data) {
		panic(fmt.Sprintf("bcache: offset %d size %d out of block bounds", offset, size))
	}
	base := unsafe.Pointer(data)
	return (*T)(unsafe.Pointer(uintptr(base) + uintptr(offset)))
}

func (e *Entry) sync() {
	if e.dirty {
		e.dev.WriteBlock(e.id, e.data[:])
		e.dirty = false
	}
}

// Handle is a refcounted reference to an Entry. Release must be called
// exactly once per Handle obtained from Manager.Get.
type Handle struct {
	mgr   *Manager
	entry *Entry
}

// Entry exposes the underlying cache entry for Read/Modify calls.
func (h *Handle) Entry() *Entry { return h.entry }

// Release drops this handle's reference. The entry is not necessarily
// evicted or flushed immediately; it becomes eligible for eviction once
// its refcount reaches zero and a later Get needs the slot.
func (h *Handle) Release() {
	h.mgr.release(h.entry)
}

type managerState struct {
	order []*Entry // queue order, oldest first, mirrors the Rust VecDeque
}

// Manager is the singleton LRU cache of up to kconfig.BCacheSlots
// blocks.
type Manager struct {
	state   *upcell.Cell[managerState]
	dev     blockdev.BlockDevice
	fetchSem *semaphore.Weighted
}

// NewManager builds an empty cache backed by dev, bounding concurrent
// cold-block fetches to maxInFlight.
func NewManager(dev blockdev.BlockDevice, maxInFlight int64) *Manager {
	return &Manager{
		state:    upcell.New(managerState{}),
		dev:      dev,
		fetchSem: semaphore.NewWeighted(maxInFlight),
	}
}

// Get returns a Handle to the cached block `id`, fetching it from the
// backing device on a miss. On a full cache with no evictable entry
// (every entry has outstanding handles), this is a fatal error matching
// spec.md §4.4's "no such victim exists" clause.
func (m *Manager) Get(id int) *Handle {
	g := m.state.Access()
	for _, e := range g.Value().order {
		if e.id == id {
			e.refcount++
			g.Release()
			return &Handle{mgr: m, entry: e}
		}
	}
	g.Release()

	if err := m.fetchSem.Acquire(context.Background(), 1); err != nil {
		panic(fmt.Sprintf("bcache: fetch semaphore acquire for block %d: %v", id, err))
	}
	defer m.fetchSem.Release(1)

	entry := &Entry{id: id, dev: m.dev, refcount: 1}
	m.dev.ReadBlock(id, entry.data[:])

	return upcell.With(m.state, func(s *managerState) *Handle {
		for _, e := range s.order {
			if e.id == id {
				e.refcount++
				return &Handle{mgr: m, entry: e}
			}
		}
		if len(s.order) >= kconfig.BCacheSlots {
			victim := -1
			for i, e := range s.order {
				if e.refcount == 0 {
					victim = i
					break
				}
			}
			if victim == -1 {
				panic("bcache: cache exhausted, no evictable block")
			}
			s.order[victim].sync()
			s.order = append(s.order[:victim], s.order[victim+1:]...)
		}
		s.order = append(s.order, entry)
		return &Handle{mgr: m, entry: entry}
	})
}

func (m *Manager) release(e *Entry) {
	upcell.With(m.state, func(s *managerState) struct{} {
		e.refcount--
		if e.refcount < 0 {
			panic(fmt.Sprintf("bcache: block %d released more times than acquired", e.id))
		}
		return struct{}{}
	})
}

// SyncAll flushes every dirty entry to the backing device in place,
// matching block_cache_sync_all.
func (m *Manager) SyncAll() {
	upcell.With(m.state, func(s *managerState) struct{} {
		for _, e := range s.order {
			e.sync()
		}
		return struct{}{}
	})
}
