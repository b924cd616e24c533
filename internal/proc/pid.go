// Package proc implements the task lifecycle of spec.md §3/§4.8: PID
// allocation, per-task kernel stacks, the TaskControlBlock itself, and
// fork/exec/exit/waitpid.
//
// Grounded on original_source/os/src/task/pid.rs's PidAllocator (a
// frontier counter plus a recycled-list, the same shape as
// internal/mem.Allocator's frame allocator) and KernelStack
// (kernel_stack_position placing each task's stack below the
// trampoline with a guard page). PidHandle's Rust Drop-based automatic
// recycling becomes an explicit Dealloc call here, invoked from the TCB
// reap path in task.go, since Go has no destructors.
package proc

import (
	"fmt"

	"sv39kernel/internal/upcell"
)

type pidAllocatorState struct {
	current  int
	recycled []int
}

var pidAllocator = upcell.New(pidAllocatorState{current: 0})

// PidHandle owns one allocated PID until Dealloc releases it back to the
// allocator's recycle list.
type PidHandle struct {
	pid int
}

// Pid returns the underlying PID number.
func (h PidHandle) Pid() int { return h.pid }

// AllocPid hands out the next free PID: the most recently recycled one,
// or a fresh one past the frontier.
func AllocPid() PidHandle {
	return upcell.With(pidAllocator, func(s *pidAllocatorState) PidHandle {
		if n := len(s.recycled); n > 0 {
			pid := s.recycled[n-1]
			s.recycled = s.recycled[:n-1]
			return PidHandle{pid: pid}
		}
		pid := s.current
		s.current++
		return PidHandle{pid: pid}
	})
}

// Dealloc returns h's PID to the allocator. Double-dealloc is a fatal
// assertion, matching the frame allocator's own double-free check.
func (h PidHandle) Dealloc() {
	upcell.With(pidAllocator, func(s *pidAllocatorState) struct{} {
		if h.pid >= s.current {
			panic(fmt.Sprintf("proc: dealloc of never-allocated pid %d", h.pid))
		}
		for _, r := range s.recycled {
			if r == h.pid {
				panic(fmt.Sprintf("proc: double dealloc of pid %d", h.pid))
			}
		}
		s.recycled = append(s.recycled, h.pid)
		return struct{}{}
	})
}
