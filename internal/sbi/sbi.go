// Package sbi defines the four opaque firmware primitives the kernel
// core calls and never implements itself (spec.md §1, §6): console I/O,
// the timer, and shutdown. The real riscv64 build reaches these through
// `ecall` into M-mode firmware; that instruction sequence is the one
// piece of the system spec.md explicitly places out of scope ("Firmware
// interface (SBI) ... core calls four opaque primitives"), so this
// package carries only the interface plus a host-side fake used by tests
// and cmd/mkfs-adjacent tooling, the same split internal/blockdev makes
// between BlockDevice and its FileBacked/Memory implementations.
package sbi

// SBI is the firmware capability the kernel core depends on.
type SBI interface {
	ConsolePutchar(c byte)
	ConsoleGetchar() int32
	SetTimer(stimeValue uint64)
	Shutdown(failure bool)
}

// Host is an in-process SBI stand-in: console output accumulates in Out,
// console input is served from a queue fed by Feed, SetTimer calls are
// recorded, and Shutdown records the requested exit and panics with
// ShutdownRequest so test harnesses can recover it instead of the
// process actually exiting (spec.md's console-capture testable
// properties, S1/S2/S3/S6, are written against exactly this capability).
type Host struct {
	Out        []byte
	in         []byte
	Timers     []uint64
	ShutdownAt int // -1 until Shutdown is called
	Failure    bool
}

// NewHost returns a fresh Host fake with an empty console and no pending
// shutdown.
func NewHost() *Host {
	return &Host{ShutdownAt: -1}
}

// Feed queues bytes to be returned one at a time by ConsoleGetchar.
func (h *Host) Feed(b []byte) {
	h.in = append(h.in, b...)
}

func (h *Host) ConsolePutchar(c byte) {
	h.Out = append(h.Out, c)
}

// ConsoleGetchar returns -1 (no input) when the feed queue is empty,
// matching the real SBI console_getchar contract.
func (h *Host) ConsoleGetchar() int32 {
	if len(h.in) == 0 {
		return -1
	}
	c := h.in[0]
	h.in = h.in[1:]
	return int32(c)
}

func (h *Host) SetTimer(stimeValue uint64) {
	h.Timers = append(h.Timers, stimeValue)
}

// ShutdownRequest is panicked by Shutdown so a test driving a full boot
// loop can recover it as the loop's normal termination signal.
type ShutdownRequest struct {
	Failure bool
}

func (h *Host) Shutdown(failure bool) {
	h.ShutdownAt = len(h.Out)
	h.Failure = failure
	panic(ShutdownRequest{Failure: failure})
}
