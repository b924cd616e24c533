// Package signal implements the POSIX-like signal delivery step of
// spec.md §4.10: the signal number space, a per-task pending/mask
// bitmask pair, the action table, and the handle_signals algorithm that
// runs after every trap before returning to user mode.
//
// Grounded on spec.md §3's TaskControlBlock signal fields (pending
// bitmask, signal mask, currently-handled signal, per-signal action
// table, killed/frozen flags, saved trap context) and §4.10's
// handle_signals prose, since original_source/ (a pre-signals lab
// snapshot) carries no signal code of its own to adapt; biscuit has no
// POSIX signal delivery either (it uses a different Unix process model),
// so this package's algorithm follows spec.md directly while keeping
// biscuit's Err_t/constant-table texture (internal/defs).
package signal

import "sv39kernel/internal/kconfig"

// Sig is a signal number in [0, kconfig.MaxSig].
type Sig int

// Signal numbers this kernel recognizes, matching the Linux riscv64
// values a user program's <signal.h> would expect.
const (
	SIGDEF  Sig = 0 // placeholder/"no default action beyond killing"
	SIGHUP  Sig = 1
	SIGINT  Sig = 2
	SIGQUIT Sig = 3
	SIGILL  Sig = 4
	SIGTRAP Sig = 5
	SIGABRT Sig = 6
	SIGBUS  Sig = 7
	SIGFPE  Sig = 8
	SIGKILL Sig = 9
	SIGUSR1 Sig = 10
	SIGSEGV Sig = 11
	SIGUSR2 Sig = 12
	SIGPIPE Sig = 13
	SIGALRM Sig = 14
	SIGTERM Sig = 15
	SIGSTOP Sig = 19
	SIGCONT Sig = 18
)

// Bitmask is a set of pending/blocked signal numbers, one bit per
// signal.
type Bitmask uint32

func (m Bitmask) Has(s Sig) bool   { return m&(1<<uint(s)) != 0 }
func (m Bitmask) Set(s Sig) Bitmask { return m | (1 << uint(s)) }
func (m Bitmask) Clear(s Sig) Bitmask { return m &^ (1 << uint(s)) }

// isKernelSignal reports whether s is handled unconditionally by the
// kernel rather than being deliverable to a user handler (spec.md
// §4.10).
func isKernelSignal(s Sig) bool {
	switch s {
	case SIGSTOP, SIGCONT, SIGDEF, SIGKILL:
		return true
	default:
		return false
	}
}

// Action is one entry of a task's per-signal action table: the user
// handler's entry PC, or 0 for "no handler installed" (kernel default,
// which for a non-kernel signal with no handler is simply fatal).
type Action struct {
	Handler uintptr
	Mask    Bitmask // additional signals blocked while this handler runs
}

// State is the mutable signal bookkeeping spec.md §3 lists on the
// TaskControlBlock: pending signals, the task's own blocking mask, the
// signal currently being handled (-1 if none), the action table, and the
// killed/frozen flags the kernel-signal handlers toggle.
type State struct {
	Pending      Bitmask
	Mask         Bitmask
	HandlingSig  int // -1 when no user handler is active
	Actions      [kconfig.MaxSig + 1]Action
	Killed       bool
	Frozen       bool
	ErrorPair    *ErrorPair // set when a fatal signal should end the task
	SavedTrapCx  any        // *trap.TrapContext, opaque here to avoid an import cycle
}

// ErrorPair is the (exit code, message) a fatal kernel signal produces.
type ErrorPair struct {
	ExitCode int
	Message  string
}

// NewState returns a freshly initialized signal state: nothing pending,
// nothing masked, no handler running, matching spec.md §4.8's "initialize
// signal state (empty, handling_sig = -1)".
func NewState() State {
	return State{HandlingSig: -1}
}

// Raise adds s to the pending set, the effect of a `kill` syscall or a
// trap-dispatched SIGSEGV/SIGILL (spec.md §4.10, §7).
func (s *State) Raise(sig Sig) {
	s.Pending = s.Pending.Set(sig)
}

// blocked reports whether sig is currently masked off, either by the
// task's own mask or (while a handler runs) by that handler's action
// mask plus the signal it is itself handling (a handler never
// re-enters on its own signal). SIGKILL is never blocked.
func (s *State) blocked(sig Sig) bool {
	if sig == SIGKILL {
		return false
	}
	if s.Mask.Has(sig) {
		return true
	}
	if s.HandlingSig >= 0 {
		if Sig(s.HandlingSig) == sig {
			return true
		}
		if s.Actions[s.HandlingSig].Mask.Has(sig) {
			return true
		}
	}
	return false
}

// TrapContext is the narrow view of trap.TrapContext this package
// needs, so it can rewrite sepc/x10 and stash a backup without importing
// internal/trap (which would create an import cycle through the
// scheduler wiring).
type TrapContext interface {
	SetPC(pc uintptr)
	SetArg0(v uint64)
	PC() uintptr
}

// Step runs one pass of handle_signals: for each pending, unmasked
// signal in ascending order, either apply the kernel default action
// (toggle killed/frozen) or, if a user handler is installed, divert
// execution into it exactly once. It returns (delivered, fatal): the
// signal actually delivered this pass (0 if none) and whether a fatal
// kernel signal left an ErrorPair set (spec.md §4.10's "if a fatal
// signal produced an error pair, exit with that errno").
//
// Callers loop this until it reports no progress, matching spec.md
// §4.10's "handle_signals() runs until no pending signal blocks
// progress".
func (s *State) Step(cx TrapContext, backup func()) (delivered Sig, fatal bool) {
	for sig := Sig(0); sig <= kconfig.MaxSig; sig++ {
		if !s.Pending.Has(sig) || s.blocked(sig) {
			continue
		}
		s.Pending = s.Pending.Clear(sig)
		if isKernelSignal(sig) {
			s.applyKernelDefault(sig)
			return sig, s.ErrorPair != nil
		}
		action := s.Actions[sig]
		if action.Handler == 0 {
			// no user handler and not a kernel signal: fatal by
			// default, matching a Unix process's default
			// disposition for e.g. SIGSEGV/SIGILL/SIGTERM.
			s.Killed = true
			s.ErrorPair = &ErrorPair{ExitCode: -(int(sig) + 128), Message: signalName(sig)}
			return sig, true
		}
		backup()
		s.HandlingSig = int(sig)
		cx.SetPC(action.Handler)
		cx.SetArg0(uint64(sig))
		return sig, false
	}
	return 0, false
}

func (s *State) applyKernelDefault(sig Sig) {
	switch sig {
	case SIGKILL:
		s.Killed = true
		s.ErrorPair = &ErrorPair{ExitCode: -(int(SIGKILL) + 128), Message: "killed by SIGKILL"}
	case SIGSTOP:
		s.Frozen = true
	case SIGCONT:
		s.Frozen = false
	case SIGDEF:
		s.Killed = true
		s.ErrorPair = &ErrorPair{ExitCode: -1, Message: "killed by default signal action"}
	}
}

// SigReturn restores the task's pre-handler state after a user signal
// handler completes (the sigreturn syscall): clears HandlingSig so the
// next Step call can deliver a further signal.
func (s *State) SigReturn() {
	s.HandlingSig = -1
}

func signalName(sig Sig) string {
	names := map[Sig]string{
		SIGSEGV: "SIGSEGV", SIGILL: "SIGILL", SIGBUS: "SIGBUS",
		SIGFPE: "SIGFPE", SIGABRT: "SIGABRT", SIGTERM: "SIGTERM",
		SIGPIPE: "SIGPIPE",
	}
	if n, ok := names[sig]; ok {
		return "signal " + n
	}
	return "signal (unknown)"
}
