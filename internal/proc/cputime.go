package proc

import "sv39kernel/internal/timer"

// CPUTime accumulates a task's user-mode and kernel-mode nanoseconds,
// grounded on biscuit's accnt.Accnt_t (Userns/Sysns counters, Utadd/
// Systadd) reworked from wall-clock time.Now() deltas to tick deltas
// read from internal/timer, since this kernel's only clock source is
// the platform tick counter rather than the host OS clock.
type CPUTime struct {
	userNs, sysNs int64
	resumeAt      uint64
	inKernel      bool
}

// EnterKernel records the tick at which a task (re)entered kernel mode
// (trap entry or task creation), charging the interval since the
// previous mode switch to whichever mode it was in.
func (c *CPUTime) EnterKernel() {
	c.chargeElapsed()
	c.inKernel = true
	c.resumeAt = timer.Ticks()
}

// EnterUser records the tick at which a task is about to return to user
// mode (trap_return), charging the kernel-mode interval just spent.
func (c *CPUTime) EnterUser() {
	c.chargeElapsed()
	c.inKernel = false
	c.resumeAt = timer.Ticks()
}

func (c *CPUTime) chargeElapsed() {
	if c.resumeAt == 0 {
		return
	}
	delta := timer.NanosFromTicks(timer.Ticks() - c.resumeAt)
	if c.inKernel {
		c.sysNs += delta
	} else {
		c.userNs += delta
	}
}

// Snapshot returns (user, sys) nanoseconds accumulated so far, closing
// out whatever interval is currently open (used by the `times` syscall,
// SPEC_FULL.md §5).
func (c *CPUTime) Snapshot() (userNs, sysNs int64) {
	c.chargeElapsed()
	c.resumeAt = timer.Ticks()
	return c.userNs, c.sysNs
}
