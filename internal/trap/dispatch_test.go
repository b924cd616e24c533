package trap

import "testing"

type recordingSyscaller struct {
	lastID   uint64
	lastArgs [6]uint64
	ret      uint64
}

func (r *recordingSyscaller) Syscall(id uint64, args [6]uint64) uint64 {
	r.lastID, r.lastArgs = id, args
	return r.ret
}

type recordingKiller struct {
	killed    bool
	reason    string
	scheduled bool
}

func (k *recordingKiller) KillCurrent(reason string) { k.killed = true; k.reason = reason }
func (k *recordingKiller) SuspendAndScheduleNext()    { k.scheduled = true }

func TestHandleUserEnvCallAdvancesSepcAndDispatches(t *testing.T) {
	var cx TrapContext
	cx.Sepc = 0x1000
	cx.X[17] = 64 // syscall id, e.g. write
	cx.X[10], cx.X[11], cx.X[12] = 1, 0x2000, 5

	sys := &recordingSyscaller{ret: 5}
	killer := &recordingKiller{}

	Handle(&cx, ExceptionUserEnvCall, 0, sys, killer)

	if cx.Sepc != 0x1004 {
		t.Fatalf("sepc not advanced: %#x", cx.Sepc)
	}
	if sys.lastID != 64 {
		t.Fatalf("wrong syscall id dispatched: %d", sys.lastID)
	}
	if sys.lastArgs[0] != 1 || sys.lastArgs[1] != 0x2000 || sys.lastArgs[2] != 5 {
		t.Fatalf("args not threaded through: %v", sys.lastArgs)
	}
	if cx.X[10] != 5 {
		t.Fatalf("return value not written to x10: %d", cx.X[10])
	}
	if killer.killed || killer.scheduled {
		t.Fatal("syscall path should not touch the task killer")
	}
}

func TestHandlePageFaultKillsTask(t *testing.T) {
	var cx TrapContext
	sys := &recordingSyscaller{}
	killer := &recordingKiller{}

	Handle(&cx, ExceptionStoreFault, 0xbad, sys, killer)

	if !killer.killed || !killer.scheduled {
		t.Fatal("page fault must kill the current task and reschedule")
	}
}

func TestHandleTimerInterruptReschedulesWithoutKilling(t *testing.T) {
	var cx TrapContext
	sys := &recordingSyscaller{}
	killer := &recordingKiller{}

	Handle(&cx, InterruptSupervisorTimer, 0, sys, killer)

	if killer.killed {
		t.Fatal("timer interrupt must not kill the task")
	}
	if !killer.scheduled {
		t.Fatal("timer interrupt must trigger a reschedule")
	}
}

func TestHandleUnknownCausePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on unhandled scause")
		}
	}()
	var cx TrapContext
	Handle(&cx, 0xffff, 0, &recordingSyscaller{}, &recordingKiller{})
}
