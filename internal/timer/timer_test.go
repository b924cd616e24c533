package timer

import (
	"testing"

	"sv39kernel/internal/kconfig"
)

func TestMillisAndNanosFromTicks(t *testing.T) {
	var ticks uint64 = kconfig.ClockFreq * 3 // exactly three seconds of ticks
	if got := MillisFromTicks(ticks); got != 3000 {
		t.Fatalf("MillisFromTicks(3s of ticks) = %d, want 3000", got)
	}
	if got := NanosFromTicks(ticks); got != 3_000_000_000 {
		t.Fatalf("NanosFromTicks(3s of ticks) = %d, want 3e9", got)
	}
}

type fakeSBI struct{ timers []uint64 }

func (f *fakeSBI) SetTimer(v uint64) { f.timers = append(f.timers, v) }

func TestSetNextTriggerArmsOneSliceAhead(t *testing.T) {
	fw := &fakeSBI{}
	before := Ticks()
	SetNextTrigger(fw)
	if len(fw.timers) != 1 {
		t.Fatalf("expected exactly one SetTimer call, got %d", len(fw.timers))
	}
	armed := fw.timers[0]
	if armed < before+kconfig.TicksPerTimeSlice {
		t.Fatalf("armed deadline %d should be at least one time slice past %d", armed, before)
	}
}
