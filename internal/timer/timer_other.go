//go:build !riscv64

package timer

import (
	"time"

	"sv39kernel/internal/kconfig"
)

var hostBoot = time.Now()

// readTicks stands in for the real mtime CSR off-target: a tick is
// defined as 1/ClockFreq of a second of wall-clock time since process
// start, so MillisFromTicks/NanosFromTicks still behave sensibly in
// tests.
func readTicks() uint64 {
	elapsed := time.Since(hostBoot)
	return uint64(elapsed.Seconds() * float64(kconfig.ClockFreq))
}
