//go:build riscv64

package trap

func readScause() uint64

func readStval() uint64
