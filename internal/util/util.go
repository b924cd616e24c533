// Package util collects small numeric helpers used across the kernel:
// alignment arithmetic and fixed-width little-endian field packing.
// Grounded on biscuit's util/util.go.
package util

import "unsafe"

// Int is satisfied by all built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[T Int](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// Readn reads n little-endian bytes from a starting at off.
// It panics if the requested region is out of bounds.
func Readn(a []uint8, n int, off int) int {
	if off < 0 || off+n > len(a) {
		panic("util.Readn: out of bounds")
	}
	var ret int
	for i := n - 1; i >= 0; i-- {
		ret = (ret << 8) | int(a[off+i])
	}
	return ret
}

// Writen writes val using n little-endian bytes into a starting at off.
// It panics if the destination is out of bounds.
func Writen(a []uint8, n int, off int, val int) {
	if off < 0 || off+n > len(a) {
		panic("util.Writen: out of bounds")
	}
	for i := 0; i < n; i++ {
		a[off+i] = uint8(val >> (8 * uint(i)))
	}
}

// Readn32 reads a 32-bit little-endian field at off.
func Readn32(a []uint8, off int) uint32 {
	return uint32(Readn(a, 4, off))
}

// Writen32 writes a 32-bit little-endian field at off.
func Writen32(a []uint8, off int, val uint32) {
	Writen(a, 4, off, int(val))
}

// Pg2bytes reinterprets a fixed-size page-shaped array as its byte slice,
// used to hand a typed on-disk structure a []byte view of its backing
// block-cache buffer without copying.
func Pg2bytes[N any](pg *N) []byte {
	sz := unsafe.Sizeof(*pg)
	return unsafe.Slice((*byte)(unsafe.Pointer(pg)), sz)
}
