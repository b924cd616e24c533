package fdtable

import (
	"sv39kernel/internal/defs"
	"sv39kernel/internal/sbi"
	"sv39kernel/internal/userbuf"
)

// Stdin reads one byte at a time from the firmware console, spinning
// via Yield while no character is available — matching how a real
// SBI-backed console has no blocking read primitive of its own.
type Stdin struct {
	Firmware sbi.SBI
	Yield    func()
}

func (s *Stdin) Readable() bool { return true }
func (s *Stdin) Writable() bool { return false }

func (s *Stdin) Read(buf *userbuf.UserBuffer) (int, defs.Err_t) {
	if buf.Len() != 1 {
		panic("fdtable: Stdin.Read expects a 1-byte user buffer, matching sys_read's console path")
	}
	for {
		c := s.Firmware.ConsoleGetchar()
		if c >= 0 {
			n, err := buf.WriteFrom([]byte{byte(c)})
			return n, err
		}
		s.Yield()
	}
}

func (s *Stdin) Write(buf *userbuf.UserBuffer) (int, defs.Err_t) {
	panic("fdtable: Stdin is not writable")
}

// Stdout writes every byte straight to the firmware console.
type Stdout struct {
	Firmware sbi.SBI
}

func (s *Stdout) Readable() bool { return false }
func (s *Stdout) Writable() bool { return true }

func (s *Stdout) Read(buf *userbuf.UserBuffer) (int, defs.Err_t) {
	panic("fdtable: Stdout is not readable")
}

func (s *Stdout) Write(buf *userbuf.UserBuffer) (int, defs.Err_t) {
	tmp := make([]byte, buf.Len())
	n, err := buf.ReadInto(tmp)
	if err != 0 {
		return 0, err
	}
	for _, c := range tmp[:n] {
		s.Firmware.ConsolePutchar(c)
	}
	return n, 0
}
