package protocol

import (
	"fmt"
	"time"

	"github.com/Benedict-Carling/FluidTerm2/internal/device"
)

// MassErase is the page-count sentinel requesting a whole-flash erase.
// It is deliberately distinct from any finite page count and from the
// 0xFFFF magic used on the wire by extended erase.
const MassErase = 0x00100000

// maxPages bounds sane page arguments; the wire cannot number pages
// beyond 16 bits.
const maxPages = 0xFFFF

// eraseChunkPages caps one erase exchange. Some devices (STM32L152)
// cannot erase more than 512 pages in one command.
const eraseChunkPages = 512

// eraseStrategy captures the two structurally different erase encodings.
// Which one applies is fixed by the opcode the bootloader advertised and
// selected once at session establishment.
type eraseStrategy interface {
	erasePages(s *Session, firstPage, pages int) error
	eraseMass(s *Session) error
}

// EraseMemory erases pages [firstPage, firstPage+pages). A pages value
// of MassErase erases the whole flash, through the single-shot mass
// erase when the device supports it and page-by-page otherwise. Large
// requests are split into chunks of at most 512 pages; a chunk failure
// aborts the call.
func (s *Session) EraseMemory(firstPage, pages int) error {
	if pages == 0 || firstPage > maxPages ||
		(pages != MassErase && firstPage+pages > maxPages) {
		return nil
	}

	if _, ok := s.cmds.Opcode(OpErase); !ok {
		return fmt.Errorf("erase: %w", ErrNoCommand)
	}

	if pages == MassErase {
		// Mass erase could also be obtained with readout protect
		// followed by readout unprotect, but that hangs the target
		// when a SWD/JTAG debugger is attached. Erasing page-by-page
		// is the safer path on devices without a real mass erase.
		if s.Device.Flags&device.FlagNoMassErase == 0 {
			return s.erase.eraseMass(s)
		}
		pages = s.Device.PageCeil(s.Device.FlashEnd)
	}

	for pages > 0 {
		n := pages
		if n > eraseChunkPages {
			n = eraseChunkPages
		}
		if err := s.erase.erasePages(s, firstPage, n); err != nil {
			return err
		}
		firstPage += n
		pages -= n
	}
	return nil
}

// regularErase is the original one-byte-page-number encoding (opcode
// 0x43).
type regularErase struct{}

func (regularErase) erasePages(s *Session, firstPage, pages int) error {
	op, _ := s.cmds.Opcode(OpErase)
	if err := s.sendCommand(op, 0); err != nil {
		return fmt.Errorf("can't initiate page erase: %w", err)
	}

	buf := make([]byte, 0, pages+2)
	buf = append(buf, byte(pages-1))
	cs := byte(pages - 1)
	for pg := firstPage; pg < firstPage+pages; pg++ {
		buf = append(buf, byte(pg))
		cs ^= byte(pg)
	}
	buf = append(buf, cs)

	if err := s.port.Write(buf); err != nil {
		return fmt.Errorf("%w: erase failed: %v", ErrUnknown, err)
	}
	if err := s.getAck(time.Duration(pages) * pageEraseTimeout); err != nil {
		s.warnStretching("erase", op, cmdEraseXNS)
		return fmt.Errorf("erase: %w", err)
	}
	return nil
}

func (regularErase) eraseMass(s *Session) error {
	op, _ := s.cmds.Opcode(OpErase)
	if err := s.sendCommand(op, 0); err != nil {
		return fmt.Errorf("can't initiate mass erase: %w", err)
	}
	// 0xFF in place of the page count means "all pages", sent with the
	// same complement handshake as a command byte.
	if err := s.sendCommand(0xFF, massEraseTimeout); err != nil {
		s.warnStretching("mass erase", op, cmdEraseXNS)
		return fmt.Errorf("mass erase: %w", err)
	}
	return nil
}

// extendedErase is the two-byte-page-number encoding (opcodes 0x44 and
// 0x45).
type extendedErase struct{}

func (extendedErase) erasePages(s *Session, firstPage, pages int) error {
	op, _ := s.cmds.Opcode(OpErase)
	if err := s.sendCommand(op, 0); err != nil {
		return fmt.Errorf("can't initiate page erase: %w", err)
	}

	buf := make([]byte, 0, 2*pages+3)
	var cs byte
	put := func(v byte) {
		buf = append(buf, v)
		cs ^= v
	}
	// Number of pages to be erased minus one, two bytes, MSB first,
	// then each page number in the same form.
	put(byte((pages - 1) >> 8))
	put(byte(pages - 1))
	for pg := firstPage; pg < firstPage+pages; pg++ {
		put(byte(pg >> 8))
		put(byte(pg))
	}
	buf = append(buf, cs)

	if err := s.port.Write(buf); err != nil {
		return fmt.Errorf("%w: page-by-page erase failed: %v", ErrUnknown, err)
	}
	if err := s.getAck(time.Duration(pages) * pageEraseTimeout); err != nil {
		s.warnStretching("erase", op, cmdEraseXNS)
		return fmt.Errorf("page-by-page erase (check the maximum pages the device supports): %w", err)
	}
	return nil
}

func (extendedErase) eraseMass(s *Session) error {
	op, _ := s.cmds.Opcode(OpErase)
	if err := s.sendCommand(op, 0); err != nil {
		return fmt.Errorf("can't initiate mass erase: %w", err)
	}
	// 0xFFFF is the reserved page-count magic for mass erase; its XOR
	// checksum is zero.
	if err := s.port.Write([]byte{0xFF, 0xFF, 0x00}); err != nil {
		return fmt.Errorf("%w: mass erase failed: %v", ErrUnknown, err)
	}
	if err := s.getAck(massEraseTimeout); err != nil {
		s.warnStretching("mass erase", op, cmdEraseXNS)
		return fmt.Errorf("mass erase (try specifying the number of pages): %w", err)
	}
	return nil
}
