package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/Benedict-Carling/FluidTerm2/internal/device"
)

// The bootloader protocol has no reset command. The only reliable way
// out is to upload a tiny stub into RAM and jump to it; the stub pokes
// the relevant reset-control register and parks in an endless branch
// until the reset takes effect.
//
// The blobs are opaque Cortex-M machine code; the word table at the end
// of each stub holds the register address and value it stores. Do not
// reinterpret them as structured data.

// resetCode triggers a system reset through AIRCR (SYSRESETREQ). Works
// on ARMv6-M and ARMv7-M cores alike.
var resetCode = []byte{
	0x01, 0x49, // ldr r1, [pc, #4]  ; AIRCR address
	0x02, 0x4A, // ldr r2, [pc, #8]  ; VECTKEY | SYSRESETREQ
	0x0A, 0x60, // str r2, [r1]
	0xFE, 0xE7, // b .
	0x0C, 0xED, 0x00, 0xE0, // .word 0xE000ED0C
	0x04, 0x00, 0xFA, 0x05, // .word 0x05FA0004
}

// oblLaunchCode sets FLASH_CR.OBL_LAUNCH instead. On STM32F0 parts with
// the empty-check flag a plain reset would drop straight back into the
// system bootloader after programming a blank device.
var oblLaunchCode = []byte{
	0x01, 0x49, // ldr r1, [pc, #4]  ; FLASH_CR
	0x02, 0x4A, // ldr r2, [pc, #8]  ; OBL_LAUNCH
	0x0A, 0x60, // str r2, [r1]
	0xFE, 0xE7, // b .
	0x10, 0x20, 0x02, 0x40, // .word 0x40022010
	0x00, 0x20, 0x00, 0x00, // .word 0x00002000
}

// pemptyLaunchCode toggles FLASH_SR.PEMPTY when it disagrees with the
// first flash word, then resets through AIRCR. Needed on STM32L45x/46x,
// where FLASH_CR may be locked and OBL_LAUNCH unusable.
var pemptyLaunchCode = []byte{
	0x08, 0x48, // ldr  r0, [pc, #32] ; flash base
	0x00, 0x68, // ldr  r0, [r0]
	0x01, 0x30, // adds r0, #1
	0x41, 0x1E, // subs r1, r0, #1
	0x88, 0x41, // sbcs r0, r1
	0x07, 0x49, // ldr  r1, [pc, #28] ; FLASH_SR
	0x07, 0x4A, // ldr  r2, [pc, #28] ; PEMPTY mask
	0x0B, 0x68, // ldr  r3, [r1]
	0x13, 0x40, // ands r3, r2
	0x5C, 0x1E, // subs r4, r3, #1
	0xA3, 0x41, // sbcs r3, r4
	0x98, 0x42, // cmp  r0, r3
	0x00, 0xD1, // bne.n skip
	0x0A, 0x60, // str  r2, [r1]
	0x04, 0x48, // skip: ldr r0, [pc, #16] ; AIRCR
	0x05, 0x49, // ldr  r1, [pc, #16] ; VECTKEY | SYSRESETREQ
	0x01, 0x60, // str  r1, [r0]
	0xFE, 0xE7, // b .
	0x00, 0x00, 0x00, 0x08, // .word 0x08000000
	0x10, 0x20, 0x02, 0x40, // .word 0x40022010
	0x00, 0x00, 0x02, 0x00, // .word 0x00020000
	0x0C, 0xED, 0x00, 0xE0, // .word 0xE000ED0C
	0x04, 0x00, 0xFA, 0x05, // .word 0x05FA0004
}

// stubStackPointer is the initial SP planted in the stub header; any
// RAM address clear of the stub itself will do.
const stubStackPointer = 0x20002000

// ResetDevice uploads the reset stub matching the device's quirk flags
// to the start of RAM and executes it.
func (s *Session) ResetDevice() error {
	code := resetCode
	switch {
	case s.Device.Flags&device.FlagOBLLaunch != 0:
		code = oblLaunchCode
	case s.Device.Flags&device.FlagPEmpty != 0:
		code = pemptyLaunchCode
	}
	return s.runRawCode(s.Device.RAMStart, code)
}

// runRawCode writes an 8-byte header (initial stack pointer and entry
// address) followed by the stub to targetAddress, then jumps there. The
// entry address gets its low bit set to select thumb execution.
func (s *Session) runRawCode(targetAddress uint32, code []byte) error {
	if targetAddress&0x3 != 0 {
		return fmt.Errorf("%w: code address must be 4 byte aligned", ErrUnknown)
	}

	mem := make([]byte, 8+len(code))
	binary.LittleEndian.PutUint32(mem[0:], stubStackPointer)
	binary.LittleEndian.PutUint32(mem[4:], targetAddress+8+1)
	copy(mem[8:], code)

	addr := targetAddress
	for len(mem) > 0 {
		n := len(mem)
		if n > MaxChunk {
			n = MaxChunk
		}
		if err := s.WriteMemory(addr, mem[:n]); err != nil {
			return err
		}
		addr += uint32(n)
		mem = mem[n:]
	}

	return s.Go(targetAddress)
}
