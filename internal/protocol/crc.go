package protocol

import "fmt"

// The STM32 hardware CRC is close to a standard big-endian CRC-32 but
// runs on 32-bit words with the bytes of each word swapped before the
// computation, so no stock CRC library produces matching values.
const (
	crcPoly = 0x04C11DB7

	// CRCInitial seeds the software CRC accumulator.
	CRCInitial = 0xFFFFFFFF
)

// SoftwareCRC folds data into crc the way the target's CRC peripheral
// would. len(data) must be a multiple of 4; trailing bytes are ignored.
func SoftwareCRC(crc uint32, data []byte) uint32 {
	for len(data) >= 4 {
		word := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
		data = data[4:]

		crc ^= word
		for i := 0; i < 32; i++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ crcPoly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// crcMemory asks the bootloader's CRC command to checksum the range.
// The device acknowledges twice before the result frame.
func (s *Session) crcMemory(address, length uint32) (uint32, error) {
	op, ok := s.cmds.Opcode(OpChecksum)
	if !ok {
		return 0, fmt.Errorf("crc: %w", ErrNoCommand)
	}
	if err := s.sendCommand(op, 0); err != nil {
		return 0, err
	}

	frame := addrFrame(address)
	if err := s.port.Write(frame[:]); err != nil {
		return 0, fmt.Errorf("%w: sending address: %v", ErrUnknown, err)
	}
	if err := s.getAck(0); err != nil {
		return 0, err
	}

	frame = addrFrame(length)
	if err := s.port.Write(frame[:]); err != nil {
		return 0, fmt.Errorf("%w: sending length: %v", ErrUnknown, err)
	}
	if err := s.getAck(0); err != nil {
		return 0, err
	}
	if err := s.getAck(0); err != nil {
		return 0, err
	}

	var reply [5]byte
	if err := s.port.ReadFull(reply[:]); err != nil {
		return 0, fmt.Errorf("%w: reading CRC reply: %v", ErrUnknown, err)
	}
	if reply[4] != reply[0]^reply[1]^reply[2]^reply[3] {
		return 0, fmt.Errorf("%w: CRC reply checksum mismatch", ErrUnknown)
	}
	return uint32(reply[0])<<24 | uint32(reply[1])<<16 | uint32(reply[2])<<8 | uint32(reply[3]), nil
}

// Checksum computes the CRC of [address, address+length) with the
// hardware command when available and the software fallback otherwise.
// Both address and length must be 4-byte aligned. The progress callback
// (may be nil) only fires on the software path, which streams the range
// back over read-memory.
func (s *Session) Checksum(address, length uint32, progress func(done, total uint32)) (uint32, error) {
	if address&0x3 != 0 || length&0x3 != 0 {
		return 0, fmt.Errorf("%w: start address and length must be 4 byte aligned", ErrUnknown)
	}

	if s.Supports(OpChecksum) {
		return s.crcMemory(address, length)
	}

	crc := uint32(CRCInitial)
	total := length
	var done uint32
	buf := make([]byte, MaxChunk)

	for length > 0 {
		n := length
		if n > MaxChunk {
			n = MaxChunk
		}
		if err := s.ReadMemory(address, buf[:n]); err != nil {
			return 0, fmt.Errorf("failed to read memory at 0x%08x, target write-protected?: %w", address, err)
		}
		crc = SoftwareCRC(crc, buf[:n])
		address += n
		length -= n
		done += n
		if progress != nil {
			progress(done, total)
		}
	}
	return crc, nil
}
