package protocol

import (
	"errors"
	"fmt"
)

// Failure taxonomy. NoCommand is distinct from the transient failures so
// callers can pick a fallback (software CRC instead of the CRC command);
// Nack is distinct from Timeout because a NACK proves the link itself is
// healthy.
var (
	// ErrNoCommand means the bootloader did not advertise the opcode
	// needed for the requested operation.
	ErrNoCommand = errors.New("command not implemented in bootloader")

	// ErrNack means the target explicitly rejected the exchange.
	ErrNack = errors.New("bootloader NACK")

	// ErrTimeout means the target stopped answering inside the
	// operation's deadline.
	ErrTimeout = errors.New("bootloader timeout")

	// ErrUnknown covers framing, checksum and alignment violations and
	// malformed replies.
	ErrUnknown = errors.New("bootloader protocol error")
)

// VerifyError reports the first byte that failed write verification
// after the retry budget was exhausted.
type VerifyError struct {
	Address  uint32
	Expected byte
	Actual   byte
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("failed to verify at address 0x%08x, expected 0x%02x and found 0x%02x",
		e.Address, e.Expected, e.Actual)
}
