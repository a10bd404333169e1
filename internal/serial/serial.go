// Package serial defines the byte-transport contract the bootloader
// protocol engine runs over, plus the concrete implementation backed by
// go.bug.st/serial. The engine never opens ports itself; it borrows a
// Port for the duration of one flashing session.
package serial

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned by ReadFull when the requested bytes did not
// arrive within the port's read timeout. The protocol engine relies on
// distinguishing this from other transport failures.
var ErrTimeout = errors.New("serial: read timed out")

// Flags describe transport capabilities the protocol engine adapts to.
type Flags uint8

const (
	// FlagByte marks byte-oriented transports (UART-like) where a
	// length-prefixed reply can be read one byte at a time. Without it
	// the transport is frame-oriented and replies must be read in one
	// shot, with resync on a bad length guess.
	FlagByte Flags = 1 << iota

	// FlagGVRExtra marks transports whose GET VERSION reply carries two
	// option bytes after the version byte.
	FlagGVRExtra

	// FlagInit marks transports that need the explicit 0x7F wake byte
	// so the target can autodetect the interface speed.
	FlagInit

	// FlagRetry permits polling through BUSY replies until a caller
	// timeout expires. Transports without it fail immediately.
	FlagRetry

	// FlagStretchWarn requests an advisory diagnostic when a write-class
	// command fails on a clock-stretch-sensitive link (I2C bridges).
	FlagStretchWarn
)

// Signal selects a serial control line for Gpio.
type Signal int

const (
	SignalRTS Signal = iota
	SignalDTR
	SignalBRK
)

// Port is the byte channel the protocol engine talks through.
type Port interface {
	// ReadFull blocks until exactly len(buf) bytes arrive, returning
	// ErrTimeout if they do not arrive within the port's read timeout.
	ReadFull(buf []byte) error

	// Write sends the whole buffer or fails.
	Write(buf []byte) error

	// Flush discards any pending input.
	Flush() error

	// Gpio drives a control line.
	Gpio(s Signal, level bool) error

	// Flags reports the transport's capabilities.
	Flags() Flags

	// GetReplyLength returns a known GET reply length for the given
	// bootloader version, or 0 when the transport has no override and
	// the protocol default applies.
	GetReplyLength(version byte) int

	// ConfigString describes the port configuration for diagnostics.
	ConfigString() string

	Close() error
}

// Protocol frame maxima. RX covers the read-memory reply, TX covers the
// write-memory payload frame (length byte + 256 data + checksum).
const (
	MaxRxFrame = 256
	MaxTxFrame = 1 + 256 + 1
)

// Options configure how a port is opened.
type Options struct {
	// Device is the serial device path (or name understood by the OS).
	Device string

	// Passthrough, when non-empty, names a FluidNC uart (e.g. "uart2")
	// to bridge into via $Uart/Passthrough before speaking the
	// bootloader protocol. Empty means the port is wired directly to
	// the target.
	Passthrough string

	BaudRate int

	// Mode is a 3-character data-bits/parity/stop-bits string, e.g.
	// "8e1". Only applied on direct connections; a passthrough link
	// keeps whatever mode the controller uses.
	Mode string

	// RxFrameMax and TxFrameMax bound a single protocol exchange. Zero
	// selects the protocol maximum.
	RxFrameMax int
	TxFrameMax int
}

// Normalize applies defaults and clamps the frame bounds. Values above
// the protocol maxima are silently reduced; values too small for the
// protocol to function at all are rejected.
func (o *Options) Normalize() error {
	if o.BaudRate == 0 {
		o.BaudRate = 115200
	}
	if o.Mode == "" {
		o.Mode = "8e1"
	}
	if len(o.Mode) != 3 {
		return fmt.Errorf("serial: invalid mode %q", o.Mode)
	}
	if o.RxFrameMax == 0 {
		o.RxFrameMax = MaxRxFrame
	}
	if o.TxFrameMax == 0 {
		o.TxFrameMax = MaxTxFrame
	}
	if o.RxFrameMax < 20 || o.TxFrameMax < 6 {
		return fmt.Errorf("serial: frame bounds too small (min RX 20, min TX 6), got RX %d TX %d",
			o.RxFrameMax, o.TxFrameMax)
	}
	if o.RxFrameMax > MaxRxFrame {
		o.RxFrameMax = MaxRxFrame
	}
	if o.TxFrameMax > MaxTxFrame {
		o.TxFrameMax = MaxTxFrame
	}
	return nil
}
