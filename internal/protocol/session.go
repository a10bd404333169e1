// Package protocol implements the STM32 system-bootloader wire protocol
// (AN3155): session establishment with command-set discovery, the memory
// read/write/erase/protect primitives, CRC, and the reset-stub injection
// needed to cleanly leave the bootloader.
package protocol

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Benedict-Carling/FluidTerm2/internal/device"
	"github.com/Benedict-Carling/FluidTerm2/internal/serial"
)

// MaxChunk is the largest payload a single read- or write-memory
// exchange can carry.
const MaxChunk = 256

// Session is an established bootloader connection. It borrows the port
// for its lifetime and is read-only after Connect; operations must not
// be issued concurrently.
type Session struct {
	port serial.Port
	log  *slog.Logger

	// Version is the bootloader version byte from the GET reply.
	Version byte

	// Option1 and Option2 are only populated on transports whose GET
	// VERSION reply carries the extra bytes.
	Option1 byte
	Option2 byte

	// PID is the 16-bit product ID from the GET ID reply.
	PID uint16

	// Device is the catalog profile matched against PID.
	Device *device.Profile

	cmds  CommandTable
	erase eraseStrategy
}

type config struct {
	logger   *slog.Logger
	sendInit bool
}

// Option configures Connect.
type Option func(*config)

// WithLogger routes the session's diagnostics through l.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithoutInit resumes a connection without the wake byte. Needed when
// the bootloader already autodetected the line speed in a previous run;
// the baud rate must then be kept the same.
func WithoutInit() Option {
	return func(c *config) { c.sendInit = false }
}

// Connect wakes the bootloader (if the transport needs it), discovers
// the supported command set, and identifies the target chip.
func Connect(port serial.Port, opts ...Option) (*Session, error) {
	cfg := config{logger: slog.Default(), sendInit: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Session{
		port: port,
		log:  cfg.logger,
		cmds: newCommandTable(),
	}

	if port.Flags()&serial.FlagInit != 0 && cfg.sendInit {
		if err := s.sendInitSeq(); err != nil {
			return nil, err
		}
	}

	if err := s.discoverVersion(); err != nil {
		return nil, err
	}
	if err := s.discoverCommands(); err != nil {
		return nil, err
	}
	if err := s.discoverDevice(); err != nil {
		return nil, err
	}

	if op, _ := s.cmds.Opcode(OpErase); op == cmdErase {
		s.erase = regularErase{}
	} else {
		s.erase = extendedErase{}
	}

	return s, nil
}

// sendInitSeq sends the wake byte. If the first attempt times out, the
// byte may have been consumed as the start of a command by a bootloader
// that was already awake; a second wake byte must then come back NACKed,
// which proves the interface is alive and in sync again.
func (s *Session) sendInitSeq() error {
	if err := s.port.Write([]byte{initByte}); err != nil {
		return fmt.Errorf("%w: failed to send init: %v", ErrUnknown, err)
	}

	var reply [1]byte
	err := s.port.ReadFull(reply[:])
	if err == nil && reply[0] == ack {
		return nil
	}
	if err == nil && reply[0] == nack {
		// We could still get errors later, but carry on for now.
		s.log.Warn("the interface was not closed properly by a previous run")
		return nil
	}
	if !errors.Is(err, serial.ErrTimeout) {
		return fmt.Errorf("%w: no answer to init sequence", ErrUnknown)
	}

	if err := s.port.Write([]byte{initByte}); err != nil {
		return fmt.Errorf("%w: failed to send init: %v", ErrUnknown, err)
	}
	if err := s.port.ReadFull(reply[:]); err == nil && reply[0] == nack {
		return nil
	}
	return fmt.Errorf("%w: failed to init device", ErrUnknown)
}

// discoverVersion issues GET VERSION. Only extended-reply transports
// return the two option bytes.
func (s *Session) discoverVersion() error {
	if err := s.sendCommand(cmdGVR, 0); err != nil {
		return err
	}

	n := 1
	if s.port.Flags()&serial.FlagGVRExtra != 0 {
		n = 3
	}
	buf := make([]byte, n)
	if err := s.port.ReadFull(buf); err != nil {
		return fmt.Errorf("%w: reading GET VERSION reply: %v", ErrUnknown, err)
	}
	s.Version = buf[0]
	if n == 3 {
		s.Option1, s.Option2 = buf[1], buf[2]
	}
	return s.getAck(0)
}

// discoverCommands issues GET and classifies every advertised opcode
// into the command table.
func (s *Session) discoverCommands() error {
	guess := s.port.GetReplyLength(s.Version)
	if guess == 0 {
		guess = getReplyLength
	}

	buf, err := s.guessLenCmd(cmdGet, guess)
	if err != nil {
		return err
	}

	n := int(buf[0]) + 1
	s.Version = buf[1]
	var unknown []byte
	for i := 1; i < n; i++ {
		if !s.cmds.classify(buf[i+1]) {
			unknown = append(unknown, buf[i+1])
		}
	}
	if len(unknown) > 0 {
		s.log.Warn("GET returned unknown commands", "opcodes", fmt.Sprintf("% 02x", unknown))
	}
	if err := s.getAck(0); err != nil {
		return err
	}

	for _, op := range []Op{OpGet, OpGetVersion, OpGetID} {
		if _, ok := s.cmds.Opcode(op); !ok {
			return fmt.Errorf("%w: bootloader did not return correct information from GET command", ErrUnknown)
		}
	}
	return nil
}

// discoverDevice issues GET ID and matches the PID in the catalog.
func (s *Session) discoverDevice() error {
	gid, _ := s.cmds.Opcode(OpGetID)
	buf, err := s.guessLenCmd(gid, 1)
	if err != nil {
		return err
	}

	n := int(buf[0]) + 1
	if n < 2 {
		return fmt.Errorf("%w: only %d bytes sent in the PID, unknown/unsupported device", ErrUnknown, n)
	}
	s.PID = uint16(buf[1])<<8 | uint16(buf[2])
	if n > 2 {
		s.log.Warn("bootloader returned extra PID bytes", "bytes", fmt.Sprintf("% 02x", buf[3:n+1]))
	}
	if err := s.getAck(0); err != nil {
		return err
	}

	dev, ok := device.Lookup(s.PID)
	if !ok {
		return fmt.Errorf("%w: unknown/unsupported device (PID 0x%03x)", ErrUnknown, s.PID)
	}
	s.Device = dev
	return nil
}

// Supports reports whether the bootloader advertised the operation.
func (s *Session) Supports(op Op) bool {
	_, ok := s.cmds.Opcode(op)
	return ok
}

// getAck waits for a single reply byte. BUSY polls again until timeout
// elapses, but only on transports that permit retry.
func (s *Session) getAck(timeout time.Duration) error {
	if s.port.Flags()&serial.FlagRetry == 0 {
		timeout = 0
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	var b [1]byte
	for {
		err := s.port.ReadFull(b[:])
		if errors.Is(err, serial.ErrTimeout) {
			if timeout > 0 && time.Now().Before(deadline) {
				continue
			}
			return ErrTimeout
		}
		if err != nil {
			return fmt.Errorf("%w: failed to read ACK byte: %v", ErrUnknown, err)
		}

		switch b[0] {
		case ack:
			return nil
		case nack:
			return ErrNack
		case busy:
			if timeout > 0 && !time.Now().Before(deadline) {
				return ErrTimeout
			}
		default:
			return fmt.Errorf("%w: got byte 0x%02x instead of ACK", ErrUnknown, b[0])
		}
	}
}

// sendCommand writes an opcode with its complement and waits for the
// acknowledge. The complement is the protocol's built-in integrity check
// on the command byte.
func (s *Session) sendCommand(cmd byte, timeout time.Duration) error {
	if err := s.port.Write([]byte{cmd, ^cmd}); err != nil {
		return fmt.Errorf("%w: failed to send command 0x%02x: %v", ErrUnknown, cmd, err)
	}
	err := s.getAck(timeout)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNack) {
		s.log.Warn("got NACK from device", "command", fmt.Sprintf("0x%02x", cmd))
	}
	return fmt.Errorf("command 0x%02x: %w", cmd, err)
}

// resync recovers frame synchronization: a guaranteed-unrecognized
// opcode is sent until the target answers with a NACK, proving both ends
// agree on frame boundaries again.
func (s *Session) resync() error {
	deadline := time.Now().Add(resyncTimeout)
	frame := []byte{cmdInvalid, ^byte(cmdInvalid)}
	var b [1]byte

	for time.Now().Before(deadline) {
		if err := s.port.Write(frame); err != nil {
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if err := s.port.ReadFull(b[:]); err != nil {
			continue
		}
		if b[0] == nack {
			return nil
		}
	}
	return fmt.Errorf("%w: resync failed", ErrTimeout)
}

// guessLenCmd runs a command whose reply length is self-described by the
// reply's first byte. Byte-oriented transports read the length byte
// first and then exactly the rest. Frame-oriented transports must guess
// the whole frame length up front; a wrong guess desynchronizes the
// link, so the reported length is taken from the failed read and the
// command retried once after a resync.
//
// The returned slice holds length byte plus payload (guess+2 bytes as
// framed on the wire).
func (s *Session) guessLenCmd(cmd byte, guess int) ([]byte, error) {
	buf := make([]byte, MaxChunk+2)

	if err := s.sendCommand(cmd, 0); err != nil {
		return nil, err
	}

	if s.port.Flags()&serial.FlagByte != 0 {
		if err := s.port.ReadFull(buf[:1]); err != nil {
			return nil, fmt.Errorf("%w: reading reply length: %v", ErrUnknown, err)
		}
		n := int(buf[0])
		if err := s.port.ReadFull(buf[1 : n+2]); err != nil {
			return nil, fmt.Errorf("%w: reading reply body: %v", ErrUnknown, err)
		}
		return buf[:n+2], nil
	}

	err := s.port.ReadFull(buf[:guess+2])
	if err == nil && int(buf[0]) == guess {
		return buf[:guess+2], nil
	}
	if err != nil {
		// Restart with only one byte to learn the real length.
		if err := s.resync(); err != nil {
			return nil, err
		}
		if err := s.sendCommand(cmd, 0); err != nil {
			return nil, err
		}
		if err := s.port.ReadFull(buf[:1]); err != nil {
			return nil, fmt.Errorf("%w: reading reply length: %v", ErrUnknown, err)
		}
	}

	s.log.Warn("re-syncing after length mismatch", "len", buf[0])
	if err := s.resync(); err != nil {
		return nil, err
	}

	n := int(buf[0])
	if err := s.sendCommand(cmd, 0); err != nil {
		return nil, err
	}
	if err := s.port.ReadFull(buf[:n+2]); err != nil {
		return nil, fmt.Errorf("%w: reading reply body: %v", ErrUnknown, err)
	}
	return buf[:n+2], nil
}

// ReadMemory fills buf (at most 256 bytes) from the target address.
func (s *Session) ReadMemory(address uint32, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if len(buf) > MaxChunk {
		return fmt.Errorf("%w: read length limit is %d bytes", ErrUnknown, MaxChunk)
	}

	rm, ok := s.cmds.Opcode(OpReadMemory)
	if !ok {
		return fmt.Errorf("read memory: %w", ErrNoCommand)
	}
	if err := s.sendCommand(rm, 0); err != nil {
		return err
	}

	frame := addrFrame(address)
	if err := s.port.Write(frame[:]); err != nil {
		return fmt.Errorf("%w: sending address: %v", ErrUnknown, err)
	}
	if err := s.getAck(0); err != nil {
		return err
	}

	// The length goes out with the same opcode/complement handshake as
	// a command byte.
	if err := s.sendCommand(byte(len(buf)-1), 0); err != nil {
		return err
	}
	if err := s.port.ReadFull(buf); err != nil {
		return fmt.Errorf("%w: reading memory at 0x%08x: %v", ErrUnknown, address, err)
	}
	return nil
}

// WriteMemory writes data (at most 256 bytes) to a 4-byte-aligned
// target address, padding the payload with 0xFF to a word boundary.
func (s *Session) WriteMemory(address uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data) > MaxChunk {
		return fmt.Errorf("%w: write length limit is %d bytes", ErrUnknown, MaxChunk)
	}
	if address&0x3 != 0 {
		return fmt.Errorf("%w: write address must be 4 byte aligned", ErrUnknown)
	}

	wm, ok := s.cmds.Opcode(OpWriteMemory)
	if !ok {
		return fmt.Errorf("write memory: %w", ErrNoCommand)
	}
	if err := s.sendCommand(wm, 0); err != nil {
		return err
	}

	frame := addrFrame(address)
	if err := s.port.Write(frame[:]); err != nil {
		return fmt.Errorf("%w: sending address: %v", ErrUnknown, err)
	}
	if err := s.getAck(0); err != nil {
		return err
	}

	alignedLen := (len(data) + 3) &^ 3
	buf := make([]byte, alignedLen+2)
	buf[0] = byte(alignedLen - 1)
	cs := buf[0]
	for i := 0; i < alignedLen; i++ {
		b := byte(0xFF)
		if i < len(data) {
			b = data[i]
		}
		buf[i+1] = b
		cs ^= b
	}
	buf[alignedLen+1] = cs

	if err := s.port.Write(buf); err != nil {
		return fmt.Errorf("%w: sending payload: %v", ErrUnknown, err)
	}

	if err := s.getAck(blockWriteTimeout); err != nil {
		s.warnStretching("write", wm, cmdWriteNS)
		return fmt.Errorf("write memory at 0x%08x: %w", address, err)
	}
	return nil
}

// WriteUnprotect disables flash write protection. The device resets
// itself after acknowledging.
func (s *Session) WriteUnprotect() error {
	return s.protectOp(OpWriteUnprotect, "write unprotect", wUnprotTimeout, cmdWUnprotNS)
}

// WriteProtect enables flash write protection.
func (s *Session) WriteProtect() error {
	return s.protectOp(OpWriteProtect, "write protect", wProtTimeout, cmdWProtNS)
}

// ReadoutProtect enables flash readout protection. The device resets
// itself after acknowledging.
func (s *Session) ReadoutProtect() error {
	return s.protectOp(OpReadProtect, "readout protect", rProtTimeout, cmdRProtNS)
}

// ReadoutUnprotect disables readout protection, which mass-erases the
// flash internally, hence the long timeout.
func (s *Session) ReadoutUnprotect() error {
	return s.protectOp(OpReadUnprotect, "readout unprotect", massEraseTimeout, cmdRUnprotNS)
}

func (s *Session) protectOp(op Op, name string, timeout time.Duration, nsOpcode byte) error {
	opcode, ok := s.cmds.Opcode(op)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNoCommand)
	}
	if err := s.sendCommand(opcode, 0); err != nil {
		return err
	}

	err := s.getAck(timeout)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNack) {
		return fmt.Errorf("%s: %w", name, ErrNack)
	}
	s.warnStretching(name, opcode, nsOpcode)
	return fmt.Errorf("%s: %w", name, err)
}

// Go starts execution at the given address. The session must not be
// used after a successful Go; the bootloader is no longer listening.
func (s *Session) Go(address uint32) error {
	op, ok := s.cmds.Opcode(OpGo)
	if !ok {
		return fmt.Errorf("go: %w", ErrNoCommand)
	}
	if err := s.sendCommand(op, 0); err != nil {
		return err
	}

	frame := addrFrame(address)
	if err := s.port.Write(frame[:]); err != nil {
		return fmt.Errorf("%w: sending address: %v", ErrUnknown, err)
	}
	return s.getAck(0)
}

// warnStretching emits the I2C clock-stretching advisory when a
// write-class exchange failed on a stretch-sensitive transport and the
// bootloader is not using the no-stretch opcode variant.
func (s *Session) warnStretching(what string, opcode, nsOpcode byte) {
	if s.port.Flags()&serial.FlagStretchWarn != 0 && opcode != nsOpcode {
		s.log.Warn("failure may be caused by the host not supporting I2C clock stretching",
			"operation", what)
	}
}
