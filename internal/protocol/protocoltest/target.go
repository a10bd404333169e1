// Package protocoltest provides an in-memory bootloader target speaking
// the wire protocol behind the serial.Port interface, so the protocol
// engine and the flashing orchestrator can be tested without hardware.
package protocoltest

import (
	"fmt"

	"github.com/Benedict-Carling/FluidTerm2/internal/device"
	"github.com/Benedict-Carling/FluidTerm2/internal/serial"
)

const (
	ackByte  = 0x79
	nackByte = 0x1F
	busyByte = 0x76
	initByte = 0x7F
)

// DefaultCommands is the opcode set a typical UART bootloader advertises.
var DefaultCommands = []byte{
	0x00, 0x01, 0x02, 0x11, 0x21, 0x31, 0x44, 0x63, 0x73, 0x82, 0x92,
}

// Target simulates one STM32 system bootloader. The zero value is not
// usable; create targets with New. Counters are exported so tests can
// assert how many protocol exchanges an operation produced.
type Target struct {
	Dev      *device.Profile
	Version  byte
	Option1  byte
	Option2  byte
	Commands []byte

	// PortFlags is what Flags() reports to the protocol engine. Without
	// serial.FlagByte the target behaves frame-oriented: each ReadFull
	// consumes one whole reply frame, truncating or failing short, the
	// way an I2C master transaction would.
	PortFlags serial.Flags

	// GetLen, when non-zero, is reported through GetReplyLength as the
	// transport's GET reply length override.
	GetLen int

	Flash []byte
	RAM   []byte

	// Fault injection and observability.
	MassErases    int      // mass-erase exchanges served
	EraseCalls    [][2]int // (firstPage, pageCount) per page-erase exchange
	WriteCalls    []int    // padded payload length per write exchange
	ReadCalls     int      // read-memory exchanges served
	Resyncs       int      // unrecognized 0xFF command frames seen
	CorruptReads  int      // flip a byte in this many upcoming read replies
	BusyBeforeAck int      // emit BUSY this many times before the next ACK
	Dead          bool     // set once Go succeeds; further writes are ignored

	rx      [][]byte
	expect  func(frame []byte)
	memAddr uint32
	crcAddr uint32
}

// New builds a target for the given catalog profile with blank flash
// and the default UART-like capability flags.
func New(dev *device.Profile) *Target {
	t := &Target{
		Dev:       dev,
		Version:   0x31,
		Commands:  append([]byte(nil), DefaultCommands...),
		PortFlags: serial.FlagByte | serial.FlagGVRExtra | serial.FlagInit | serial.FlagRetry,
		Flash:     make([]byte, dev.FlashEnd-dev.FlashStart),
		RAM:       make([]byte, dev.RAMEnd-dev.RAMStart),
	}
	for i := range t.Flash {
		t.Flash[i] = 0xFF
	}
	return t
}

func (t *Target) supports(cmd byte) bool {
	for _, c := range t.Commands {
		if c == cmd {
			return true
		}
	}
	return false
}

func (t *Target) push(b ...byte) {
	t.rx = append(t.rx, b)
}

func (t *Target) ack() {
	for ; t.BusyBeforeAck > 0; t.BusyBeforeAck-- {
		t.push(busyByte)
	}
	t.push(ackByte)
}

// Write feeds one host frame into the target's state machine.
func (t *Target) Write(buf []byte) error {
	if t.Dead {
		// Application code is running; nobody is listening.
		return nil
	}
	if t.expect != nil {
		h := t.expect
		t.expect = nil
		h(append([]byte(nil), buf...))
		return nil
	}

	// A frame-oriented slave abandons any reply it was still serving
	// when a fresh command arrives.
	if t.PortFlags&serial.FlagByte == 0 {
		t.rx = nil
	}

	if len(buf) == 1 && buf[0] == initByte {
		t.push(ackByte)
		return nil
	}
	if len(buf) != 2 || buf[1] != ^buf[0] {
		t.push(nackByte)
		return nil
	}

	cmd := buf[0]
	if !t.supports(cmd) {
		if cmd == 0xFF {
			t.Resyncs++
		}
		t.push(nackByte)
		return nil
	}

	switch cmd {
	case 0x00: // GET
		t.ack()
		reply := append([]byte{byte(len(t.Commands)), t.Version}, t.Commands...)
		t.push(reply...)
		t.push(ackByte)
	case 0x01: // GET VERSION
		t.ack()
		if t.PortFlags&serial.FlagGVRExtra != 0 {
			t.push(t.Version, t.Option1, t.Option2)
		} else {
			t.push(t.Version)
		}
		t.push(ackByte)
	case 0x02: // GET ID
		t.ack()
		t.push(1, byte(t.Dev.ID>>8), byte(t.Dev.ID))
		t.push(ackByte)
	case 0x11: // READ MEMORY
		t.ack()
		t.expect = t.readAddrFrame
	case 0x21: // GO
		t.ack()
		t.expect = t.goAddrFrame
	case 0x31, 0x32: // WRITE MEMORY
		t.ack()
		t.expect = t.writeAddrFrame
	case 0x43: // ERASE
		t.ack()
		t.expect = t.regularEraseFrame
	case 0x44, 0x45: // EXTENDED ERASE
		t.ack()
		t.expect = t.extendedEraseFrame
	case 0x63, 0x64, 0x73, 0x74, 0x82, 0x83: // protect ops ACK twice
		t.push(ackByte)
		t.ack()
	case 0x92, 0x93: // READOUT UNPROTECT mass-erases internally
		t.push(ackByte)
		t.fillFlash()
		t.ack()
	case 0xA1: // CRC
		t.ack()
		t.expect = t.crcAddrFrame
	default:
		t.push(nackByte)
	}
	return nil
}

func parseAddr(frame []byte) (uint32, bool) {
	if len(frame) != 5 || frame[4] != frame[0]^frame[1]^frame[2]^frame[3] {
		return 0, false
	}
	return uint32(frame[0])<<24 | uint32(frame[1])<<16 | uint32(frame[2])<<8 | uint32(frame[3]), true
}

func (t *Target) readAddrFrame(frame []byte) {
	addr, ok := parseAddr(frame)
	if !ok {
		t.push(nackByte)
		return
	}
	t.memAddr = addr
	t.push(ackByte)
	t.expect = t.readLenFrame
}

func (t *Target) readLenFrame(frame []byte) {
	if len(frame) != 2 || frame[1] != ^frame[0] {
		t.push(nackByte)
		return
	}
	t.ack()
	data := make([]byte, int(frame[0])+1)
	t.readMem(t.memAddr, data)
	if t.CorruptReads > 0 {
		t.CorruptReads--
		data[0] ^= 0xFF
	}
	t.ReadCalls++
	t.push(data...)
}

func (t *Target) writeAddrFrame(frame []byte) {
	addr, ok := parseAddr(frame)
	if !ok {
		t.push(nackByte)
		return
	}
	t.memAddr = addr
	t.push(ackByte)
	t.expect = t.writePayloadFrame
}

func (t *Target) writePayloadFrame(frame []byte) {
	n := int(frame[0]) + 1
	if len(frame) != n+2 {
		t.push(nackByte)
		return
	}
	var cs byte
	for _, b := range frame[:n+1] {
		cs ^= b
	}
	if cs != frame[n+1] {
		t.push(nackByte)
		return
	}
	t.writeMem(t.memAddr, frame[1:n+1])
	t.WriteCalls = append(t.WriteCalls, n)
	t.ack()
}

func (t *Target) goAddrFrame(frame []byte) {
	if _, ok := parseAddr(frame); !ok {
		t.push(nackByte)
		return
	}
	t.push(ackByte)
	t.Dead = true
}

func (t *Target) regularEraseFrame(frame []byte) {
	if len(frame) == 2 && frame[0] == 0xFF && frame[1] == 0x00 {
		t.fillFlash()
		t.MassErases++
		t.ack()
		return
	}
	n := int(frame[0]) + 1
	if len(frame) != n+2 {
		t.push(nackByte)
		return
	}
	var cs byte
	for _, b := range frame[:n+1] {
		cs ^= b
	}
	if cs != frame[n+1] {
		t.push(nackByte)
		return
	}
	for _, pg := range frame[1 : n+1] {
		t.erasePage(int(pg))
	}
	t.EraseCalls = append(t.EraseCalls, [2]int{int(frame[1]), n})
	t.ack()
}

func (t *Target) extendedEraseFrame(frame []byte) {
	if len(frame) == 3 && frame[0] == 0xFF && frame[1] == 0xFF && frame[2] == 0x00 {
		t.fillFlash()
		t.MassErases++
		t.ack()
		return
	}
	if len(frame) < 5 {
		t.push(nackByte)
		return
	}
	n := (int(frame[0])<<8 | int(frame[1])) + 1
	if len(frame) != 2*n+3 {
		t.push(nackByte)
		return
	}
	var cs byte
	for _, b := range frame[:2*n+2] {
		cs ^= b
	}
	if cs != frame[2*n+2] {
		t.push(nackByte)
		return
	}
	first := int(frame[2])<<8 | int(frame[3])
	for i := 0; i < n; i++ {
		t.erasePage(int(frame[2+2*i])<<8 | int(frame[3+2*i]))
	}
	t.EraseCalls = append(t.EraseCalls, [2]int{first, n})
	t.ack()
}

func (t *Target) crcAddrFrame(frame []byte) {
	addr, ok := parseAddr(frame)
	if !ok {
		t.push(nackByte)
		return
	}
	t.crcAddr = addr
	t.push(ackByte)
	t.expect = t.crcLenFrame
}

func (t *Target) crcLenFrame(frame []byte) {
	length, ok := parseAddr(frame)
	if !ok {
		t.push(nackByte)
		return
	}
	t.push(ackByte)
	t.push(ackByte)
	data := make([]byte, length)
	t.readMem(t.crcAddr, data)
	crc := refCRC(data)
	reply := []byte{byte(crc >> 24), byte(crc >> 16), byte(crc >> 8), byte(crc)}
	t.push(append(reply, reply[0]^reply[1]^reply[2]^reply[3])...)
}

// refCRC mirrors the CRC peripheral: word-at-a-time, bytes of each word
// swapped into the accumulator before 32 shift-and-xor rounds.
func refCRC(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for i := 0; i+4 <= len(data); i += 4 {
		crc ^= uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16 | uint32(data[i+3])<<24
		for b := 0; b < 32; b++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func (t *Target) erasePage(pg int) {
	start := t.Dev.PageAddr(pg) - t.Dev.FlashStart
	end := t.Dev.PageAddr(pg+1) - t.Dev.FlashStart
	for i := start; i < end && int(i) < len(t.Flash); i++ {
		t.Flash[i] = 0xFF
	}
}

func (t *Target) fillFlash() {
	for i := range t.Flash {
		t.Flash[i] = 0xFF
	}
}

func (t *Target) readMem(addr uint32, buf []byte) {
	for i := range buf {
		buf[i] = t.peek(addr + uint32(i))
	}
}

func (t *Target) writeMem(addr uint32, data []byte) {
	for i, b := range data {
		a := addr + uint32(i)
		switch {
		case a >= t.Dev.FlashStart && a < t.Dev.FlashEnd:
			t.Flash[a-t.Dev.FlashStart] = b
		case a >= t.Dev.RAMStart && a < t.Dev.RAMEnd:
			t.RAM[a-t.Dev.RAMStart] = b
		}
	}
}

func (t *Target) peek(addr uint32) byte {
	switch {
	case addr >= t.Dev.FlashStart && addr < t.Dev.FlashEnd:
		return t.Flash[addr-t.Dev.FlashStart]
	case addr >= t.Dev.RAMStart && addr < t.Dev.RAMEnd:
		return t.RAM[addr-t.Dev.RAMStart]
	}
	return 0
}

// ReadFull implements the port contract. Byte-oriented targets drain a
// flat queue; frame-oriented targets serve exactly one reply frame per
// call, truncated to the host's read size or failing when too short.
func (t *Target) ReadFull(buf []byte) error {
	if t.PortFlags&serial.FlagByte != 0 {
		off := 0
		for off < len(buf) && len(t.rx) > 0 {
			n := copy(buf[off:], t.rx[0])
			off += n
			if n == len(t.rx[0]) {
				t.rx = t.rx[1:]
			} else {
				t.rx[0] = t.rx[0][n:]
			}
		}
		if off < len(buf) {
			return serial.ErrTimeout
		}
		return nil
	}

	if len(t.rx) == 0 {
		return serial.ErrTimeout
	}
	frame := t.rx[0]
	t.rx = t.rx[1:]
	if copy(buf, frame) < len(buf) {
		return serial.ErrTimeout
	}
	return nil
}

func (t *Target) Flush() error {
	t.rx = nil
	return nil
}

func (t *Target) Gpio(s serial.Signal, level bool) error { return nil }

func (t *Target) Flags() serial.Flags { return t.PortFlags }

func (t *Target) GetReplyLength(version byte) int { return t.GetLen }

func (t *Target) ConfigString() string {
	return fmt.Sprintf("simulated %s", t.Dev.Name)
}

func (t *Target) Close() error { return nil }
