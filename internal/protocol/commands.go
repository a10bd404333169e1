package protocol

import "time"

// Single-byte replies from the target.
const (
	ack  = 0x79
	nack = 0x1F
	busy = 0x76
)

// initByte wakes the bootloader and lets it autodetect the line speed.
const initByte = 0x7F

// Raw opcodes from AN3155. Several logical operations exist in a normal
// and a "no-stretch" variant (for I2C hosts that cannot clock-stretch);
// the variant with the larger opcode is always the newer one.
const (
	cmdGet       = 0x00
	cmdGVR       = 0x01 // get version and read protection status
	cmdGID       = 0x02 // get device ID
	cmdRead      = 0x11
	cmdGo        = 0x21
	cmdWrite     = 0x31
	cmdWriteNS   = 0x32
	cmdErase     = 0x43
	cmdEraseX    = 0x44 // extended erase, 2-byte page numbers
	cmdEraseXNS  = 0x45
	cmdWProt     = 0x63
	cmdWProtNS   = 0x64
	cmdWUnprot   = 0x73
	cmdWUnprotNS = 0x74
	cmdRProt     = 0x82
	cmdRProtNS   = 0x83
	cmdRUnprot   = 0x92
	cmdRUnprotNS = 0x93
	cmdCRC       = 0xA1

	// cmdInvalid is guaranteed unrecognized; sending it is how resync
	// provokes a NACK. It doubles as the "unsupported" slot value.
	cmdInvalid = 0xFF
)

// Operation timeouts.
const (
	resyncTimeout     = 35 * time.Second
	massEraseTimeout  = 35 * time.Second
	pageEraseTimeout  = 5 * time.Second // per page in a chunk
	blockWriteTimeout = 1 * time.Second
	wUnprotTimeout    = 1 * time.Second
	wProtTimeout      = 1 * time.Second
	rProtTimeout      = 1 * time.Second
)

// getReplyLength is the usual GET reply size; ports may override it for
// bootloader versions with known anomalies.
const getReplyLength = 17

// Op is a logical bootloader operation, independent of which opcode
// variant the running bootloader offers for it.
type Op int

const (
	OpGet Op = iota
	OpGetVersion
	OpGetID
	OpReadMemory
	OpGo
	OpWriteMemory
	OpErase
	OpWriteProtect
	OpWriteUnprotect
	OpReadProtect
	OpReadUnprotect
	OpChecksum
	opCount
)

// CommandTable maps logical operations to the concrete opcode discovered
// during session establishment.
type CommandTable [opCount]byte

func newCommandTable() CommandTable {
	var t CommandTable
	for i := range t {
		t[i] = cmdInvalid
	}
	return t
}

// Opcode returns the resolved opcode for op, or false when the
// bootloader does not support it.
func (t *CommandTable) Opcode(op Op) (byte, bool) {
	v := t[op]
	return v, v != cmdInvalid
}

// classify records an advertised opcode. When a logical operation is
// offered in several variants the numerically larger opcode wins (it is
// always the newer variant). Returns false for opcodes this client does
// not know about.
func (t *CommandTable) classify(val byte) bool {
	var op Op
	switch val {
	case cmdGet:
		op = OpGet
	case cmdGVR:
		op = OpGetVersion
	case cmdGID:
		op = OpGetID
	case cmdRead:
		op = OpReadMemory
	case cmdGo:
		op = OpGo
	case cmdWrite, cmdWriteNS:
		op = OpWriteMemory
	case cmdErase, cmdEraseX, cmdEraseXNS:
		op = OpErase
	case cmdWProt, cmdWProtNS:
		op = OpWriteProtect
	case cmdWUnprot, cmdWUnprotNS:
		op = OpWriteUnprotect
	case cmdRProt, cmdRProtNS:
		op = OpReadProtect
	case cmdRUnprot, cmdRUnprotNS:
		op = OpReadUnprotect
	case cmdCRC:
		op = OpChecksum
	default:
		return false
	}
	if t[op] == cmdInvalid || val > t[op] {
		t[op] = val
	}
	return true
}

// addrFrame builds the 5-byte big-endian address (or length) frame with
// its XOR checksum, the protocol's standard word argument encoding.
func addrFrame(v uint32) [5]byte {
	var buf [5]byte
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
	buf[4] = buf[0] ^ buf[1] ^ buf[2] ^ buf[3]
	return buf
}
