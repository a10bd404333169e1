package protocol

import "testing"

func TestClassifyNewerOpcodeWins(t *testing.T) {
	// Whatever order the bootloader lists the variants in, the
	// numerically larger opcode is kept.
	orders := [][]byte{
		{cmdErase, cmdEraseX, cmdEraseXNS},
		{cmdEraseXNS, cmdEraseX, cmdErase},
		{cmdEraseX, cmdErase, cmdEraseXNS},
	}
	for _, order := range orders {
		tbl := newCommandTable()
		for _, op := range order {
			if !tbl.classify(op) {
				t.Fatalf("classify(0x%02x) not recognized", op)
			}
		}
		got, ok := tbl.Opcode(OpErase)
		if !ok || got != cmdEraseXNS {
			t.Errorf("order % 02x: erase opcode = 0x%02x, want 0x%02x", order, got, cmdEraseXNS)
		}
	}
}

func TestClassifyWriteVariants(t *testing.T) {
	tbl := newCommandTable()
	tbl.classify(cmdWrite)
	if got, _ := tbl.Opcode(OpWriteMemory); got != cmdWrite {
		t.Errorf("write opcode = 0x%02x, want 0x%02x", got, cmdWrite)
	}
	tbl.classify(cmdWriteNS)
	if got, _ := tbl.Opcode(OpWriteMemory); got != cmdWriteNS {
		t.Errorf("write opcode after no-stretch variant = 0x%02x, want 0x%02x", got, cmdWriteNS)
	}
}

func TestClassifyUnknownOpcode(t *testing.T) {
	tbl := newCommandTable()
	if tbl.classify(0xB7) {
		t.Error("classify(0xB7) = true, want false")
	}
}

func TestCommandTableUnsupportedByDefault(t *testing.T) {
	tbl := newCommandTable()
	for op := OpGet; op < opCount; op++ {
		if _, ok := tbl.Opcode(op); ok {
			t.Errorf("fresh table resolves op %d", op)
		}
	}
}

func TestAddrFrame(t *testing.T) {
	frame := addrFrame(0x08003CAB)
	want := [5]byte{0x08, 0x00, 0x3C, 0xAB, 0x08 ^ 0x00 ^ 0x3C ^ 0xAB}
	if frame != want {
		t.Errorf("addrFrame = % 02x, want % 02x", frame, want)
	}
}

func TestSoftwareCRCKnownValue(t *testing.T) {
	// One all-zero word leaves the inverted seed shifted through the
	// polynomial; the value below is what the CRC peripheral returns.
	crc := SoftwareCRC(CRCInitial, []byte{0, 0, 0, 0})
	const want = 0xC704DD7B
	if crc != want {
		t.Errorf("SoftwareCRC(zero word) = 0x%08x, want 0x%08x", crc, want)
	}
}
