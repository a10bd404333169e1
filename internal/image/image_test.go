package image_test

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Benedict-Carling/FluidTerm2/internal/image"
)

// Two data records at 0x08000000 and 0x08000008 with a four-byte gap.
const hexImage = `:020000040800F2
:0400000001020304F2
:02000800AABB91
:00000001FF
`

func readAll(t *testing.T, src image.Source) []byte {
	t.Helper()
	data, err := io.ReadAll(src)
	if err != nil {
		t.Fatalf("reading %s source: %v", src.Name(), err)
	}
	return data
}

func TestParseHexFillsGaps(t *testing.T) {
	src, err := image.ParseHex(strings.NewReader(hexImage))
	if err != nil {
		t.Fatalf("ParseHex: %v", err)
	}

	if src.StartAddress() != 0x08000000 {
		t.Errorf("start address = 0x%08x, want 0x08000000", src.StartAddress())
	}
	want := []byte{0x01, 0x02, 0x03, 0x04, 0xFF, 0xFF, 0xFF, 0xFF, 0xAA, 0xBB}
	if src.Size() != len(want) {
		t.Fatalf("size = %d, want %d", src.Size(), len(want))
	}
	if got := readAll(t, src); !bytes.Equal(got, want) {
		t.Errorf("data = % 02x, want % 02x", got, want)
	}
}

func TestParseHexRejectsGarbage(t *testing.T) {
	_, err := image.ParseHex(strings.NewReader("\x7fELF not a hex file"))
	if !errors.Is(err, image.ErrNotHex) {
		t.Errorf("error = %v, want ErrNotHex", err)
	}
}

func TestOpenDetectsHex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "firmware.hex")
	if err := os.WriteFile(path, []byte(hexImage), 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := image.Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	if src.Name() != "intel hex" {
		t.Errorf("decoder = %q, want intel hex", src.Name())
	}
	hex, ok := src.(*image.HexSource)
	if !ok {
		t.Fatalf("source type = %T, want *HexSource", src)
	}
	if hex.StartAddress() != 0x08000000 {
		t.Errorf("start address = 0x%08x", hex.StartAddress())
	}
}

func TestOpenFallsBackToBinary(t *testing.T) {
	raw := []byte{0x00, 0x01, 0xFE, 0xFF, 0x7F}
	path := filepath.Join(t.TempDir(), "firmware.bin")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := image.Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	if src.Name() != "binary" {
		t.Errorf("decoder = %q, want binary", src.Name())
	}
	if src.Size() != len(raw) {
		t.Errorf("size = %d, want %d", src.Size(), len(raw))
	}
	if got := readAll(t, src); !bytes.Equal(got, raw) {
		t.Errorf("data = % 02x, want % 02x", got, raw)
	}
}

// forceBinary must skip HEX detection even for files that would parse.
func TestOpenForceBinary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "firmware.hex")
	if err := os.WriteFile(path, []byte(hexImage), 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := image.Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	if src.Name() != "binary" {
		t.Errorf("decoder = %q, want binary", src.Name())
	}
	if src.Size() != len(hexImage) {
		t.Errorf("size = %d, want raw file length %d", src.Size(), len(hexImage))
	}
}

// The same payload must stream identically from both decoders.
func TestHexAndBinaryStreamsMatch(t *testing.T) {
	hexSrc, err := image.ParseHex(strings.NewReader(hexImage))
	if err != nil {
		t.Fatalf("ParseHex: %v", err)
	}
	payload := readAll(t, hexSrc)

	path := filepath.Join(t.TempDir(), "same.bin")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatal(err)
	}
	binSrc, err := image.OpenBinary(path)
	if err != nil {
		t.Fatalf("OpenBinary: %v", err)
	}
	defer binSrc.Close()

	if binSrc.Size() != hexSrc.Size() {
		t.Errorf("sizes differ: binary %d, hex %d", binSrc.Size(), hexSrc.Size())
	}
	if got := readAll(t, binSrc); !bytes.Equal(got, payload) {
		t.Errorf("binary stream = % 02x, hex stream = % 02x", got, payload)
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := image.Open(filepath.Join(t.TempDir(), "nope.bin"), false)
	if err == nil {
		t.Fatal("Open on a missing file succeeded")
	}
}

func TestBinarySink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.bin")
	sink, err := image.CreateBinary(path)
	if err != nil {
		t.Fatalf("CreateBinary: %v", err)
	}
	if err := sink.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sink.Write([]byte{4, 5}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4, 5}) {
		t.Errorf("file content = % 02x", got)
	}
}
