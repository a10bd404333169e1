// Package image provides the firmware image boundary for the flashing
// orchestrator: pull-style sources for writes and push-style sinks for
// reads, in raw binary and Intel HEX encodings. The orchestrator never
// cares which encoding is behind the interface.
package image

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/marcinbor85/gohex"
)

// Source yields firmware bytes for a write action.
type Source interface {
	// Name identifies the decoder for diagnostics ("binary", "intel hex").
	Name() string

	// Size is the total number of payload bytes.
	Size() int

	// Read fills up to len(buf) bytes, returning io.EOF once drained.
	Read(buf []byte) (int, error)

	Close() error
}

// Sink receives bytes read back from the target during a read action.
type Sink interface {
	Write(buf []byte) error
	Close() error
}

// BinarySource streams a raw image file.
type BinarySource struct {
	f    *os.File
	size int
}

// OpenBinary opens path as a raw binary image.
func OpenBinary(path string) (*BinarySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &BinarySource{f: f, size: int(st.Size())}, nil
}

func (b *BinarySource) Name() string { return "binary" }
func (b *BinarySource) Size() int    { return b.size }

func (b *BinarySource) Read(buf []byte) (int, error) {
	return b.f.Read(buf)
}

func (b *BinarySource) Close() error { return b.f.Close() }

// HexSource decodes an Intel HEX file into a contiguous byte stream.
// Gaps between record segments are filled with 0xFF, the erased-flash
// value, so the stream can be written linearly from the first segment's
// address.
type HexSource struct {
	data  []byte
	off   int
	start uint32
}

// OpenHex parses path as Intel HEX. A file that is not HEX at all
// yields ErrNotHex so callers can fall back to the binary decoder.
func OpenHex(path string) (*HexSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseHex(f)
}

// ErrNotHex marks input that does not parse as Intel HEX records.
var ErrNotHex = fmt.Errorf("image: not an Intel HEX file")

// ParseHex decodes Intel HEX records from r.
func ParseHex(r io.Reader) (*HexSource, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("%w (%v)", ErrNotHex, err)
	}

	segs := mem.GetDataSegments()
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: no data records", ErrNotHex)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].Address < segs[j].Address })

	base := segs[0].Address
	last := segs[len(segs)-1]
	total := int(last.Address-base) + len(last.Data)

	data := make([]byte, total)
	for i := range data {
		data[i] = 0xFF
	}
	for _, seg := range segs {
		copy(data[seg.Address-base:], seg.Data)
	}

	return &HexSource{data: data, start: base}, nil
}

func (h *HexSource) Name() string { return "intel hex" }
func (h *HexSource) Size() int    { return len(h.data) }

// StartAddress is the load address of the first record segment.
func (h *HexSource) StartAddress() uint32 { return h.start }

func (h *HexSource) Read(buf []byte) (int, error) {
	if h.off >= len(h.data) {
		return 0, io.EOF
	}
	n := copy(buf, h.data[h.off:])
	h.off += n
	return n, nil
}

func (h *HexSource) Close() error { return nil }

// Open decodes path, trying Intel HEX first and falling back to raw
// binary, unless forceBinary skips the HEX attempt.
func Open(path string, forceBinary bool) (Source, error) {
	if !forceBinary {
		src, err := OpenHex(path)
		if err == nil {
			return src, nil
		}
		if _, statErr := os.Stat(path); statErr != nil {
			return nil, statErr
		}
	}
	return OpenBinary(path)
}

// BinarySink writes read-back bytes to a file.
type BinarySink struct {
	f *os.File
}

// CreateBinary creates (or truncates) path as the read destination.
func CreateBinary(path string) (*BinarySink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &BinarySink{f: f}, nil
}

func (b *BinarySink) Write(buf []byte) error {
	_, err := b.f.Write(buf)
	return err
}

func (b *BinarySink) Close() error { return b.f.Close() }
