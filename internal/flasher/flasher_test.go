package flasher_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/Benedict-Carling/FluidTerm2/internal/device"
	"github.com/Benedict-Carling/FluidTerm2/internal/flasher"
	"github.com/Benedict-Carling/FluidTerm2/internal/protocol"
	"github.com/Benedict-Carling/FluidTerm2/internal/protocol/protocoltest"
)

// memSource feeds an in-memory image to the planner.
type memSource struct {
	data []byte
	off  int
}

func (m *memSource) Name() string { return "mem" }
func (m *memSource) Size() int    { return len(m.data) }

func (m *memSource) Read(buf []byte) (int, error) {
	if m.off >= len(m.data) {
		return 0, io.EOF
	}
	n := copy(buf, m.data[m.off:])
	m.off += n
	return n, nil
}

func (m *memSource) Close() error { return nil }

// memSink collects read-back bytes.
type memSink struct {
	data []byte
}

func (m *memSink) Write(buf []byte) error {
	m.data = append(m.data, buf...)
	return nil
}

func (m *memSink) Close() error { return nil }

func newPlanner(t *testing.T, pid uint16) (*flasher.Planner, *protocoltest.Target, *protocol.Session) {
	t.Helper()
	dev, ok := device.Lookup(pid)
	if !ok {
		t.Fatalf("no profile for PID 0x%03x", pid)
	}
	tgt := protocoltest.New(dev)
	sess, err := protocol.Connect(tgt)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return flasher.New(sess), tgt, sess
}

func image(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*13 + 5)
	}
	return data
}

func TestResolveDefaultsToWholeFlash(t *testing.T) {
	p, _, sess := newPlanner(t, 0x440)

	r, err := p.Resolve(flasher.RangeSpec{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Start != sess.Device.FlashStart || r.End != sess.Device.FlashEnd {
		t.Errorf("range = [0x%08x, 0x%08x), want whole flash", r.Start, r.End)
	}
	if r.Pages != protocol.MassErase {
		t.Errorf("pages = 0x%x, want mass-erase sentinel", r.Pages)
	}
}

func TestResolveAddressInFlash(t *testing.T) {
	p, _, sess := newPlanner(t, 0x440)

	r, err := p.Resolve(flasher.RangeSpec{Address: sess.Device.FlashStart + 0x400})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Start != sess.Device.FlashStart+0x400 || r.End != sess.Device.FlashEnd {
		t.Errorf("range = [0x%08x, 0x%08x)", r.Start, r.End)
	}
	if r.FirstPage != 1 || r.Pages != 63 {
		t.Errorf("pages = (%d, %d), want (1, 63)", r.FirstPage, r.Pages)
	}
	if r.NoErase {
		t.Error("flash range marked NoErase")
	}
}

// A full flash range spelled out in pages collapses to the mass-erase
// sentinel, same as the default.
func TestResolveFullPageRangeIsMassErase(t *testing.T) {
	p, _, _ := newPlanner(t, 0x440)

	r, err := p.Resolve(flasher.RangeSpec{Pages: 64})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Pages != protocol.MassErase {
		t.Errorf("pages = 0x%x, want mass-erase sentinel", r.Pages)
	}
}

// Addresses outside flash are bounded by their region and never erased.
func TestResolveRAMDisablesErase(t *testing.T) {
	p, _, sess := newPlanner(t, 0x440)

	r, err := p.Resolve(flasher.RangeSpec{Address: sess.Device.RAMStart + 0x100})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !r.NoErase {
		t.Error("RAM range not marked NoErase")
	}
	if r.End != sess.Device.RAMEnd {
		t.Errorf("end = 0x%08x, want RAM end 0x%08x", r.End, sess.Device.RAMEnd)
	}
}

// Feeding a resolved range's bounds back through Resolve yields the
// same range.
func TestResolveIdempotent(t *testing.T) {
	p, _, sess := newPlanner(t, 0x440)

	specs := []flasher.RangeSpec{
		{},
		{Address: sess.Device.FlashStart + 0x400},
		{Address: sess.Device.FlashStart + 0x400, Length: 0x800},
		{StartPage: 2, Pages: 3},
	}
	for _, spec := range specs {
		r, err := p.Resolve(spec)
		if err != nil {
			t.Fatalf("Resolve(%+v): %v", spec, err)
		}
		again, err := p.Resolve(flasher.RangeSpec{Address: r.Start, Length: r.End - r.Start})
		if err != nil {
			t.Fatalf("re-Resolve(%+v): %v", spec, err)
		}
		if again != r {
			t.Errorf("re-resolving %+v changed the range: %+v -> %+v", spec, r, again)
		}
	}
}

func TestResolveRejectsMixedForms(t *testing.T) {
	p, _, sess := newPlanner(t, 0x440)

	_, err := p.Resolve(flasher.RangeSpec{Address: sess.Device.FlashStart + 4, Pages: 2})
	if err == nil {
		t.Error("mixed address and page addressing accepted")
	}
}

func TestResolveLengthBoundsRange(t *testing.T) {
	p, _, sess := newPlanner(t, 0x440)

	r, err := p.Resolve(flasher.RangeSpec{Address: sess.Device.FlashStart + 0x400, Length: 0x800})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.End != sess.Device.FlashStart+0xC00 {
		t.Errorf("end = 0x%08x, want 0x%08x", r.End, sess.Device.FlashStart+0xC00)
	}
	if r.FirstPage != 1 || r.Pages != 2 {
		t.Errorf("pages = (%d, %d), want (1, 2)", r.FirstPage, r.Pages)
	}
}

// Writing an image over the default range mass-erases once and programs
// in maximum-size chunks: 2500 bytes become nine 256-byte exchanges and
// one 196-byte tail.
func TestWriteWholeImage(t *testing.T) {
	p, tgt, _ := newPlanner(t, 0x440)
	data := image(2500)

	r, err := p.Resolve(flasher.RangeSpec{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := p.Write(context.Background(), r, &memSource{data: data}, true); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if tgt.MassErases != 1 {
		t.Errorf("mass erases = %d, want 1", tgt.MassErases)
	}
	want := []int{256, 256, 256, 256, 256, 256, 256, 256, 256, 196}
	if len(tgt.WriteCalls) != len(want) {
		t.Fatalf("write calls = %v, want %v", tgt.WriteCalls, want)
	}
	for i, n := range want {
		if tgt.WriteCalls[i] != n {
			t.Fatalf("write call %d carried %d bytes, want %d", i, tgt.WriteCalls[i], n)
		}
	}
	if tgt.ReadCalls != 10 {
		t.Errorf("verify reads = %d, want 10", tgt.ReadCalls)
	}
	if !bytes.Equal(tgt.Flash[:len(data)], data) {
		t.Error("flash content differs from image")
	}
}

// A corrupted read-back triggers exactly one rewrite of the failing
// chunk; the write still succeeds.
func TestWriteVerifyRewritesChunk(t *testing.T) {
	p, tgt, _ := newPlanner(t, 0x440)
	data := image(2500)

	r, err := p.Resolve(flasher.RangeSpec{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	tgt.CorruptReads = 1
	if err := p.Write(context.Background(), r, &memSource{data: data}, true); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if got := len(tgt.WriteCalls); got != 11 {
		t.Errorf("write calls = %d, want 11 (10 chunks + 1 rewrite)", got)
	}
	if !bytes.Equal(tgt.Flash[:len(data)], data) {
		t.Error("flash content differs from image after rewrite")
	}
}

// Persistent corruption exhausts the retry budget and reports the first
// mismatching byte.
func TestWriteVerifyExhaustsRetries(t *testing.T) {
	dev, _ := device.Lookup(0x440)
	tgt := protocoltest.New(dev)
	sess, err := protocol.Connect(tgt)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	p := flasher.New(sess, flasher.WithRetry(2))

	r, err := p.Resolve(flasher.RangeSpec{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	tgt.CorruptReads = 100
	err = p.Write(context.Background(), r, &memSource{data: image(64)}, true)

	var verr *protocol.VerifyError
	if !errors.As(err, &verr) {
		t.Fatalf("Write error = %v, want VerifyError", err)
	}
	if verr.Address != dev.FlashStart {
		t.Errorf("mismatch address = 0x%08x, want 0x%08x", verr.Address, dev.FlashStart)
	}
}

func TestWriteNoErase(t *testing.T) {
	p, tgt, _ := newPlanner(t, 0x440)

	r, err := p.Resolve(flasher.RangeSpec{NoErase: true})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := p.Write(context.Background(), r, &memSource{data: image(64)}, false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if tgt.MassErases != 0 || len(tgt.EraseCalls) != 0 {
		t.Errorf("erase ran despite NoErase: mass=%d pages=%v", tgt.MassErases, tgt.EraseCalls)
	}
}

// The page-alignment check of a standalone erase must fire before any
// exchange reaches the device.
func TestEraseOnlyRejectsUnaligned(t *testing.T) {
	p, tgt, sess := newPlanner(t, 0x440)

	r := flasher.Range{
		Start:     sess.Device.FlashStart + 2,
		End:       sess.Device.FlashStart + 0x400,
		FirstPage: 0,
		Pages:     1,
	}
	if err := p.EraseOnly(r); err == nil {
		t.Fatal("unaligned erase accepted")
	}
	if tgt.MassErases != 0 || len(tgt.EraseCalls) != 0 {
		t.Error("device was touched despite the alignment error")
	}
}

func TestEraseOnlyPages(t *testing.T) {
	p, tgt, _ := newPlanner(t, 0x440)

	r, err := p.Resolve(flasher.RangeSpec{StartPage: 2, Pages: 3})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := p.EraseOnly(r); err != nil {
		t.Fatalf("EraseOnly: %v", err)
	}
	want := [2]int{2, 3}
	if len(tgt.EraseCalls) != 1 || tgt.EraseCalls[0] != want {
		t.Errorf("erase calls = %v, want [%v]", tgt.EraseCalls, want)
	}
}

func TestReadToSink(t *testing.T) {
	p, tgt, sess := newPlanner(t, 0x440)

	want := image(600)
	copy(tgt.Flash, want)

	r, err := p.Resolve(flasher.RangeSpec{Address: sess.Device.FlashStart, Length: 600})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	var sink memSink
	if err := p.Read(context.Background(), r, &sink); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if !bytes.Equal(sink.data, want) {
		t.Error("sink content differs from flash")
	}
	if tgt.ReadCalls != 3 {
		t.Errorf("read exchanges = %d, want 3 (256+256+88)", tgt.ReadCalls)
	}
}

func TestChecksumMatchesDirectSession(t *testing.T) {
	p, tgt, sess := newPlanner(t, 0x440)
	copy(tgt.Flash, image(256))

	r, err := p.Resolve(flasher.RangeSpec{Address: sess.Device.FlashStart, Length: 256})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got, err := p.Checksum(context.Background(), r)
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	want := protocol.SoftwareCRC(protocol.CRCInitial, tgt.Flash[:256])
	if got != want {
		t.Errorf("checksum = 0x%08x, want 0x%08x", got, want)
	}
}
