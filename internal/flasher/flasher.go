// Package flasher turns user-level flash requests into bootloader
// protocol exchanges. It resolves address/length or page parameters
// against the device geometry and runs the read, write, erase, CRC and
// protect actions, with write verification under a bounded retry budget.
package flasher

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/Benedict-Carling/FluidTerm2/internal/image"
	"github.com/Benedict-Carling/FluidTerm2/internal/protocol"
	"github.com/Benedict-Carling/FluidTerm2/internal/serial"
)

// ProgressFunc reports action progress in bytes.
type ProgressFunc func(done, total int)

// RangeSpec is the user-level addressing input of an action. Address
// and Length select a byte range; StartPage and Pages select flash
// pages. The two forms are mutually exclusive; all zero means the
// entire flash.
type RangeSpec struct {
	Address   uint32
	Length    uint32
	StartPage int
	Pages     int

	// NoErase skips the erase phase of a write even when the resolved
	// range lies in flash (the "erase zero pages" request).
	NoErase bool
}

// Range is a resolved action range: a half-open byte interval plus the
// flash pages covering it. Pages may hold protocol.MassErase.
type Range struct {
	Start     uint32
	End       uint32
	FirstPage int
	Pages     int

	// NoErase is set for ranges outside flash, where erasing makes no
	// sense, or carried over from the RangeSpec.
	NoErase bool
}

// Planner carries one flashing invocation: the session, the negotiated
// frame bounds and the retry budget. It is not safe for concurrent use;
// run it to completion before releasing the port to other consumers.
type Planner struct {
	sess     *protocol.Session
	rxMax    int
	txMax    int
	retry    int
	log      *slog.Logger
	progress ProgressFunc
}

// Option configures a Planner.
type Option func(*Planner)

// WithFrameLimits bounds a single protocol exchange to the transport's
// negotiated RX and TX frame sizes.
func WithFrameLimits(rx, tx int) Option {
	return func(p *Planner) { p.rxMax, p.txMax = rx, tx }
}

// WithRetry sets how many times a chunk failing verification is
// rewritten before the action fails.
func WithRetry(n int) Option {
	return func(p *Planner) { p.retry = n }
}

// WithLogger routes the planner's diagnostics through l.
func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) { p.log = l }
}

// New builds a planner around an established session.
func New(sess *protocol.Session, opts ...Option) *Planner {
	p := &Planner{
		sess:  sess,
		rxMax: serial.MaxRxFrame,
		txMax: serial.MaxTxFrame,
		retry: 10,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetProgressCallback sets the progress callback function.
func (p *Planner) SetProgressCallback(cb ProgressFunc) {
	p.progress = cb
}

func (p *Planner) report(done, total int) {
	if p.progress != nil {
		p.progress(done, total)
	}
}

// Resolve turns the user-level addressing inputs into a concrete range.
//
// An explicit address is classified by region: inside flash the range
// extends to the flash end; inside RAM, option bytes or system memory it
// extends to that region's end with erase disabled; anywhere else it is
// best-effort raw access of the given length (default one word). A
// range covering the whole flash is substituted with the mass-erase
// sentinel, also when the caller spelled it out in pages.
func (p *Planner) Resolve(spec RangeSpec) (Range, error) {
	dev := p.sess.Device
	byAddr := spec.Address != 0 || spec.Length != 0
	byPage := spec.StartPage != 0 || spec.Pages != 0
	if byAddr && byPage {
		return Range{}, fmt.Errorf("can't specify both start page/page count and start address/length")
	}

	r := Range{NoErase: spec.NoErase}
	switch {
	case byAddr:
		r.Start = spec.Address
		if dev.InFlash(r.Start) {
			r.End = dev.FlashEnd
		} else {
			r.NoErase = true
			switch {
			case dev.InRAM(r.Start):
				r.End = dev.RAMEnd
			case dev.InOptionBytes(r.Start):
				r.End = dev.OptEnd + 1
			case dev.InSysMem(r.Start):
				r.End = dev.MemEnd
			case spec.Length != 0:
				r.End = r.Start + spec.Length
			default:
				r.End = r.Start + 4
			}
		}
		if spec.Length != 0 && r.End > r.Start+spec.Length {
			r.End = r.Start + spec.Length
		}
		r.FirstPage = dev.PageFloor(r.Start)
		if r.FirstPage == 0 && r.End == dev.FlashEnd {
			r.Pages = protocol.MassErase
		} else {
			r.Pages = dev.PageCeil(r.End) - r.FirstPage
		}
	case byPage:
		r.FirstPage = spec.StartPage
		r.Start = dev.PageAddr(r.FirstPage)
		if r.Start > dev.FlashEnd {
			return Range{}, fmt.Errorf("address range exceeds flash size")
		}
		if spec.Pages != 0 {
			r.Pages = spec.Pages
			r.End = dev.PageAddr(r.FirstPage + r.Pages)
			if r.End > dev.FlashEnd {
				r.End = dev.FlashEnd
			}
		} else {
			r.End = dev.FlashEnd
			r.Pages = dev.PageCeil(r.End) - r.FirstPage
		}
		if r.FirstPage == 0 && r.End == dev.FlashEnd {
			r.Pages = protocol.MassErase
		}
	default:
		r.Start = dev.FlashStart
		r.End = dev.FlashEnd
		r.Pages = protocol.MassErase
	}
	return r, nil
}

// Read streams [r.Start, r.End) from the target into sink in chunks of
// the negotiated RX frame size.
func (p *Planner) Read(ctx context.Context, r Range, sink image.Sink) error {
	buf := make([]byte, p.rxMax)
	total := int(r.End - r.Start)
	done := 0

	for addr := r.Start; addr < r.End; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(p.rxMax, int(r.End-addr))
		if err := p.sess.ReadMemory(addr, buf[:n]); err != nil {
			return fmt.Errorf("failed to read memory at address 0x%08x, target read-protected?: %w", addr, err)
		}
		if err := sink.Write(buf[:n]); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		addr += uint32(n)
		done += n
		p.report(done, total)
	}
	return nil
}

// Write pulls the image from src and programs it into [r.Start, r.End),
// erasing the covered pages first unless the range disables it. With
// verify set, every chunk is read back and compared; a mismatching
// chunk is rewritten up to the retry budget before the action fails.
func (p *Planner) Write(ctx context.Context, r Range, src image.Source, verify bool) error {
	if !r.NoErase && r.Pages != 0 {
		p.log.Info("erasing memory", "firstPage", r.FirstPage, "pages", r.Pages)
		if err := p.sess.EraseMemory(r.FirstPage, r.Pages); err != nil {
			return fmt.Errorf("failed to erase memory: %w", err)
		}
	}

	maxWrite := (p.txMax - 2) &^ 3
	maxRead := min(p.rxMax, maxWrite)
	size := src.Size()

	buf := make([]byte, maxWrite)
	cmp := make([]byte, maxWrite)
	addr := r.Start
	offset := 0
	failed := 0

	for addr < r.End && offset < size {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(maxWrite, int(r.End-addr), size-offset)
		if _, err := io.ReadFull(src, buf[:n]); err != nil {
			return fmt.Errorf("failed to read image: %w", err)
		}

		for {
			if err := p.sess.WriteMemory(addr, buf[:n]); err != nil {
				return fmt.Errorf("failed to write memory at address 0x%08x: %w", addr, err)
			}
			if !verify {
				break
			}
			mismatch, ok, err := p.readBack(addr, buf[:n], cmp[:n], maxRead)
			if err != nil {
				return err
			}
			if ok {
				failed = 0
				break
			}
			if failed == p.retry {
				return &protocol.VerifyError{
					Address:  mismatch,
					Expected: buf[mismatch-addr],
					Actual:   cmp[mismatch-addr],
				}
			}
			failed++
			p.log.Warn("verify mismatch, rewriting chunk",
				"address", fmt.Sprintf("0x%08x", mismatch), "attempt", failed)
		}

		addr += uint32(n)
		offset += n
		p.report(offset, size)
	}
	return nil
}

// readBack re-reads the chunk just written and locates the first
// mismatching byte, if any.
func (p *Planner) readBack(addr uint32, want, got []byte, maxRead int) (uint32, bool, error) {
	for off := 0; off < len(want); off += maxRead {
		n := min(maxRead, len(want)-off)
		if err := p.sess.ReadMemory(addr+uint32(off), got[off:off+n]); err != nil {
			return 0, false, fmt.Errorf("failed to read memory at address 0x%08x: %w", addr+uint32(off), err)
		}
	}
	for i := range want {
		if want[i] != got[i] {
			return addr + uint32(i), false, nil
		}
	}
	return 0, true, nil
}

// EraseOnly erases the resolved range. Unless the range is the
// mass-erase sentinel, its bounds must land exactly on page boundaries;
// the check happens before any exchange touches the device.
func (p *Planner) EraseOnly(r Range) error {
	dev := p.sess.Device
	if r.Pages != protocol.MassErase &&
		(r.Start != dev.PageAddr(r.FirstPage) || r.End != dev.PageAddr(r.FirstPage+r.Pages)) {
		return fmt.Errorf("%w: specified start and length are invalid (must be page aligned)", protocol.ErrUnknown)
	}
	return p.sess.EraseMemory(r.FirstPage, r.Pages)
}

// Checksum computes the CRC of the resolved range, preferring the
// device's CRC command and falling back to the software engine.
func (p *Planner) Checksum(ctx context.Context, r Range) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return p.sess.Checksum(r.Start, r.End-r.Start, func(done, total uint32) {
		p.report(int(done), int(total))
	})
}

// WriteUnprotect disables flash write protection. The device resets
// itself after acknowledging; callers must not reuse the session.
func (p *Planner) WriteUnprotect() error { return p.sess.WriteUnprotect() }

// ReadoutProtect enables flash readout protection. The device resets
// itself after acknowledging.
func (p *Planner) ReadoutProtect() error { return p.sess.ReadoutProtect() }

// ReadoutUnprotect disables readout protection, mass-erasing the flash.
// The device resets itself after acknowledging.
func (p *Planner) ReadoutUnprotect() error { return p.sess.ReadoutUnprotect() }

// Execute starts the target running at addr; zero selects the flash
// start. The session is unusable afterwards.
func (p *Planner) Execute(addr uint32) error {
	if addr == 0 {
		addr = p.sess.Device.FlashStart
	}
	return p.sess.Go(addr)
}

// Reset forces a clean device reset through the injected reset stub.
func (p *Planner) Reset() error { return p.sess.ResetDevice() }
