// Package device holds the static catalog of STM32 target profiles the
// bootloader can be asked to flash. Adding support for a new chip is a
// data change here, never a protocol change.
package device

// Quirk flags. Some chips cannot mass-erase over the bootloader; some
// need a special register poke instead of a plain core reset to leave
// the factory bootloader after programming a blank part.
const (
	FlagNoMassErase = 1 << iota
	FlagOBLLaunch
	FlagPEmpty
)

// Profile describes one target chip family as seen by the bootloader.
//
// Address ranges are half-open except the option-byte range, whose end
// is inclusive (matching the reference manuals, where the option area is
// quoted as first..last byte).
type Profile struct {
	ID   uint16
	Name string

	RAMStart uint32
	RAMEnd   uint32

	FlashStart uint32
	FlashEnd   uint32

	// PagesPerSector is the page count of the first size tier, kept for
	// the device banner.
	PagesPerSector int

	// PageSizes lists the erase granularity page by page: entry i is the
	// size of page i, and the final entry repeats for the remainder of
	// flash. A single entry means uniform pages.
	PageSizes []uint32

	OptStart uint32
	OptEnd   uint32

	MemStart uint32
	MemEnd   uint32

	Flags uint8
}

// Page size tiers shared between profiles.
var (
	pages128  = []uint32{0x80}
	pages256  = []uint32{0x100}
	pages1K   = []uint32{0x400}
	pages2K   = []uint32{0x800}
	pagesF2F4 = []uint32{0x4000, 0x4000, 0x4000, 0x4000, 0x10000, 0x20000}
)

// catalog is ordered only for the benefit of `list-devices` output.
var catalog = []Profile{
	{0x410, "STM32F10xxx Medium-density", 0x20000200, 0x20005000, 0x08000000, 0x08020000, 4, pages1K, 0x1FFFF800, 0x1FFFF80F, 0x1FFFF000, 0x1FFFF800, 0},
	{0x412, "STM32F10xxx Low-density", 0x20000200, 0x20002800, 0x08000000, 0x08008000, 4, pages1K, 0x1FFFF800, 0x1FFFF80F, 0x1FFFF000, 0x1FFFF800, 0},
	{0x413, "STM32F40xxx/41xxx", 0x20003000, 0x20020000, 0x08000000, 0x08100000, 4, pagesF2F4, 0x1FFFC000, 0x1FFFC00F, 0x1FFF0000, 0x1FFF7800, 0},
	{0x414, "STM32F10xxx High-density", 0x20000200, 0x20010000, 0x08000000, 0x08080000, 2, pages2K, 0x1FFFF800, 0x1FFFF80F, 0x1FFFF000, 0x1FFFF800, 0},
	{0x416, "STM32L1xxx6(8/B)", 0x20000800, 0x20004000, 0x08000000, 0x08020000, 16, pages256, 0x1FF80000, 0x1FF8001F, 0x1FF00000, 0x1FF01000, FlagNoMassErase},
	{0x417, "STM32L05xxx/06xxx", 0x20001000, 0x20002000, 0x08000000, 0x08010000, 32, pages128, 0x1FF80000, 0x1FF8001F, 0x1FF00000, 0x1FF01000, 0},
	{0x420, "STM32F10xxx Medium-density VL", 0x20000200, 0x20002000, 0x08000000, 0x08020000, 4, pages1K, 0x1FFFF800, 0x1FFFF80F, 0x1FFFF000, 0x1FFFF800, 0},
	{0x440, "STM32F030x8/F05xxx", 0x20000800, 0x20002000, 0x08000000, 0x08010000, 4, pages1K, 0x1FFFF800, 0x1FFFF80F, 0x1FFFEC00, 0x1FFFF800, FlagOBLLaunch},
	{0x444, "STM32F03xx4/6", 0x20000800, 0x20001000, 0x08000000, 0x08008000, 4, pages1K, 0x1FFFF800, 0x1FFFF80F, 0x1FFFEC00, 0x1FFFF800, FlagOBLLaunch},
	{0x448, "STM32F07xxx", 0x20001800, 0x20004000, 0x08000000, 0x08020000, 2, pages2K, 0x1FFFF800, 0x1FFFF80F, 0x1FFFC800, 0x1FFFF800, FlagOBLLaunch},
	{0x462, "STM32L45xxx/46xxx", 0x20003100, 0x20028000, 0x08000000, 0x08080000, 1, pages2K, 0x1FF97800, 0x1FF9780F, 0x1FFF0000, 0x1FFF7000, FlagPEmpty},
	{0x4A6, "GD32VF103x8/xB", 0x20000400, 0x20008000, 0x08000000, 0x08020000, 4, pages1K, 0x1FFFF800, 0x1FFFF80F, 0x1FFFB000, 0x1FFFF800, 0},
}

// Lookup resolves a PID read back by the GID command. The second return
// is false for unknown parts.
func Lookup(pid uint16) (*Profile, bool) {
	for i := range catalog {
		if catalog[i].ID == pid {
			return &catalog[i], true
		}
	}
	return nil, false
}

// All returns the full catalog, for display.
func All() []Profile {
	return catalog
}

func (p *Profile) InRAM(addr uint32) bool {
	return addr >= p.RAMStart && addr < p.RAMEnd
}

func (p *Profile) InFlash(addr uint32) bool {
	return addr >= p.FlashStart && addr < p.FlashEnd
}

func (p *Profile) InOptionBytes(addr uint32) bool {
	return addr >= p.OptStart && addr <= p.OptEnd
}

func (p *Profile) InSysMem(addr uint32) bool {
	return addr >= p.MemStart && addr < p.MemEnd
}

// PageFloor returns the page containing addr. Addresses outside flash
// map to page 0.
func (p *Profile) PageFloor(addr uint32) int {
	if !p.InFlash(addr) {
		return 0
	}
	page, _ := p.walkPages(addr)
	return page
}

// PageCeil returns the first page whose start address is >= addr. The
// flash end address (one past the last byte) is accepted.
func (p *Profile) PageCeil(addr uint32) int {
	if addr < p.FlashStart || addr > p.FlashEnd {
		return 0
	}
	page, rem := p.walkPages(addr)
	if rem != 0 {
		return page + 1
	}
	return page
}

// PageAddr returns the start address of the given page.
func (p *Profile) PageAddr(page int) uint32 {
	addr := p.FlashStart
	tier := 0
	for i := 0; i < page; i++ {
		addr += p.PageSizes[tier]
		if tier+1 < len(p.PageSizes) {
			tier++
		}
	}
	return addr
}

// walkPages walks the tiered page table from the start of flash,
// returning the page index that covers addr and the offset of addr into
// that page.
func (p *Profile) walkPages(addr uint32) (page int, rem uint32) {
	off := addr - p.FlashStart
	tier := 0
	for off >= p.PageSizes[tier] {
		off -= p.PageSizes[tier]
		page++
		if tier+1 < len(p.PageSizes) {
			tier++
		}
	}
	return page, off
}
