package eeprom

import (
	"bytes"
	"testing"

	"github.com/KevoDB/rwwee/pkg/nor"
)

// putEntry programs a valid entry of lpa into block 0 of bank 0.
func putEntry(t *testing.T, e *Engine, chip *nor.Chip, sector, entry, lpa int, payload []byte) {
	t.Helper()
	programEntry(t, e, chip, sector, entry, lpa, payload, false)
}

// putDamagedEntry programs an entry whose header is valid but whose
// checksum does not match the payload.
func putDamagedEntry(t *testing.T, e *Engine, chip *nor.Chip, sector, entry, lpa int, payload []byte) {
	t.Helper()
	programEntry(t, e, chip, sector, entry, lpa, payload, true)
}

func programEntry(t *testing.T, e *Engine, chip *nor.Chip, sector, entry, lpa int, payload []byte, damaged bool) {
	t.Helper()
	buf := bytes.Repeat([]byte{erased8}, int(e.lay.EntrySize))
	copy(buf[headerSize:], payload)
	sum := crc16(buf[headerSize:])
	if damaged {
		sum = ^sum
	}
	header{lpa: uint8(lpa), lpaInv: ^uint8(lpa), crc: sum}.encode(buf)

	addr := uint32(sector)*e.lay.SectorSize + uint32(entry)*e.lay.EntrySize
	if err := chip.Write(addr, buf); err != nil {
		t.Fatalf("Failed to program entry: %v", err)
	}
}

func sectorErased(t *testing.T, e *Engine, chip *nor.Chip, sector int) bool {
	t.Helper()
	buf := make([]byte, e.lay.SectorSize)
	if err := chip.Read(uint32(sector)*e.lay.SectorSize, buf); err != nil {
		t.Fatalf("Failed to read sector %d: %v", sector, err)
	}
	return allErased(buf)
}

func TestBuildMappingResolvesConflicts(t *testing.T) {
	tests := []struct {
		name     string
		older    int // entries of the page in sector 1
		damaged  int // sector whose latest copy fails its checksum, 0 for none
		kept     int
		victim   int
		expected byte
	}{
		// Sector 1 still has room, so sector 4 is a stray copy
		{"append target wins", 2, 0, 1, 4, 0x11},
		// Sector 1 is full, so sector 4 is the rollover target
		{"rollover target wins", 4, 0, 4, 1, 0x40},
		// A rollover copy cut short while programming loses to the full sector
		{"damaged rollover target loses", 4, 4, 1, 4, 0x13},
		// A damaged latest entry in the append target loses to the stray copy
		{"damaged append target loses", 2, 1, 4, 1, 0x40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, chip := setupEngine(t, nil)
			page := int(e.lay.PageSize)
			const lpa = 2

			for i := 0; i < tt.older; i++ {
				payload := bytes.Repeat([]byte{byte(0x10 + i)}, page)
				if tt.damaged == 1 && i == tt.older-1 {
					putDamagedEntry(t, e, chip, 1, i, lpa, payload)
				} else {
					putEntry(t, e, chip, 1, i, lpa, payload)
				}
			}
			if tt.damaged == 4 {
				putDamagedEntry(t, e, chip, 4, 0, lpa, bytes.Repeat([]byte{0x40}, page))
			} else {
				putEntry(t, e, chip, 4, 0, lpa, bytes.Repeat([]byte{0x40}, page))
			}

			got := make([]byte, page)
			if err := e.Read(lpaAddr(e, lpa), got); err != nil {
				t.Fatalf("Failed to read: %v", err)
			}
			if !bytes.Equal(got, bytes.Repeat([]byte{tt.expected}, page)) {
				t.Errorf("Expected payload 0x%02x, got 0x%02x", tt.expected, got[0])
			}

			b := e.banks[0]
			if b.l2ps[lpa] != tt.kept {
				t.Errorf("Expected lpa %d in sector %d, got %d", lpa, tt.kept, b.l2ps[lpa])
			}
			if !sectorErased(t, e, chip, tt.victim) {
				t.Errorf("Expected sector %d to be reclaimed", tt.victim)
			}
			if b.p2l[tt.victim] != sectorFree {
				t.Errorf("Expected sector %d to be free, got %d", tt.victim, b.p2l[tt.victim])
			}
		})
	}
}

func TestBuildMappingReclaimsInvalidSectors(t *testing.T) {
	e, chip := setupEngine(t, nil)
	page := int(e.lay.PageSize)

	// lpa beyond the block
	putEntry(t, e, chip, 2, 0, e.lay.LPAsPerBlock, make([]byte, page))
	// inconsistent header
	if err := chip.Write(3*e.lay.SectorSize, []byte{0x01, 0x01, 0x00, 0x00}); err != nil {
		t.Fatalf("Failed to program header: %v", err)
	}
	putEntry(t, e, chip, 5, 0, 1, bytes.Repeat([]byte{0x77}, page))

	if err := e.Read(0, make([]byte, 1)); err != nil {
		t.Fatalf("Failed to read: %v", err)
	}

	for _, s := range []int{2, 3} {
		if !sectorErased(t, e, chip, s) {
			t.Errorf("Expected sector %d to be reclaimed", s)
		}
	}
	if sectorErased(t, e, chip, 5) {
		t.Error("Valid sector 5 must be kept")
	}
	if e.banks[0].l2ps[1] != 5 {
		t.Errorf("Expected lpa 1 in sector 5, got %d", e.banks[0].l2ps[1])
	}
}

func TestFindLatest(t *testing.T) {
	e, chip := setupEngine(t, nil)
	page := int(e.lay.PageSize)
	eps := e.lay.EntriesPerSector

	putEntry(t, e, chip, 3, 0, 0, make([]byte, page))
	putEntry(t, e, chip, 3, 1, 0, make([]byte, page))
	putEntry(t, e, chip, 3, 2, 0, make([]byte, page))

	b := e.banks[0]
	if err := b.lock.acquire(); err != nil {
		t.Fatalf("Failed to lock: %v", err)
	}
	defer b.lock.release()

	if err := e.buildMapping(b, 0); err != nil {
		t.Fatalf("Failed to build mapping: %v", err)
	}

	if got := e.findLatest(b, 0, false); got != 3*eps+2 {
		t.Errorf("Expected latest entry %d, got %d", 3*eps+2, got)
	}
	if got := e.findLatest(b, 0, true); got != 3*eps+3 {
		t.Errorf("Expected free entry %d, got %d", 3*eps+3, got)
	}
	if got := e.findLatest(b, 1, false); got != none {
		t.Errorf("Expected none for an unmapped page, got %d", got)
	}

	// Fill the last slot: no free entry left in the sector
	putEntry(t, e, chip, 3, 3, 0, make([]byte, page))
	b.l2pe[0] = none
	if got := e.findLatest(b, 0, true); got != none {
		t.Errorf("Expected none for a full sector, got %d", got)
	}
	if b.l2pe[0] != 3 {
		t.Errorf("Expected last entry 3 to be cached, got %d", b.l2pe[0])
	}
}

func TestSearchFreeRelocates(t *testing.T) {
	e, _ := setupEngine(t, nil)

	if err := e.SyncWrite(0, []byte("relocate")); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	b := e.banks[0]
	cur := b.l2ps[0]
	eps := e.lay.EntriesPerSector

	entry, err := e.searchFree(b, 0, false)
	if err != nil {
		t.Fatalf("Failed to search: %v", err)
	}
	if entry != cur*eps+1 {
		t.Errorf("Expected append at %d, got %d", cur*eps+1, entry)
	}

	for i := 0; i < 20; i++ {
		entry, err := e.searchFree(b, 0, true)
		if err != nil {
			t.Fatalf("Failed to search: %v", err)
		}
		if entry%eps != 0 || entry/eps == cur {
			t.Fatalf("Relocation must start a fresh sector, got entry %d", entry)
		}
	}
}

func TestWritePageRejectsInvalidPage(t *testing.T) {
	e, _ := setupEngine(t, nil)
	b := e.banks[0]

	if err := e.writePage(b, 0, false); StatusOf(err) != StatusInvalidArgument {
		t.Errorf("Expected EINVAL without a mapped block, got %v", err)
	}
	b.block = 0
	if err := e.writePage(b, e.lay.LPAsPerBlock, false); StatusOf(err) != StatusInvalidArgument {
		t.Errorf("Expected EINVAL for an lpa past the block, got %v", err)
	}
	if err := e.buildMapping(b, e.lay.BlocksPerBank); StatusOf(err) != StatusInvalidArgument {
		t.Errorf("Expected EINVAL for a block past the bank, got %v", err)
	}
}
