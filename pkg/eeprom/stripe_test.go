package eeprom

import (
	"testing"

	"github.com/KevoDB/rwwee/pkg/config"
)

func TestStripeLocate(t *testing.T) {
	lay := NewLayout(config.NewCompactConfig())

	tests := []struct {
		alg   config.HashAlgorithm
		addr  uint32
		bank  int
		local uint32
	}{
		{config.HashCrossBank, 0, 0, 0},
		{config.HashCrossBank, 124, 1, 0},
		{config.HashCrossBank, 130, 1, 6},
		{config.HashCrossBank, 4 * 124, 0, 124},
		{config.HashCrossBank, 8927, 3, 2231},
		{config.HashHybrid, 743, 0, 743},
		{config.HashHybrid, 744, 1, 0},
		{config.HashHybrid, 4*744 + 5, 0, 749},
		{config.HashSequential, 2231, 0, 2231},
		{config.HashSequential, 2232, 1, 0},
		{config.HashSequential, 8927, 3, 2231},
	}

	for _, tt := range tests {
		bank, local := newStripe(tt.alg, lay).locate(tt.addr)
		if bank != tt.bank || local != tt.local {
			t.Errorf("%s 0x%x: expected (%d, %d), got (%d, %d)", tt.alg, tt.addr, tt.bank, tt.local, bank, local)
		}
	}
}

func TestStripeIsBijective(t *testing.T) {
	lay := NewLayout(config.NewCompactConfig())

	for _, alg := range []config.HashAlgorithm{config.HashCrossBank, config.HashHybrid, config.HashSequential} {
		s := newStripe(alg, lay)
		seen := make([]bool, lay.TotalSize)

		for addr := uint32(0); addr < lay.TotalSize; addr++ {
			bank, local := s.locate(addr)
			if bank < 0 || bank >= lay.Banks || local >= lay.BankSize {
				t.Fatalf("%s 0x%x: (%d, %d) out of range", alg, addr, bank, local)
			}
			idx := uint32(bank)*lay.BankSize + local
			if seen[idx] {
				t.Fatalf("%s 0x%x: (%d, %d) mapped twice", alg, addr, bank, local)
			}
			seen[idx] = true
		}
	}
}

// A page never straddles banks: consecutive addresses inside a page stay
// on one bank and one page.
func TestStripeKeepsPagesWhole(t *testing.T) {
	lay := NewLayout(config.NewCompactConfig())

	for _, alg := range []config.HashAlgorithm{config.HashCrossBank, config.HashHybrid, config.HashSequential} {
		s := newStripe(alg, lay)
		for addr := uint32(0); addr < lay.TotalSize; addr += lay.PageSize {
			bank, local := s.locate(addr)
			last, lastLocal := s.locate(addr + lay.PageSize - 1)
			if bank != last || lastLocal != local+lay.PageSize-1 {
				t.Fatalf("%s: page at 0x%x is split", alg, addr)
			}
		}
	}
}
