package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

const (
	CurrentManifestVersion = 1

	// SystemEntrySize is the slot size of one system log record.
	SystemEntrySize = 16
	// EntryHeaderSize is the size of the {LPA, LPA_inv, crc16} header in front of every page.
	EntryHeaderSize = 4
	// MaxEntriesPerSector bounds the in-sector entry index kept in the mapping tables.
	MaxEntriesPerSector = 256
	// MaxSectorsPerBlock keeps logical page numbers below the 0xFF empty marker.
	MaxSectorsPerBlock = 256
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrInvalidManifest  = errors.New("invalid manifest")
)

// HashAlgorithm selects how the global EEPROM address space is striped
// across banks.
type HashAlgorithm int

const (
	// HashCrossBank assigns consecutive logical pages to consecutive banks.
	HashCrossBank HashAlgorithm = iota
	// HashHybrid assigns consecutive logical blocks to consecutive banks.
	HashHybrid
	// HashSequential fills bank 0 completely before moving to bank 1.
	HashSequential
)

func (h HashAlgorithm) String() string {
	switch h {
	case HashCrossBank:
		return "cross-bank"
	case HashHybrid:
		return "hybrid"
	case HashSequential:
		return "sequential"
	default:
		return fmt.Sprintf("hash(%d)", int(h))
	}
}

// ParseHashAlgorithm accepts the names produced by String.
func ParseHashAlgorithm(s string) (HashAlgorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cross-bank", "crossbank", "page":
		return HashCrossBank, nil
	case "hybrid", "block":
		return HashHybrid, nil
	case "sequential", "bank":
		return HashSequential, nil
	}
	return HashCrossBank, fmt.Errorf("%w: unknown hash algorithm %q", ErrInvalidConfig, s)
}

func (h HashAlgorithm) MarshalText() ([]byte, error) {
	if h < HashCrossBank || h > HashSequential {
		return nil, fmt.Errorf("%w: unknown hash algorithm %d", ErrInvalidConfig, int(h))
	}
	return []byte(h.String()), nil
}

func (h *HashAlgorithm) UnmarshalText(text []byte) error {
	v, err := ParseHashAlgorithm(string(text))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

type Config struct {
	Version int `json:"version"`

	// EEPROM geometry
	SectorSize      uint32   `json:"sector_size"`
	EntrySize       uint32   `json:"entry_size"`
	SectorsPerBlock uint32   `json:"sectors_per_block"`
	BlocksPerBank   uint32   `json:"blocks_per_bank"`
	Banks           uint32   `json:"banks"`
	BankOffsets     []uint32 `json:"bank_offsets"`

	// Flash chip geometry
	FlashSize     uint32 `json:"flash_size"`
	FlashBankSize uint32 `json:"flash_bank_size"` // 0 disables the RWW placement check
	FlashPageSize uint32 `json:"flash_page_size"`

	// Behaviour
	HashAlgorithm        HashAlgorithm `json:"hash_algorithm"`
	PowerCycleProtection bool          `json:"power_cycle_protection"`
	ReadRollback         bool          `json:"read_rollback"`
	ReadRetries          int           `json:"read_retries"`
	WriteRetries         int           `json:"write_retries"`
	WearLevelInterval    uint32        `json:"wear_level_interval"`
	BackgroundEnabled    bool          `json:"background_enabled"`
	BackgroundInterval   int64         `json:"background_interval_ms"`

	mu sync.RWMutex
}

// NewDefaultConfig returns the geometry of a 512Mbit RWW octal flash: four
// 16MB flash banks, 4KB sectors holding one entry each, 32 sectors per block
// and 112 blocks per bank.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentManifestVersion,

		SectorSize:      4096,
		EntrySize:       4096,
		SectorsPerBlock: 32,
		BlocksPerBank:   112,
		Banks:           4,
		BankOffsets:     []uint32{0x00200000, 0x01200000, 0x02200000, 0x03200000},

		FlashSize:     64 * 1024 * 1024,
		FlashBankSize: 16 * 1024 * 1024,
		FlashPageSize: 256,

		HashAlgorithm:        HashCrossBank,
		PowerCycleProtection: true,
		ReadRollback:         true,
		ReadRetries:          2,
		WriteRetries:         2,
		WearLevelInterval:    10000,
		BackgroundEnabled:    true,
		BackgroundInterval:   10000,
	}
}

// NewCompactConfig returns a small geometry (four 16KB flash banks, 512 byte
// sectors with four entries each) used for demos and tests.
func NewCompactConfig() *Config {
	return &Config{
		Version: CurrentManifestVersion,

		SectorSize:      512,
		EntrySize:       128,
		SectorsPerBlock: 8,
		BlocksPerBank:   3,
		Banks:           4,
		BankOffsets:     []uint32{0x0000, 0x4000, 0x8000, 0xC000},

		FlashSize:     64 * 1024,
		FlashBankSize: 16 * 1024,
		FlashPageSize: 64,

		HashAlgorithm:        HashCrossBank,
		PowerCycleProtection: true,
		ReadRollback:         true,
		ReadRetries:          2,
		WriteRetries:         2,
		WearLevelInterval:    64,
		BackgroundEnabled:    false,
		BackgroundInterval:   1000,
	}
}

// ClusterSize is the physical size of one block: data sectors plus the system sector.
func (c *Config) ClusterSize() uint32 {
	return c.SectorSize * c.SectorsPerBlock
}

// BankRegionSize is the physical flash footprint of one EEPROM bank.
func (c *Config) BankRegionSize() uint32 {
	return c.ClusterSize() * c.BlocksPerBank
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.SectorSize == 0 || c.SectorSize%SystemEntrySize != 0 {
		return fmt.Errorf("%w: sector size must be a positive multiple of %d", ErrInvalidConfig, SystemEntrySize)
	}

	if c.EntrySize <= EntryHeaderSize || c.SectorSize%c.EntrySize != 0 {
		return fmt.Errorf("%w: entry size must exceed the header and divide the sector size", ErrInvalidConfig)
	}

	if c.SectorSize/c.EntrySize > MaxEntriesPerSector {
		return fmt.Errorf("%w: at most %d entries per sector", ErrInvalidConfig, MaxEntriesPerSector)
	}

	if c.SectorsPerBlock < 3 || c.SectorsPerBlock > MaxSectorsPerBlock {
		return fmt.Errorf("%w: sectors per block must be between 3 and %d", ErrInvalidConfig, MaxSectorsPerBlock)
	}

	if c.BlocksPerBank == 0 {
		return fmt.Errorf("%w: blocks per bank must be positive", ErrInvalidConfig)
	}

	if c.Banks == 0 {
		return fmt.Errorf("%w: banks must be positive", ErrInvalidConfig)
	}

	if uint32(len(c.BankOffsets)) != c.Banks {
		return fmt.Errorf("%w: expected %d bank offsets, got %d", ErrInvalidConfig, c.Banks, len(c.BankOffsets))
	}

	if c.FlashSize == 0 || c.FlashPageSize == 0 {
		return fmt.Errorf("%w: flash size and flash page size must be positive", ErrInvalidConfig)
	}

	if c.FlashBankSize != 0 && c.FlashSize%c.FlashBankSize != 0 {
		return fmt.Errorf("%w: flash size must be a multiple of the flash bank size", ErrInvalidConfig)
	}

	if err := c.validateBankPlacement(); err != nil {
		return err
	}

	if c.ReadRetries < 0 || c.WriteRetries < 0 {
		return fmt.Errorf("%w: retry counts must not be negative", ErrInvalidConfig)
	}

	if c.WearLevelInterval == 0 {
		return fmt.Errorf("%w: wear level interval must be positive", ErrInvalidConfig)
	}

	if c.BackgroundEnabled && c.BackgroundInterval <= 0 {
		return fmt.Errorf("%w: background interval must be positive", ErrInvalidConfig)
	}

	if c.HashAlgorithm < HashCrossBank || c.HashAlgorithm > HashSequential {
		return fmt.Errorf("%w: unknown hash algorithm %d", ErrInvalidConfig, int(c.HashAlgorithm))
	}

	return nil
}

// validateBankPlacement makes sure every EEPROM bank fits in the chip, is
// sector aligned and, when the chip reports flash banks, lives in a flash
// bank of its own so that reads on one bank are never stalled by program or
// erase traffic on another.
func (c *Config) validateBankPlacement() error {
	region := uint64(c.BankRegionSize())
	usedFlashBanks := make(map[uint32]int)

	for i, off := range c.BankOffsets {
		if off%c.SectorSize != 0 {
			return fmt.Errorf("%w: bank %d offset 0x%08x is not sector aligned", ErrInvalidConfig, i, off)
		}
		end := uint64(off) + region
		if end > uint64(c.FlashSize) {
			return fmt.Errorf("%w: bank %d [0x%08x, 0x%08x) exceeds flash size 0x%08x",
				ErrInvalidConfig, i, off, end, c.FlashSize)
		}

		if c.FlashBankSize != 0 {
			first := off / c.FlashBankSize
			last := uint32((end - 1) / uint64(c.FlashBankSize))
			if first != last {
				return fmt.Errorf("%w: bank %d spans flash banks %d-%d", ErrInvalidConfig, i, first, last)
			}
			if other, ok := usedFlashBanks[first]; ok {
				return fmt.Errorf("%w: banks %d and %d share flash bank %d", ErrInvalidConfig, other, i, first)
			}
			usedFlashBanks[first] = i
			continue
		}

		for j := 0; j < i; j++ {
			o := uint64(c.BankOffsets[j])
			if uint64(off) < o+region && o < end {
				return fmt.Errorf("%w: banks %d and %d overlap", ErrInvalidConfig, j, i)
			}
		}
	}
	return nil
}

// Clone returns a deep copy that does not share the mutex.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := &Config{
		Version:              c.Version,
		SectorSize:           c.SectorSize,
		EntrySize:            c.EntrySize,
		SectorsPerBlock:      c.SectorsPerBlock,
		BlocksPerBank:        c.BlocksPerBank,
		Banks:                c.Banks,
		BankOffsets:          append([]uint32(nil), c.BankOffsets...),
		FlashSize:            c.FlashSize,
		FlashBankSize:        c.FlashBankSize,
		FlashPageSize:        c.FlashPageSize,
		HashAlgorithm:        c.HashAlgorithm,
		PowerCycleProtection: c.PowerCycleProtection,
		ReadRollback:         c.ReadRollback,
		ReadRetries:          c.ReadRetries,
		WriteRetries:         c.WriteRetries,
		WearLevelInterval:    c.WearLevelInterval,
		BackgroundEnabled:    c.BackgroundEnabled,
		BackgroundInterval:   c.BackgroundInterval,
	}
	return n
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
