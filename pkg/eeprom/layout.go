package eeprom

import "github.com/KevoDB/rwwee/pkg/config"

// Layout is the geometry derived from a configuration. Logical sizes count
// page payload bytes only; physical sizes include headers, the spare sector
// and the system sector.
type Layout struct {
	SectorSize       uint32
	EntrySize        uint32
	PageSize         uint32
	EntriesPerSector int
	SectorsPerBlock  int
	DataSectors      int
	LPAsPerBlock     int
	EntriesPerBlock  int
	SystemSector     int
	SystemEntries    int
	BlocksPerBank    int
	Banks            int

	ClusterSize uint32 // physical bytes per block
	BlockSize   uint32 // logical bytes per block
	BankSize    uint32 // logical bytes per bank
	TotalSize   uint32 // logical bytes of the whole emulator
}

// NewLayout computes the layout for a validated configuration.
func NewLayout(cfg *config.Config) Layout {
	l := Layout{
		SectorSize:       cfg.SectorSize,
		EntrySize:        cfg.EntrySize,
		PageSize:         cfg.EntrySize - headerSize,
		EntriesPerSector: int(cfg.SectorSize / cfg.EntrySize),
		SectorsPerBlock:  int(cfg.SectorsPerBlock),
		BlocksPerBank:    int(cfg.BlocksPerBank),
		Banks:            int(cfg.Banks),
		SystemEntries:    int(cfg.SectorSize / config.SystemEntrySize),
		ClusterSize:      cfg.SectorSize * cfg.SectorsPerBlock,
	}
	l.SystemSector = l.SectorsPerBlock - 1
	l.DataSectors = l.SystemSector
	l.LPAsPerBlock = l.DataSectors - 1
	l.EntriesPerBlock = l.EntriesPerSector * l.DataSectors
	l.BlockSize = l.PageSize * uint32(l.LPAsPerBlock)
	l.BankSize = l.BlockSize * uint32(l.BlocksPerBank)
	l.TotalSize = l.BankSize * uint32(l.Banks)
	return l
}
