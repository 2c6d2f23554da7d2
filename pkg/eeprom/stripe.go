package eeprom

import "github.com/KevoDB/rwwee/pkg/config"

// stripe maps a global logical address to a bank and a bank-local address.
type stripe interface {
	locate(addr uint32) (bank int, local uint32)
}

func newStripe(alg config.HashAlgorithm, lay Layout) stripe {
	switch alg {
	case config.HashHybrid:
		return hybridStripe{blockSize: lay.BlockSize, banks: uint32(lay.Banks)}
	case config.HashSequential:
		return sequentialStripe{bankSize: lay.BankSize}
	default:
		return crossBankStripe{pageSize: lay.PageSize, banks: uint32(lay.Banks)}
	}
}

// crossBankStripe deals consecutive pages to consecutive banks.
type crossBankStripe struct {
	pageSize uint32
	banks    uint32
}

func (s crossBankStripe) locate(addr uint32) (int, uint32) {
	page := addr / s.pageSize
	return int(page % s.banks), (page/s.banks)*s.pageSize + addr%s.pageSize
}

// hybridStripe deals consecutive blocks to consecutive banks.
type hybridStripe struct {
	blockSize uint32
	banks     uint32
}

func (s hybridStripe) locate(addr uint32) (int, uint32) {
	blk := addr / s.blockSize
	return int(blk % s.banks), (blk/s.banks)*s.blockSize + addr%s.blockSize
}

// sequentialStripe concatenates the banks.
type sequentialStripe struct {
	bankSize uint32
}

func (s sequentialStripe) locate(addr uint32) (int, uint32) {
	return int(addr / s.bankSize), addr % s.bankSize
}
