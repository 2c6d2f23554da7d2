package eeprom

// Port is the raw flash driver the emulator runs on. Addresses are absolute
// flash addresses. Every call blocks until the operation completed or
// failed. Erase lengths are whole sectors.
//
// Implementations must let a read of one flash bank proceed while another
// bank is being programmed or erased; *nor.Chip does.
type Port interface {
	Read(addr uint32, buf []byte) error
	Write(addr uint32, buf []byte) error
	Erase(addr, length uint32) error
}
