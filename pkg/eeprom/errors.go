package eeprom

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for out-of-range addresses or lengths
	ErrInvalidArgument = errors.New("eeprom: invalid argument")
	// ErrNoSpace is returned when a block has no free sector left for a write
	ErrNoSpace = errors.New("eeprom: no free sector")
	// ErrNoDevice is returned when the emulator is not initialized
	ErrNoDevice = errors.New("eeprom: not initialized")
	// ErrIO is returned when a raw flash operation fails
	ErrIO = errors.New("eeprom: flash I/O failure")
	// ErrCorrupted is returned when an entry fails its redundancy or checksum check
	ErrCorrupted = errors.New("eeprom: corrupted data")
	// ErrNotFormatted is returned by Init when no valid system entry exists
	ErrNotFormatted = errors.New("eeprom: flash is not formatted")
	// ErrNotPermitted is returned when formatting an initialized emulator
	ErrNotPermitted = errors.New("eeprom: operation not permitted")
	// ErrOS is returned when a bank lock cannot be acquired
	ErrOS = errors.New("eeprom: bank lock unavailable")
)

// Status is the discrete status code reported for an operation.
type Status int

const (
	StatusOK              Status = 0
	StatusInvalidArgument Status = 1
	StatusBadAddress      Status = 2
	StatusNoSpace         Status = 3
	StatusNoDevice        Status = 4
	StatusNoMemory        Status = 5
	StatusIO              Status = 6
	StatusNoSuchAddress   Status = 7
	StatusNotFormatted    Status = 8
	StatusCorrupted       Status = 9
	StatusNotPermitted    Status = 10
	StatusOS              Status = 11
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusInvalidArgument:
		return "EINVAL"
	case StatusBadAddress:
		return "EFAULT"
	case StatusNoSpace:
		return "ENOSPC"
	case StatusNoDevice:
		return "ENODEV"
	case StatusNoMemory:
		return "ENOMEM"
	case StatusIO:
		return "EIO"
	case StatusNoSuchAddress:
		return "ENXIO"
	case StatusNotFormatted:
		return "ENOFS"
	case StatusCorrupted:
		return "EECC"
	case StatusNotPermitted:
		return "EPERM"
	case StatusOS:
		return "EOS"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// StatusOf maps an error returned by the engine to its status code. The
// most specific kind wins: a checksum failure that also counts as an I/O
// failure reports StatusCorrupted.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrInvalidArgument):
		return StatusInvalidArgument
	case errors.Is(err, ErrNoSpace):
		return StatusNoSpace
	case errors.Is(err, ErrNoDevice):
		return StatusNoDevice
	case errors.Is(err, ErrNotFormatted):
		return StatusNotFormatted
	case errors.Is(err, ErrCorrupted):
		return StatusCorrupted
	case errors.Is(err, ErrNotPermitted):
		return StatusNotPermitted
	case errors.Is(err, ErrOS):
		return StatusOS
	default:
		return StatusIO
	}
}

// errorKind is the short label used for error counters.
func errorKind(err error) string {
	switch StatusOf(err) {
	case StatusInvalidArgument:
		return "invalid_argument"
	case StatusNoSpace:
		return "no_space"
	case StatusNoDevice:
		return "no_device"
	case StatusNotFormatted:
		return "not_formatted"
	case StatusCorrupted:
		return "corrupted"
	case StatusNotPermitted:
		return "not_permitted"
	case StatusOS:
		return "os"
	default:
		return "io"
	}
}
