package nor

import (
	"fmt"
	"sync"
)

const (
	smallProtectUnit = 4 * 1024
	largeProtectUnit = 64 * 1024
)

// protection tracks write protection in 4KB units. Ranges are rounded
// outwards to the chip's lock granularity: 4KB inside the first and last
// 64KB of the chip, 64KB everywhere else.
type protection struct {
	mu     sync.RWMutex
	size   uint32
	locked []bool
}

func newProtection(size uint32) *protection {
	return &protection{
		size:   size,
		locked: make([]bool, (size+smallProtectUnit-1)/smallProtectUnit),
	}
}

func (p *protection) unitSize(addr uint32) uint32 {
	if addr < largeProtectUnit || p.size < largeProtectUnit || addr >= p.size-largeProtectUnit {
		return smallProtectUnit
	}
	return largeProtectUnit
}

// bounds aligns addr down and addr+length up to the unit containing each end.
func (p *protection) bounds(addr, length uint32) (uint32, uint32) {
	start := addr - addr%p.unitSize(addr)
	last := addr + length - 1
	end := last - last%p.unitSize(last) + p.unitSize(last)
	if end > p.size {
		end = p.size
	}
	return start, end
}

func (p *protection) set(addr, length uint32, v bool) {
	start, end := p.bounds(addr, length)
	p.mu.Lock()
	for u := start / smallProtectUnit; u < (end+smallProtectUnit-1)/smallProtectUnit; u++ {
		p.locked[u] = v
	}
	p.mu.Unlock()
}

func (p *protection) any(addr, length uint32) bool {
	if length == 0 {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for u := addr / smallProtectUnit; u <= (addr+length-1)/smallProtectUnit; u++ {
		if p.locked[u] {
			return true
		}
	}
	return false
}

// Protect write-protects every lock unit touched by [addr, addr+length).
func (c *Chip) Protect(addr, length uint32) error {
	if length == 0 {
		return nil
	}
	if err := c.checkRange(addr, int(length)); err != nil {
		return err
	}
	c.protect.set(addr, length, true)
	return nil
}

// Unprotect removes write protection from every lock unit touched by the range.
func (c *Chip) Unprotect(addr, length uint32) error {
	if length == 0 {
		return nil
	}
	if err := c.checkRange(addr, int(length)); err != nil {
		return err
	}
	c.protect.set(addr, length, false)
	return nil
}

// IsProtected reports whether any byte of the range is write protected.
func (c *Chip) IsProtected(addr, length uint32) (bool, error) {
	if err := c.checkRange(addr, int(length)); err != nil {
		return false, err
	}
	return c.protect.any(addr, length), nil
}

// ProtectedBounds returns the range that Protect(addr, length) would lock.
func (c *Chip) ProtectedBounds(addr, length uint32) (uint32, uint32, error) {
	if length == 0 {
		return 0, 0, fmt.Errorf("%w: empty range", ErrOutOfRange)
	}
	if err := c.checkRange(addr, int(length)); err != nil {
		return 0, 0, err
	}
	start, end := c.protect.bounds(addr, length)
	return start, end, nil
}
