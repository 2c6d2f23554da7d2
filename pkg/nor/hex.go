package nor

import (
	"fmt"
	"io"

	"github.com/marcinbor85/gohex"
)

const hexScanChunk = 256

// ExportHex writes every non-erased region of the chip as Intel HEX. Chip
// offset 0 is emitted at address base.
func ExportHex(w io.Writer, c *Chip, base uint32) error {
	img, err := c.Image()
	if err != nil {
		return err
	}

	mem := gohex.NewMemory()
	add := func(start, end int) error {
		if err := mem.AddBinary(base+uint32(start), img[start:end]); err != nil {
			return fmt.Errorf("failed to add segment at 0x%08x: %w", base+uint32(start), err)
		}
		return nil
	}

	start := -1
	for off := 0; off < len(img); off += hexScanChunk {
		end := off + hexScanChunk
		if end > len(img) {
			end = len(img)
		}
		erased := true
		for _, b := range img[off:end] {
			if b != 0xFF {
				erased = false
				break
			}
		}

		switch {
		case !erased && start < 0:
			start = off
		case erased && start >= 0:
			if err := add(start, off); err != nil {
				return err
			}
			start = -1
		}
	}
	if start >= 0 {
		if err := add(start, len(img)); err != nil {
			return err
		}
	}

	return mem.DumpIntelHex(w, 16)
}

// ImportHex programs every data segment of an Intel HEX stream into the
// chip. Segment addresses are taken relative to base.
func ImportHex(r io.Reader, c *Chip, base uint32) error {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return fmt.Errorf("failed to parse intel hex: %w", err)
	}

	for _, seg := range mem.GetDataSegments() {
		if seg.Address < base {
			return fmt.Errorf("%w: segment 0x%08x below base 0x%08x", ErrOutOfRange, seg.Address, base)
		}
		if err := c.Write(seg.Address-base, seg.Data); err != nil {
			return err
		}
	}
	return nil
}
