package nor

import (
	"fmt"
	"io"
	"os"
)

var erasedBuf = func() []byte {
	b := make([]byte, 65536)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}()

// Backing stores the raw contents of a chip.
type Backing interface {
	io.ReaderAt
	io.WriterAt
}

type memoryBacking struct {
	data []byte
}

// NewMemoryBacking returns an erased in-memory backing of size bytes.
func NewMemoryBacking(size uint32) Backing {
	m := &memoryBacking{data: make([]byte, size)}
	copy(m.data, erasedBuf)
	for filled := len(erasedBuf); filled < len(m.data); filled *= 2 {
		copy(m.data[filled:], m.data[:filled])
	}
	return m
}

func (m *memoryBacking) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memoryBacking) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("write [%d, +%d) outside backing of %d bytes", off, len(p), len(m.data))
	}
	return copy(m.data[off:], p), nil
}

type offsetBacking struct {
	backing Backing
	offset  int64
}

// NewOffsetBacking exposes backing shifted by offset, so a chip can live at
// an offset inside a larger image.
func NewOffsetBacking(backing Backing, offset int64) Backing {
	return &offsetBacking{
		backing: backing,
		offset:  offset,
	}
}

func (o *offsetBacking) ReadAt(p []byte, off int64) (int, error) {
	return o.backing.ReadAt(p, off+o.offset)
}

func (o *offsetBacking) WriteAt(p []byte, off int64) (int, error) {
	return o.backing.WriteAt(p, off+o.offset)
}

// WriteErased writes length bytes of 0xFF at off.
func WriteErased(w io.WriterAt, off, length int64) (int64, error) {
	n := int64(0)
	for length > 0 {
		writeLen := len(erasedBuf)
		if int64(writeLen) > length {
			writeLen = int(length)
		}

		written, err := w.WriteAt(erasedBuf[:writeLen], off+n)
		n += int64(written)
		length -= int64(written)
		if err != nil {
			return n, err
		}
	}

	return n, nil
}

// OpenFileBacking opens (creating if needed) a flash image file and extends
// it with erased bytes up to size.
func OpenFileBacking(path string, size uint32) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open flash image: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat flash image: %w", err)
	}

	if cur := info.Size(); cur < int64(size) {
		if _, err := WriteErased(f, cur, int64(size)-cur); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to extend flash image: %w", err)
		}
	}
	return f, nil
}

// OpenFileChip opens a file-backed chip; Close releases the file.
func OpenFileChip(path string, geo Geometry, opts ...Option) (*Chip, error) {
	f, err := OpenFileBacking(path, geo.Size)
	if err != nil {
		return nil, err
	}
	c, err := NewChip(geo, f, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}
