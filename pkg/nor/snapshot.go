package nor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

const (
	snapshotMagic      = "RWWEESNP"
	snapshotVersion    = 1
	snapshotHeaderSize = 8 + 2 + 1 + 1 + 4 + 8 + 4
)

var (
	// ErrUnknownCodec is returned when an unsupported compression codec is specified
	ErrUnknownCodec = errors.New("unknown compression codec")
	// ErrInvalidSnapshot is returned for a malformed or mismatching snapshot
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)

// Codec is the compression applied to a snapshot image.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecSnappy
	CodecZstd
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecSnappy:
		return "snappy"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec converts a codec name into a Codec
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "none", "raw", "":
		return CodecNone, nil
	case "snappy":
		return CodecSnappy, nil
	case "zstd":
		return CodecZstd, nil
	}
	return CodecNone, fmt.Errorf("%w: %s", ErrUnknownCodec, name)
}

func compress(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil

	case CodecSnappy:
		return snappy.Encode(nil, data), nil

	case CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create ZSTD encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}

func decompress(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil

	case CodecSnappy:
		result, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
		return result, nil

	case CodecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create ZSTD decoder: %w", err)
		}
		defer dec.Close()
		result, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}

// Image returns a copy of the whole chip contents, taken while no program or
// erase is in flight.
func (c *Chip) Image() ([]byte, error) {
	img := make([]byte, c.geo.Size)
	err := c.exclusive(func() error {
		_, err := c.backing.ReadAt(img, 0)
		if err == io.EOF {
			err = nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return img, nil
}

// SaveSnapshot writes the chip contents to w. The header carries the raw
// image size and its xxhash64 so LoadSnapshot can verify the restore.
func SaveSnapshot(w io.Writer, c *Chip, codec Codec) error {
	img, err := c.Image()
	if err != nil {
		return err
	}

	payload, err := compress(img, codec)
	if err != nil {
		return err
	}

	hdr := make([]byte, snapshotHeaderSize)
	copy(hdr, snapshotMagic)
	binary.LittleEndian.PutUint16(hdr[8:], snapshotVersion)
	hdr[10] = byte(codec)
	binary.LittleEndian.PutUint32(hdr[12:], uint32(len(img)))
	binary.LittleEndian.PutUint64(hdr[16:], xxhash.Sum64(img))
	binary.LittleEndian.PutUint32(hdr[24:], uint32(len(payload)))

	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("failed to write snapshot header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write snapshot payload: %w", err)
	}
	return nil
}

// LoadSnapshot replaces the chip contents with a snapshot read from r.
// Protection settings and erase counters are left untouched.
func LoadSnapshot(r io.Reader, c *Chip) error {
	hdr := make([]byte, snapshotHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return fmt.Errorf("%w: short header: %v", ErrInvalidSnapshot, err)
	}
	if !bytes.Equal(hdr[:8], []byte(snapshotMagic)) {
		return fmt.Errorf("%w: bad magic", ErrInvalidSnapshot)
	}
	if v := binary.LittleEndian.Uint16(hdr[8:]); v != snapshotVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, v)
	}

	codec := Codec(hdr[10])
	size := binary.LittleEndian.Uint32(hdr[12:])
	digest := binary.LittleEndian.Uint64(hdr[16:])
	payloadLen := binary.LittleEndian.Uint32(hdr[24:])

	if size != c.geo.Size {
		return fmt.Errorf("%w: image is %d bytes, chip is %d", ErrInvalidSnapshot, size, c.geo.Size)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("%w: short payload: %v", ErrInvalidSnapshot, err)
	}

	img, err := decompress(payload, codec)
	if err != nil {
		return err
	}
	if uint32(len(img)) != size || xxhash.Sum64(img) != digest {
		return fmt.Errorf("%w: digest mismatch", ErrInvalidSnapshot)
	}

	return c.exclusive(func() error {
		if _, err := c.backing.WriteAt(img, 0); err != nil {
			return fmt.Errorf("%w: restore: %v", ErrIO, err)
		}
		return nil
	})
}
