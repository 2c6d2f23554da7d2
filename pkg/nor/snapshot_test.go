package nor

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fillPattern(t *testing.T, c *Chip) {
	t.Helper()
	require.NoError(t, c.Write(0x0040, []byte("bank zero payload")))
	require.NoError(t, c.Write(0x4100, bytes.Repeat([]byte{0x5A}, 700)))
	require.NoError(t, c.Write(0xFFF0, []byte{0x01, 0x02, 0x03}))
}

func TestSnapshotRestore(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecSnappy, CodecZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			src := newTestChip(t)
			fillPattern(t, src)

			var buf bytes.Buffer
			require.NoError(t, SaveSnapshot(&buf, src, codec))
			if codec != CodecNone {
				assert.Less(t, buf.Len(), int(testGeometry.Size)/4, "erased image should compress well")
			}

			dst := newTestChip(t)
			require.NoError(t, dst.Write(0x8000, []byte{0x00}))
			require.NoError(t, LoadSnapshot(&buf, dst))

			want, err := src.Image()
			require.NoError(t, err)
			got, err := dst.Image()
			require.NoError(t, err)
			assert.True(t, bytes.Equal(want, got), "restored image differs")
		})
	}
}

func TestSnapshotRejectsCorruption(t *testing.T) {
	src := newTestChip(t)
	fillPattern(t, src)

	var buf bytes.Buffer
	require.NoError(t, SaveSnapshot(&buf, src, CodecNone))
	raw := buf.Bytes()
	raw[snapshotHeaderSize+0x40] ^= 0xFF

	err := LoadSnapshot(bytes.NewReader(raw), newTestChip(t))
	assert.ErrorIs(t, err, ErrInvalidSnapshot)

	err = LoadSnapshot(strings.NewReader("NOTASNAPSHOT-------------------"), newTestChip(t))
	assert.ErrorIs(t, err, ErrInvalidSnapshot)

	small, err := NewMemoryChip(Geometry{Size: 8192, SectorSize: 4096, PageSize: 256})
	require.NoError(t, err)
	buf.Reset()
	require.NoError(t, SaveSnapshot(&buf, src, CodecSnappy))
	assert.ErrorIs(t, LoadSnapshot(&buf, small), ErrInvalidSnapshot)
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("ZSTD")
	require.NoError(t, err)
	assert.Equal(t, CodecZstd, c)

	_, err = ParseCodec("lz4")
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestHexExportImport(t *testing.T) {
	src := newTestChip(t)
	fillPattern(t, src)

	var hex bytes.Buffer
	require.NoError(t, ExportHex(&hex, src, 0x90000000))
	assert.True(t, strings.HasPrefix(hex.String(), ":"))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(hex.String()), ":00000001FF"))

	dst := newTestChip(t)
	require.NoError(t, ImportHex(&hex, dst, 0x90000000))

	want, err := src.Image()
	require.NoError(t, err)
	got, err := dst.Image()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, got), "imported image differs")
}
