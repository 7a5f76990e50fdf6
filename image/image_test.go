package image

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnfs/squash/compressor"
)

func newTestCompressor(t *testing.T) compressor.Compressor {
	t.Helper()
	c, err := compressor.New(compressor.GZIP, 0)
	require.NoError(t, err)
	return c
}

func TestMetadataStreamFlushesAtChunkBoundary(t *testing.T) {
	t.Parallel()

	ms := NewMetadataStream(newTestCompressor(t), true)
	ms.Put(bytes.Repeat([]byte{1}, chunkSize-10))
	assert.Empty(t, ms.ChunkStarts())

	ms.Put(bytes.Repeat([]byte{2}, 20)) // pushes pending over chunkSize
	ms.Finish()
	assert.Len(t, ms.ChunkStarts(), 2)
}

func TestMetadataStreamUncompressedForcesRawChunk(t *testing.T) {
	t.Parallel()

	ms := NewMetadataStream(newTestCompressor(t), true)
	ms.Put([]byte("hello world"))
	out := ms.Finish()

	require.Len(t, out, 2+len("hello world"))
	header := uint16(out[0]) | uint16(out[1])<<8
	assert.NotZero(t, header&uncompressedBit)
	assert.Equal(t, uint16(len("hello world")), header&^uncompressedBit)
}

func TestMetadataStreamRefEncodesChunkAndOffset(t *testing.T) {
	t.Parallel()

	ms := NewMetadataStream(newTestCompressor(t), true)
	ref1 := ms.Put([]byte("abc"))
	ref2 := ms.Put([]byte("def"))
	ms.Finish()

	assert.Equal(t, uint64(0), ref1>>16)
	assert.Equal(t, uint64(0), ref1&0xFFFF)
	assert.Equal(t, uint64(0), ref2>>16) // still same chunk, not yet flushed
	assert.Equal(t, uint64(3), ref2&0xFFFF)
}

func TestInodeTableAppendsRegularFile(t *testing.T) {
	t.Parallel()

	ms := NewMetadataStream(newTestCompressor(t), true)
	table := NewInodeTable(ms)

	ino := Inode{
		Number:        7,
		Kind:          KindRegular,
		Mode:          0o644,
		OwnerIndex:    2,
		ModTime:       12345,
		FileSize:      100,
		FragmentIndex: NoFragmentIndex,
		Blocks: []BlockEntry{
			{Offset: 96, Size: 50, Uncompressed: false, Sparse: false},
		},
	}
	ref := table.Append(ino)
	out := table.Finish()

	assert.Equal(t, uint64(0), ref)
	assert.NotEmpty(t, out)
}

func TestBlockEntryEncodeBitPacking(t *testing.T) {
	t.Parallel()

	b := BlockEntry{Size: 123, Uncompressed: true}
	v := b.encode()
	assert.Equal(t, uint32(123), v&0x3FFFFFFF)
	assert.NotZero(t, v&(1<<31))
	assert.Zero(t, v&(1<<30))

	b2 := BlockEntry{Size: 999, Sparse: true}
	v2 := b2.encode()
	assert.NotZero(t, v2&(1<<30))
	assert.Zero(t, v2&(1<<31))
}

func TestDirectoryTableEmptyDirectory(t *testing.T) {
	t.Parallel()

	ms := NewMetadataStream(newTestCompressor(t), true)
	table := NewDirectoryTable(ms)

	ref, size := table.WriteDirectory(1, nil)
	assert.Equal(t, uint32(0), size)
	assert.Equal(t, uint64(0), ref)
}

func TestDirectoryTableWritesChildren(t *testing.T) {
	t.Parallel()

	ms := NewMetadataStream(newTestCompressor(t), true)
	table := NewDirectoryTable(ms)

	children := []DirChild{
		{Name: "a", Inode: 2, Kind: KindRegular, InodeRef: 10},
		{Name: "b", Inode: 3, Kind: KindRegular, InodeRef: 20},
	}
	ref, size := table.WriteDirectory(1, children)
	table.Finish()

	assert.NotZero(t, size)
	_ = ref
}

func TestDirectoryTableSplitsRunsAcrossInodeHighBits(t *testing.T) {
	t.Parallel()

	ms := NewMetadataStream(newTestCompressor(t), true)
	table := NewDirectoryTable(ms)

	children := []DirChild{
		{Name: "a", Inode: 1, Kind: KindRegular, InodeRef: 1},
		{Name: "b", Inode: 1 << 16, Kind: KindRegular, InodeRef: 2}, // different high bits
	}
	_, size := table.WriteDirectory(1, children)
	table.Finish()

	assert.NotZero(t, size)
}

func TestSuperblockMarshalFieldLayout(t *testing.T) {
	t.Parallel()

	sb := NewSuperblock()
	sb.InodeCount = 42
	sb.BlockSize = 131072
	sb.RootInodeRef = 0x1122334455667788

	buf := sb.Marshal()
	require.Len(t, buf, superblockSize)
	assert.Equal(t, uint32(magic), readU32(buf, 0))
	assert.Equal(t, uint32(42), readU32(buf, 4))
	assert.Equal(t, uint64(0x1122334455667788), readU64(buf, 32))
	assert.Equal(t, InvalidOffset, readU64(buf, 48)) // IDTableStart untouched
}

func TestWriteIDTableIndexesEachChunk(t *testing.T) {
	t.Parallel()

	body := NewMetadataStream(newTestCompressor(t), true)
	index := NewMetadataStream(newTestCompressor(t), true)

	ids := []IDEntry{{UID: 1, GID: 1}, {UID: 2, GID: 2}}
	WriteIDTable(ids, body, index, 1000)

	assert.Len(t, body.ChunkStarts(), 1)
	indexBytes := index.Finish()
	assert.NotEmpty(t, indexBytes)
}

func TestWriteFragmentTableEncodesUncompressedBit(t *testing.T) {
	t.Parallel()

	body := NewMetadataStream(newTestCompressor(t), true)
	index := NewMetadataStream(newTestCompressor(t), true)

	entries := []FragmentEntry{{FileOffset: 96, Size: 500, Uncompressed: true}}
	WriteFragmentTable(entries, body, index, 0)

	bodyBytes := body.Finish()
	require.Len(t, bodyBytes, 2+fragEntrySize)
	size := readU32(bodyBytes, 2+8)
	assert.NotZero(t, size&(1<<31))
	assert.Equal(t, uint32(500), size&0x7FFFFFFF)
}

func TestWriteXattrTableOneRefPerSet(t *testing.T) {
	t.Parallel()

	body := NewMetadataStream(newTestCompressor(t), true)
	index := NewMetadataStream(newTestCompressor(t), true)

	sets := []XattrSet{
		{Pairs: []XattrPair{{Namespace: 0, Key: "foo", Value: []byte("bar")}}},
	}
	WriteXattrTable(sets, body, index)
	index.Finish()
	body.Finish()

	assert.Len(t, index.ChunkStarts(), 1)
}

func readU32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

func readU64(b []byte, off int) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[off+i]) << (8 * i)
	}
	return v
}
