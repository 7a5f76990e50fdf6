package squash

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnfs/squash/block"
	"github.com/kilnfs/squash/compressor"
)

// memFile is a minimal in-memory OutputFile: sequential Write plus
// random-access WriteAt over the same backing slice, the shape Build
// needs to stamp the superblock after every table offset is known.
type memFile struct {
	buf []byte
}

func (m *memFile) Write(p []byte) (int, error) {
	m.buf = append(m.buf, p...)
	return len(p), nil
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	end := int(off) + len(p)
	if end > len(m.buf) {
		return 0, fmt.Errorf("memFile: write past end at %d", off)
	}
	copy(m.buf[off:end], p)
	return len(p), nil
}

func readUint32LE(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off:]) }

func newTestCompressor(t *testing.T) compressor.Compressor {
	t.Helper()
	c, err := compressor.New(compressor.GZIP, 0)
	require.NoError(t, err)
	return c
}

func TestBuildToEmptyTree(t *testing.T) {
	t.Parallel()

	tree := NewTree()
	require.NoError(t, tree.PostProcess())

	out := &memFile{}
	cfg := Default()
	cfg.Workers = 0
	require.NoError(t, BuildTo(tree, out, cfg))

	require.GreaterOrEqual(t, len(out.buf), placeholderSize)
	assert.Equal(t, uint32(0x73717368), readUint32LE(out.buf, 0))
	assert.Equal(t, uint32(1), readUint32LE(out.buf, 4)) // InodeCount: root only
}

func TestBuildToSingleSmallFileProducesOneFragment(t *testing.T) {
	t.Parallel()

	tree := NewTree()
	_, err := tree.Add("/a", KindRegular, Attrs{Mode: 0o644}, InlineSource{Data: []byte("hello")})
	require.NoError(t, err)
	require.NoError(t, tree.PostProcess())

	out := &memFile{}
	cfg := Default()
	cfg.Workers = 0
	cfg.BlockSize = 4096
	require.NoError(t, BuildTo(tree, out, cfg))

	assert.Equal(t, uint32(1), readUint32LE(out.buf, 16)) // FragmentCount
}

func TestBuildToRequiresPostProcessedTree(t *testing.T) {
	t.Parallel()

	tree := NewTree()
	out := &memFile{}
	err := BuildTo(tree, out, Default())
	assert.ErrorIs(t, err, ErrNotPostProcessed)
}

func TestPackFilesDedupsIdenticalContent(t *testing.T) {
	t.Parallel()

	// Pseudo-random bytes: 16 distinct 4 KiB blocks that gzip cannot
	// shrink, so each is stored raw once and /b reuses all of them.
	payload := make([]byte, 64*1024)
	rand.New(rand.NewSource(1)).Read(payload)

	tree := NewTree()
	_, err := tree.Add("/a", KindRegular, Attrs{}, InlineSource{Data: payload})
	require.NoError(t, err)
	_, err = tree.Add("/b", KindRegular, Attrs{}, InlineSource{Data: payload})
	require.NoError(t, err)
	require.NoError(t, tree.PostProcess())

	comp := newTestCompressor(t)
	var sink bytes.Buffer
	bp := block.NewProcessor(block.Config{BlockSize: 4096, Workers: 0}, comp, &sink)

	cfg := Default()
	require.NoError(t, packFiles(tree, bp, cfg))
	require.NoError(t, bp.Flush())

	assert.Equal(t, uint64(len(payload)), bp.DataSize())
}

func TestPackFilesAllZeroFileIsSparse(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 1<<20)

	tree := NewTree()
	_, err := tree.Add("/z", KindRegular, Attrs{}, InlineSource{Data: payload})
	require.NoError(t, err)
	require.NoError(t, tree.PostProcess())

	comp := newTestCompressor(t)
	var sink bytes.Buffer
	bp := block.NewProcessor(block.Config{BlockSize: 131072, Workers: 0}, comp, &sink)

	cfg := Default()
	require.NoError(t, packFiles(tree, bp, cfg))
	require.NoError(t, bp.Flush())

	assert.Equal(t, uint64(0), bp.DataSize())

	ref, _ := tree.Resolve("/z")
	view := tree.View(ref)
	require.Len(t, view.Blocks, 8) // 1 MiB / 128 KiB blocks
	for _, b := range view.Blocks {
		assert.NotZero(t, b.Flags&block.Sparse)
	}
}

func TestBuildDeletesPartialFileOnError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := dir + "/out.squashfs"

	tree := NewTree() // not post-processed: BuildTo must fail
	err := Build(tree, path, Default())
	assert.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
