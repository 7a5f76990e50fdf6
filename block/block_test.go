package block

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnfs/squash/compressor"
)

func newTestCompressor(t *testing.T) Compressor {
	t.Helper()
	c, err := compressor.New(compressor.GZIP, 0)
	require.NoError(t, err)
	return c
}

func runProcessor(t *testing.T, workers int, files [][]byte, noFragment bool) (*Processor, []*FileHandle, []byte) {
	t.Helper()
	var sink bytes.Buffer
	p := NewProcessor(Config{BlockSize: 4096, Workers: workers, MaxBacklog: 16}, newTestCompressor(t), &sink)

	handles := make([]*FileHandle, len(files))
	for i, data := range files {
		h, err := p.SubmitFile(bytes.NewReader(data), noFragment)
		require.NoError(t, err)
		handles[i] = h
	}
	require.NoError(t, p.Flush())
	return p, handles, sink.Bytes()
}

func TestDeterminismAcrossWorkerCounts(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("0123456789abcdef"), 4096/16*5+13)
	files := [][]byte{data}

	var reference []byte
	for _, workers := range []int{0, 1, 2, 4, 8, 16} {
		_, handles, sink := runProcessor(t, workers, files, false)
		require.Len(t, handles, 1)

		if reference == nil {
			reference = sink
		} else {
			assert.Equal(t, reference, sink, "workers=%d produced different output bytes", workers)
		}
	}
}

func TestDedupSharesOffset(t *testing.T) {
	t.Parallel()

	block := bytes.Repeat([]byte("x"), 4096)
	content := bytes.Repeat(block, 16) // 64 KiB, 16 identical blocks
	files := [][]byte{content, content}

	_, handles, sink := runProcessor(t, 2, files, false)
	require.Len(t, handles[0].Blocks(), 16)
	require.Len(t, handles[1].Blocks(), 16)

	for i := range handles[0].Blocks() {
		assert.Equal(t, handles[0].Blocks()[i].Offset, handles[1].Blocks()[i].Offset)
	}

	// All 16 blocks within a file are identical too, so every block of
	// both files should collapse to a single stored offset.
	firstOffset := handles[0].Blocks()[0].Offset
	for _, h := range handles {
		for _, d := range h.Blocks() {
			assert.Equal(t, firstOffset, d.Offset)
		}
	}
	assert.Less(t, len(sink), len(content), "deduped+compressed output should be far smaller than one file's content")
}

func TestFragmentPacking(t *testing.T) {
	t.Parallel()

	exact := bytes.Repeat([]byte("a"), 4096) // exactly one block, no fragment
	small := []byte("hello")                 // fragment candidate

	_, handles, _ := runProcessor(t, 1, [][]byte{exact, small}, false)

	assert.Nil(t, handles[0].Fragment(), "file sized exactly one block must not get a fragment")
	require.Len(t, handles[0].Blocks(), 1)

	require.NotNil(t, handles[1].Fragment(), "small file must be packed as a fragment")
	assert.Empty(t, handles[1].Blocks())
	assert.EqualValues(t, len(small), handles[1].Fragment().Size)
	assert.EqualValues(t, 0, handles[1].Fragment().Offset)
}

func TestSparseAllZeroFile(t *testing.T) {
	t.Parallel()

	zero := make([]byte, 128*1024*8) // 8 blocks of 128 KiB, all zero
	var sink bytes.Buffer
	p := NewProcessor(Config{BlockSize: 128 * 1024, Workers: 2, MaxBacklog: 16}, newTestCompressor(t), &sink)

	h, err := p.SubmitFile(bytes.NewReader(zero), false)
	require.NoError(t, err)
	require.NoError(t, p.Flush())

	require.Len(t, h.Blocks(), 8)
	for _, d := range h.Blocks() {
		assert.Equal(t, Sparse, d.Flags)
		assert.EqualValues(t, 128*1024, d.UncompressedSize)
	}
	assert.Equal(t, 0, sink.Len())
}

func TestNoFragmentFlagForcesFinalDataBlock(t *testing.T) {
	t.Parallel()

	small := []byte("tail bytes")
	_, handles, _ := runProcessor(t, 1, [][]byte{small}, true)

	assert.Nil(t, handles[0].Fragment())
	require.Len(t, handles[0].Blocks(), 1)
}
