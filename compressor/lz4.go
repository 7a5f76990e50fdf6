package compressor

import (
	"github.com/pierrec/lz4/v4"
)

// lz4Compressor implements Compressor with pierrec/lz4/v4's block API
// (CompressBlock/UncompressBlock), the same block-not-frame shape
// bureau-foundation-bureau's artifact store uses for inline compression of
// discrete byte ranges rather than a streamed frame. Compress builds a
// fresh lz4.Compressor per call, so concurrent callers share no mutable
// state and need no lock.
type lz4Compressor struct {
	level lz4.CompressionLevel
}

func newLZ4(level int) *lz4Compressor {
	lvl := lz4.Fast
	if level > 0 {
		lvl = lz4.CompressionLevel(level)
	}
	return &lz4Compressor{level: lvl}
}

func (c *lz4Compressor) ID() ID { return LZ4 }

func (c *lz4Compressor) Compress(dst, src []byte) (int, bool) {
	buf := make([]byte, lz4.CompressBlockBound(len(src)))

	c2 := lz4.Compressor{Level: c.level}
	n, err := c2.CompressBlock(src, buf)
	if err != nil || n == 0 || n >= len(src) {
		return 0, false
	}
	if n > len(dst) {
		return 0, false
	}
	copy(dst, buf[:n])
	return n, true
}

func (c *lz4Compressor) Decompress(dst, src []byte) (int, error) {
	return lz4.UncompressBlock(src, dst)
}
