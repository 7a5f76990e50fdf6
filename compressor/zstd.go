package compressor

import (
	"github.com/klauspost/compress/zstd"
)

// zstdCompressor implements Compressor with klauspost/compress/zstd, the
// same library and encoder options (WithEncoderConcurrency(1),
// WithLowerEncoderMem(true)) the pack's meigma-blob uses for its own
// per-worker encoder: concurrency is already provided by the block
// processor's worker pool, so each encoder stays single-threaded. A
// single encoder/decoder pair is shared across every worker goroutine;
// EncodeAll and DecodeAll are documented safe for concurrent use, so no
// locking is needed here.
type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstd(level int) *zstdCompressor {
	lvl := zstd.EncoderLevelFromZstd(level)
	if level == 0 {
		lvl = zstd.SpeedDefault
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(lvl),
		zstd.WithEncoderConcurrency(1),
		zstd.WithLowerEncoderMem(true),
	)
	if err != nil {
		panic("compressor: zstd encoder init: " + err.Error())
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic("compressor: zstd decoder init: " + err.Error())
	}
	return &zstdCompressor{enc: enc, dec: dec}
}

func (c *zstdCompressor) ID() ID { return ZSTD }

func (c *zstdCompressor) Compress(dst, src []byte) (int, bool) {
	out := c.enc.EncodeAll(src, nil)
	if len(out) >= len(src) || len(out) > len(dst) {
		return 0, false
	}
	copy(dst, out)
	return len(out), true
}

func (c *zstdCompressor) Decompress(dst, src []byte) (int, error) {
	out, err := c.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return 0, err
	}
	return len(out), nil
}
