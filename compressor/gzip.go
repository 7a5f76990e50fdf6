package compressor

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
)

// gzipCompressor implements Compressor with klauspost/compress/gzip, a
// drop-in replacement for compress/gzip used throughout the example pack
// wherever a gzip path needs better throughput than the standard library.
type gzipCompressor struct {
	level int
}

func newGzip(level int) *gzipCompressor {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	return &gzipCompressor{level: level}
}

func (c *gzipCompressor) ID() ID { return GZIP }

func (c *gzipCompressor) Compress(dst, src []byte) (int, bool) {
	var buf bytes.Buffer
	buf.Grow(len(src))
	w, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return 0, false
	}
	if _, err := w.Write(src); err != nil {
		return 0, false
	}
	if err := w.Close(); err != nil {
		return 0, false
	}
	if buf.Len() >= len(src) || buf.Len() > len(dst) {
		return 0, false
	}
	copy(dst, buf.Bytes())
	return buf.Len(), true
}

func (c *gzipCompressor) Decompress(dst, src []byte) (int, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return 0, err
	}
	defer r.Close()

	n, err := io.ReadFull(r, dst)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return n, err
	}
	return n, nil
}
