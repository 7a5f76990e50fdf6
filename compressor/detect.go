package compressor

import (
	"bufio"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// DetectReader peeks the leading bytes of r for a gzip or zstd magic
// prefix and returns a reader that transparently decompresses the
// stream, or r itself (wrapped only for the peek) if no known prefix is
// present. It mirrors the buffered precache-then-forward shape of the
// original C istream, built on the same codec libraries the rest of this
// package wires in rather than a bespoke prefetch buffer.
func DetectReader(r io.Reader) (io.Reader, ID, error) {
	br := bufio.NewReaderSize(r, 4)
	header, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return nil, None, err
	}

	switch {
	case hasPrefix(header, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, None, err
		}
		return zr, GZIP, nil
	case hasPrefix(header, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, None, err
		}
		return zr.IOReadCloser(), ZSTD, nil
	default:
		return br, None, nil
	}
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if b[i] != p {
			return false
		}
	}
	return true
}
