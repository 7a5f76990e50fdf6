// Package compressor provides the abstract compression transform the block
// processor drives, plus concrete codecs backed by real third-party
// libraries. A Compressor must be deterministic and stateless per call: the
// same input bytes compressed twice must produce identical output bytes,
// since block deduplication and the determinism property (same image for
// 1..16 workers) depend on it.
package compressor

import "fmt"

// ID identifies a compression algorithm by the small integer SquashFS
// assigns it on disk.
type ID uint16

const (
	None ID = 0
	GZIP ID = 1
	LZMA ID = 2
	LZO  ID = 3
	XZ   ID = 4
	LZ4  ID = 5
	ZSTD ID = 6
)

func (id ID) String() string {
	switch id {
	case GZIP:
		return "gzip"
	case LZMA:
		return "lzma"
	case LZO:
		return "lzo"
	case XZ:
		return "xz"
	case LZ4:
		return "lz4"
	case ZSTD:
		return "zstd"
	default:
		return "none"
	}
}

// Compressor transforms a source buffer into a destination buffer.
//
// Compress returns the number of bytes written to dst and true, or
// (0, false) if the compressed form would not be smaller than src — in
// which case the caller stores src raw and sets the block's raw flag.
// dst must have capacity at least len(src); implementations must not
// write past len(src) bytes even when growing dst, so callers can
// allocate dst once per worker and reuse it.
type Compressor interface {
	ID() ID
	Compress(dst, src []byte) (n int, ok bool)
	Decompress(dst, src []byte) (n int, err error)
}

// New returns the Compressor for id at the given level, or an error
// wrapping errUnsupported and naming the requested id if no library in this
// module implements it (lzma, lzo, xz: no Go library in the example pack
// this module was grounded on — see DESIGN.md).
func New(id ID, level int) (Compressor, error) {
	switch id {
	case GZIP:
		return newGzip(level), nil
	case ZSTD:
		return newZstd(level), nil
	case LZ4:
		return newLZ4(level), nil
	case None:
		return nil, fmt.Errorf("compressor: no codec requested")
	default:
		return nil, fmt.Errorf("compressor: %s: %w", id, errUnsupported)
	}
}

var errUnsupported = fmt.Errorf("unsupported compression id")
