// Package block turns whole-file byte streams into the compressed,
// deduplicated, fragment-packed data blocks a squash image stores, using
// a bounded producer/worker pipeline that drains completions in strict
// submission order so the on-disk layout never depends on how the
// workers happened to interleave.
package block

// Flag describes how a stored data block was written.
type Flag uint8

const (
	// Compressed means the stored bytes are the compressed form.
	Compressed Flag = 1 << iota
	// Raw means the stored bytes are the literal uncompressed form,
	// because compression did not shrink the block.
	Raw
	// Sparse means no bytes were written; the block reads as zero.
	Sparse
)

// Descriptor records where and how one data block of a file was
// written.
type Descriptor struct {
	UncompressedSize uint32
	CompressedSize   uint32
	Offset           uint64
	Flags            Flag
}

// FragmentLocation records where within a shared fragment block a
// file's tail bytes live.
type FragmentLocation struct {
	Index  uint32
	Offset uint32
	Size   uint32
}

// FragmentEntry is a row of the fragment table: the absolute position
// of a fragment block in the data region plus its on-disk size and
// flags.
type FragmentEntry struct {
	FileOffset uint64
	Size       uint32
	Flags      Flag
}

// Compressor is the abstract transform the processor drives. It is
// satisfied by compressor.Compressor; declared locally so this package
// does not depend on a specific codec implementation.
type Compressor interface {
	Compress(dst, src []byte) (n int, ok bool)
	Decompress(dst, src []byte) (n int, err error)
}
