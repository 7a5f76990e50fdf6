package image

import (
	"encoding/binary"
)

// Kind mirrors the tree's node kinds, kept independent of the squash
// package so image has no import back to it; the writer's caller maps
// between the two.
type Kind uint8

const (
	KindDirectory Kind = iota
	KindRegular
	KindSymlink
	KindCharDevice
	KindBlockDevice
	KindFIFO
	KindSocket
)

// BlockEntry is one data block's placement and size. Offset is an
// absolute file byte offset rather than implied by walking cumulative
// sizes from a single per-file start block, because content
// deduplication lets two blocks of the same file — or of different
// files — point at the same previously written bytes out of sequence.
// The size field's low 30 bits hold the on-disk size; the top two bits
// carry the uncompressed and sparse flags, the same bit-packing
// technique the metadata chunk header uses for two bits instead of one.
type BlockEntry struct {
	Offset       uint64
	Size         uint32
	Uncompressed bool
	Sparse       bool
}

func (b BlockEntry) encode() uint32 {
	v := b.Size & 0x3FFFFFFF
	if b.Uncompressed {
		v |= 1 << 31
	}
	if b.Sparse {
		v |= 1 << 30
	}
	return v
}

const noFragment = 0xFFFFFFFF

// Inode is everything the inode table needs about one concrete tree
// node. DirRef/DirSize are filled in for directories only after that
// directory's listing has been serialized into the directory table,
// which is why directories are written bottom-up: a directory's own
// inode record can't be emitted until every child already has an inode
// reference and the directory's run-encoded listing is final.
type Inode struct {
	Number     uint32
	Kind       Kind
	Mode       uint16
	OwnerIndex uint32
	ModTime    uint32
	NLink      uint32
	Parent     uint32

	// directory
	DirRef  uint64
	DirSize uint32

	// regular file
	FileSize       uint64
	Blocks         []BlockEntry
	FragmentIndex  uint32
	FragmentOffset uint32

	// symlink
	SymlinkTarget string

	// device
	Major, Minor uint32
}

// InodeTable accumulates Inode records into a metadata stream,
// recording where each one landed so the directory table can reference
// it.
type InodeTable struct {
	stream *MetadataStream
}

// NewInodeTable returns an empty inode table backed by stream.
func NewInodeTable(stream *MetadataStream) *InodeTable {
	return &InodeTable{stream: stream}
}

// Append serializes ino and returns its logical reference within the
// inode table's metadata stream.
func (t *InodeTable) Append(ino Inode) uint64 {
	return t.stream.Put(encodeInode(ino))
}

// Finish flushes the underlying metadata stream and returns its bytes.
func (t *InodeTable) Finish() []byte { return t.stream.Finish() }

func encodeInode(ino Inode) []byte {
	buf := make([]byte, 16)
	le := binary.LittleEndian
	le.PutUint16(buf[0:], uint16(ino.Kind)+1) // on-disk type tags are 1-based
	le.PutUint16(buf[2:], ino.Mode)
	le.PutUint32(buf[4:], ino.OwnerIndex)
	le.PutUint32(buf[8:], ino.ModTime)
	le.PutUint32(buf[12:], ino.Number)

	switch ino.Kind {
	case KindDirectory:
		tail := make([]byte, 16)
		le.PutUint32(tail[0:], ino.NLink)
		le.PutUint64(tail[4:], ino.DirRef)
		le.PutUint32(tail[12:], ino.DirSize)
		buf = append(buf, tail...)
		buf = append(buf, encodeU32(ino.Parent)...)

	case KindRegular:
		tail := make([]byte, 16)
		le.PutUint64(tail[0:], ino.FileSize)
		le.PutUint32(tail[8:], ino.FragmentIndex)
		le.PutUint32(tail[12:], ino.FragmentOffset)
		buf = append(buf, tail...)
		for _, b := range ino.Blocks {
			rec := make([]byte, 12)
			le.PutUint64(rec[0:], b.Offset)
			le.PutUint32(rec[8:], b.encode())
			buf = append(buf, rec...)
		}

	case KindSymlink:
		buf = append(buf, encodeU32(ino.NLink)...)
		buf = append(buf, encodeU32(uint32(len(ino.SymlinkTarget)))...)
		buf = append(buf, []byte(ino.SymlinkTarget)...)

	case KindCharDevice, KindBlockDevice:
		buf = append(buf, encodeU32(ino.NLink)...)
		buf = append(buf, encodeU32(ino.Major)...)
		buf = append(buf, encodeU32(ino.Minor)...)

	case KindFIFO, KindSocket:
		buf = append(buf, encodeU32(ino.NLink)...)
	}
	return buf
}

func encodeU32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

// NoFragmentIndex is the sentinel FragmentIndex for a file with no
// fragment.
const NoFragmentIndex = noFragment
