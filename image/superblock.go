// Package image serializes a post-processed tree plus the block
// processor's packed output into the SquashFS 4.0 on-disk layout: a
// 96-byte superblock, data/fragment bytes, then the inode, directory,
// fragment, id, and xattr tables as metadata streams.
package image

import (
	"encoding/binary"

	"github.com/kilnfs/squash/compressor"
)

const (
	magic        uint32 = 0x73717368
	versionMajor uint16 = 4
	versionMinor uint16 = 0

	superblockSize = 96

	// InvalidOffset marks a table that was not written, matching the
	// format's "not present" sentinel for 64-bit table offsets.
	InvalidOffset uint64 = 0xFFFFFFFFFFFFFFFF
)

// Flag is one bit of the superblock's flags field.
type Flag uint16

const (
	FlagUncompressedInodes Flag = 1 << iota
	FlagUncompressedData
	_ // reserved: "check" bit in the wire format, unused here
	FlagUncompressedFragments
	FlagNoFragments
	FlagDuplicateCheck
	FlagExportable
	FlagUncompressedXattrs
	FlagXattrsPresent
)

// Superblock is the fixed 96-byte header. RootInodeRef, InodeCount, and
// every *TableStart field are filled in once the corresponding table
// has been written; ExportTableStart stays InvalidOffset since this
// writer never builds the NFS export lookup table.
type Superblock struct {
	InodeCount       uint32
	ModTime          uint32
	BlockSize        uint32
	FragmentCount    uint32
	Compression      compressor.ID
	Flags            Flag
	IDCount          uint16
	RootInodeRef     uint64
	BytesUsed        uint64
	IDTableStart     uint64
	XattrTableStart  uint64
	InodeTableStart  uint64
	DirTableStart    uint64
	FragTableStart   uint64
	ExportTableStart uint64
}

// NewSuperblock returns a Superblock with every table offset set to
// InvalidOffset, ready to have fields filled in as each table is
// written.
func NewSuperblock() Superblock {
	return Superblock{
		IDTableStart:     InvalidOffset,
		XattrTableStart:  InvalidOffset,
		InodeTableStart:  InvalidOffset,
		DirTableStart:    InvalidOffset,
		FragTableStart:   InvalidOffset,
		ExportTableStart: InvalidOffset,
	}
}

// blockLog returns the power-of-two exponent of a validated block size.
func blockLog(blockSize uint32) uint16 {
	var n uint16
	for blockSize > 1 {
		blockSize >>= 1
		n++
	}
	return n
}

// Marshal encodes the superblock into its fixed 96-byte wire form.
func (sb Superblock) Marshal() []byte {
	buf := make([]byte, superblockSize)
	le := binary.LittleEndian

	le.PutUint32(buf[0:], magic)
	le.PutUint32(buf[4:], sb.InodeCount)
	le.PutUint32(buf[8:], sb.ModTime)
	le.PutUint32(buf[12:], sb.BlockSize)
	le.PutUint32(buf[16:], sb.FragmentCount)
	le.PutUint16(buf[20:], uint16(sb.Compression))
	le.PutUint16(buf[22:], blockLog(sb.BlockSize))
	le.PutUint16(buf[24:], uint16(sb.Flags))
	le.PutUint16(buf[26:], sb.IDCount)
	le.PutUint16(buf[28:], versionMajor)
	le.PutUint16(buf[30:], versionMinor)
	le.PutUint64(buf[32:], sb.RootInodeRef)
	le.PutUint64(buf[40:], sb.BytesUsed)
	le.PutUint64(buf[48:], sb.IDTableStart)
	le.PutUint64(buf[56:], sb.XattrTableStart)
	le.PutUint64(buf[64:], sb.InodeTableStart)
	le.PutUint64(buf[72:], sb.DirTableStart)
	le.PutUint64(buf[80:], sb.FragTableStart)
	le.PutUint64(buf[88:], sb.ExportTableStart)
	return buf
}
