package image

import (
	"bytes"
	"encoding/binary"

	"github.com/kilnfs/squash/compressor"
)

// chunkSize is the maximum number of uncompressed bytes a single
// metadata chunk holds. A Put larger than the room left in the current
// chunk fills that chunk and continues in the next one.
const chunkSize = 8192

// uncompressedBit marks a stored chunk's on-disk bytes as the raw
// uncompressed payload rather than the compressor's output.
const uncompressedBit uint16 = 1 << 15

// MetadataStream is an append-only, chunked byte buffer: the building
// block behind the inode table, directory table, and the bodies of the
// id, fragment, and xattr tables. Every Put returns a reference that
// encodes where the data landed, addressable later as
// (chunkStart<<16)|offset.
type MetadataStream struct {
	comp        compressor.Compressor
	uncompressed bool

	pending []byte
	out     bytes.Buffer

	// chunkStarts records, for every chunk written so far, its byte
	// offset within out at the moment its header was written — the
	// breakpoints a fixed-record array table's top-level index needs
	// to point readers at each chunk directly.
	chunkStarts []int
}

// NewMetadataStream returns an empty stream. When uncompressed is true
// every chunk is stored raw regardless of what comp would produce,
// matching the superblock's per-table "uncompressed" flag bits.
func NewMetadataStream(comp compressor.Compressor, uncompressed bool) *MetadataStream {
	return &MetadataStream{comp: comp, uncompressed: uncompressed}
}

// Put appends data and returns its logical reference: the high bits are
// the byte offset, within this stream's serialized output, of the
// chunk header that will eventually hold data; the low 16 bits are
// data's offset within that chunk's uncompressed bytes.
func (m *MetadataStream) Put(data []byte) uint64 {
	ref := (uint64(m.out.Len()) << 16) | uint64(len(m.pending))
	for len(data) > 0 {
		n := min(chunkSize-len(m.pending), len(data))
		m.pending = append(m.pending, data[:n]...)
		data = data[n:]
		if len(m.pending) >= chunkSize {
			m.flushChunk()
		}
	}
	return ref
}

func (m *MetadataStream) flushChunk() {
	if len(m.pending) == 0 {
		return
	}
	m.writeChunk(m.pending)
	m.pending = m.pending[:0]
}

// writeChunk compresses raw (unless forced uncompressed or compression
// didn't help) and appends the two-byte header plus payload to out.
func (m *MetadataStream) writeChunk(raw []byte) {
	m.chunkStarts = append(m.chunkStarts, m.out.Len())

	var header uint16
	payload := raw

	if !m.uncompressed {
		dst := make([]byte, len(raw))
		if n, ok := m.comp.Compress(dst, raw); ok {
			payload = dst[:n]
		} else {
			header = uncompressedBit
		}
	} else {
		header = uncompressedBit
	}

	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], header|uint16(len(payload)))
	m.out.Write(hdr[:])
	m.out.Write(payload)
}

// Finish flushes any remaining buffered bytes and returns the stream's
// full serialized form: a sequence of (header, payload) chunks.
func (m *MetadataStream) Finish() []byte {
	m.flushChunk()
	return m.out.Bytes()
}

// Len returns the number of bytes the stream has serialized so far,
// including any chunk already flushed but excluding unflushed pending
// bytes. It is the offset a caller would see from the next Put call's
// high bits.
func (m *MetadataStream) Len() int { return m.out.Len() }

// ChunkStarts returns each chunk's byte offset within this stream's
// serialized output, in order. Valid only after Finish.
func (m *MetadataStream) ChunkStarts() []int { return m.chunkStarts }
