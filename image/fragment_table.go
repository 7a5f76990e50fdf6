package image

import "encoding/binary"

// FragmentEntry is one fragment-table row: the on-disk location and
// size of one flushed fragment block, mirroring the block processor's
// FragmentTable() element shape.
type FragmentEntry struct {
	FileOffset   uint64
	Size         uint32
	Uncompressed bool
}

const fragEntrySize = 8 + 4

// WriteFragmentTable serializes entries into body in flush order (a
// file's FragmentIndex indexes this array directly) and appends the
// resulting chunk breakpoints into index.
func WriteFragmentTable(entries []FragmentEntry, body, index *MetadataStream, bodyAbsoluteStart uint64) {
	for _, e := range entries {
		rec := make([]byte, fragEntrySize)
		binary.LittleEndian.PutUint64(rec[0:], e.FileOffset)
		size := e.Size & 0x7FFFFFFF
		if e.Uncompressed {
			size |= 1 << 31
		}
		binary.LittleEndian.PutUint32(rec[8:], size)
		body.Put(rec)
	}
	finishArrayTable(body, index, bodyAbsoluteStart)
}
