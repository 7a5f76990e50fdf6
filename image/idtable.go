package image

import "encoding/binary"

// IDEntry is one deduplicated (uid, gid) pair, mirroring the tree's
// exported IDTable() element type. A node's OwnerIndex selects a row
// pair: uid lives at 2*index, gid at 2*index+1 in the serialized body.
type IDEntry struct {
	UID uint32
	GID uint32
}

// WriteIDTable serializes ids into body and appends the resulting
// chunk breakpoints, as absolute file offsets, into index.
// bodyAbsoluteStart is where body's bytes will land in the final file.
func WriteIDTable(ids []IDEntry, body, index *MetadataStream, bodyAbsoluteStart uint64) {
	for _, id := range ids {
		body.Put(encodeU32(id.UID))
		body.Put(encodeU32(id.GID))
	}
	finishArrayTable(body, index, bodyAbsoluteStart)
}

// finishArrayTable flushes body and appends one 64-bit absolute offset
// per body chunk into index — the "top-level index of 64-bit offsets"
// every fixed-record array table (id, fragment) shares.
func finishArrayTable(body, index *MetadataStream, bodyAbsoluteStart uint64) {
	body.Finish()
	for _, start := range body.ChunkStarts() {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], bodyAbsoluteStart+uint64(start))
		index.Put(b[:])
	}
}
