package image

import "encoding/binary"

// XattrPair is one canonicalized, namespace-tagged xattr key/value.
type XattrPair struct {
	Namespace uint8
	Key       string
	Value     []byte
}

// XattrSet is one interned, deduplicated set of xattr pairs, mirroring
// the tree's exported XattrSets() element shape.
type XattrSet struct {
	Pairs []XattrPair
}

// WriteXattrTable serializes sets into body, one Put per set, and
// writes each set's resulting ref into index so a node's XattrIndex
// can look its set up in O(1): index entry i is the 8-byte ref for
// sets[i], unlike the id/fragment tables' per-chunk index, because
// every set already gets its own explicit ref from body.Put.
func WriteXattrTable(sets []XattrSet, body, index *MetadataStream) {
	for _, set := range sets {
		ref := body.Put(encodeXattrSet(set))
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], ref)
		index.Put(b[:])
	}
}

func encodeXattrSet(set XattrSet) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(len(set.Pairs)))
	for _, p := range set.Pairs {
		rec := make([]byte, 1+2+len(p.Key)+4+len(p.Value))
		rec[0] = p.Namespace
		binary.LittleEndian.PutUint16(rec[1:], uint16(len(p.Key)))
		copy(rec[3:], p.Key)
		off := 3 + len(p.Key)
		binary.LittleEndian.PutUint32(rec[off:], uint32(len(p.Value)))
		copy(rec[off+4:], p.Value)
		buf = append(buf, rec...)
	}
	return buf
}
