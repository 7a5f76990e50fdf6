package block

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
)

// signature is the (length, hash) pair spec.md's dedup index keys on.
// The hash covers whatever bytes will actually be written to disk
// (compressed or raw), matching the "byte-compare before reuse" rule:
// two blocks with the same signature still get compared byte-for-byte
// before their descriptors are allowed to share an offset.
type signature struct {
	length uint32
	hash   uint64
}

func newSignature(b []byte) signature {
	return signature{length: uint32(len(b)), hash: xxhash.Sum64(b)}
}

// storedBlock records where previously-written bytes for a signature
// live, plus a copy of the bytes themselves so a later candidate can be
// byte-compared without seeking the output file.
type storedBlock struct {
	offset uint64
	data   []byte
}

// dedupIndex maps a signature to the location of a previously emitted
// block with that signature. Collisions are resolved with a full
// byte-compare, so a hash collision never causes incorrect reuse.
type dedupIndex struct {
	entries map[signature][]storedBlock
}

func newDedupIndex() *dedupIndex {
	return &dedupIndex{entries: make(map[signature][]storedBlock)}
}

// lookup returns the offset of a byte-identical previously stored
// block, if any.
func (d *dedupIndex) lookup(sig signature, data []byte) (uint64, bool) {
	for _, candidate := range d.entries[sig] {
		if bytes.Equal(candidate.data, data) {
			return candidate.offset, true
		}
	}
	return 0, false
}

// record remembers a newly written block under its signature.
func (d *dedupIndex) record(sig signature, offset uint64, data []byte) {
	stored := make([]byte, len(data))
	copy(stored, data)
	d.entries[sig] = append(d.entries[sig], storedBlock{offset: offset, data: stored})
}
