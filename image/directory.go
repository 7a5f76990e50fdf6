package image

import "encoding/binary"

// maxRunLength caps how many entries a single directory-table run may
// hold before it must close and a new one open, independent of whether
// the grouping key changed.
const maxRunLength = 256

// indexStride controls the secondary index density: every Nth child
// (by position in the sorted listing) gets an index entry pointing at
// the run containing it.
const indexStride = 32

// DirChild is one entry the directory table needs: the child's sorted
// position is implied by call order, so callers must pass children
// already sorted by name.
type DirChild struct {
	Name     string
	Inode    uint32
	Kind     Kind
	InodeRef uint64 // this child's logical position in the inode table
}

// DirectoryTable serializes one directory's listing at a time into a
// shared metadata stream, grouping consecutive children into runs by
// common inode high bits and type, per the format's run-length
// encoding.
type DirectoryTable struct {
	stream *MetadataStream
}

// NewDirectoryTable returns an empty directory table backed by stream.
func NewDirectoryTable(stream *MetadataStream) *DirectoryTable {
	return &DirectoryTable{stream: stream}
}

// WriteDirectory serializes a parent directory's (already name-sorted)
// children as one or more runs followed by a secondary index, and
// returns the logical reference to the first run plus the total byte
// span written — the (DirRef, DirSize) pair the parent's own inode
// record carries.
func (t *DirectoryTable) WriteDirectory(parentInode uint32, children []DirChild) (ref uint64, size uint32) {
	if len(children) == 0 {
		return t.stream.Put(nil), 0
	}

	var indexEntries []indexEntry
	start := 0
	first := true
	var firstRef uint64
	var total uint32

	for start < len(children) {
		end := start + 1
		highBits := children[start].Inode >> 16
		class := children[start].Kind
		for end < len(children) && end-start < maxRunLength &&
			children[end].Inode>>16 == highBits && children[end].Kind == class {
			end++
		}

		runRef, runBytes := t.writeRun(parentInode, highBits, children[start:end])
		if first {
			firstRef = runRef
			first = false
		}
		total += runBytes

		for i := start; i < end; i += indexStride {
			indexEntries = append(indexEntries, indexEntry{name: children[i].Name, ref: runRef})
		}
		start = end
	}

	total += t.writeIndex(indexEntries)
	return firstRef, total
}

func (t *DirectoryTable) writeRun(parentInode uint32, highBits uint32, run []DirChild) (uint64, uint32) {
	header := make([]byte, 8)
	le := binary.LittleEndian
	le.PutUint32(header[0:], parentInode)
	le.PutUint16(header[4:], uint16(highBits))
	le.PutUint16(header[6:], uint16(len(run)))
	ref := t.stream.Put(header)
	n := uint32(len(header))

	for _, c := range run {
		entry := make([]byte, 2+8+1+2+len(c.Name))
		le.PutUint16(entry[0:], uint16(c.Inode))
		le.PutUint64(entry[2:], c.InodeRef)
		entry[10] = uint8(c.Kind)
		le.PutUint16(entry[11:], uint16(len(c.Name)))
		copy(entry[13:], c.Name)
		t.stream.Put(entry)
		n += uint32(len(entry))
	}
	return ref, n
}

type indexEntry struct {
	name string
	ref  uint64
}

func (t *DirectoryTable) writeIndex(entries []indexEntry) uint32 {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(entries)))
	t.stream.Put(buf)
	n := uint32(len(buf))

	le := binary.LittleEndian
	for _, e := range entries {
		rec := make([]byte, 8+2+len(e.name))
		le.PutUint64(rec[0:], e.ref)
		le.PutUint16(rec[8:], uint16(len(e.name)))
		copy(rec[10:], e.name)
		t.stream.Put(rec)
		n += uint32(len(rec))
	}
	return n
}

// Finish flushes the underlying metadata stream and returns its bytes.
func (t *DirectoryTable) Finish() []byte { return t.stream.Finish() }
