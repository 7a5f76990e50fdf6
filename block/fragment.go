package block

// fragPlacement is one file's tail sitting inside the fragment
// assembler's current in-flight buffer, waiting for that buffer to
// flush.
type fragPlacement struct {
	handle *FileHandle
	offset uint32
	size   uint32
}

// fragmentAssembler accumulates tail bytes of multiple files into
// full-size fragment blocks. It holds exactly one in-flight buffer; a
// tail that doesn't fit triggers a flush of the current buffer before
// starting a new one.
type fragmentAssembler struct {
	blockSize uint32
	buf       []byte
	pending   []fragPlacement
}

func newFragmentAssembler(blockSize uint32) *fragmentAssembler {
	return &fragmentAssembler{blockSize: blockSize}
}

// flushed is what place returns when placing data required flushing the
// previous buffer first.
type flushed struct {
	data    []byte
	pending []fragPlacement
}

// place adds data to the in-flight buffer, flushing and returning the
// previous buffer first if data would not fit. offsetWithinBuffer and
// size are recorded against handle immediately; the buffer's eventual
// index is assigned by the caller once it actually flushes.
func (a *fragmentAssembler) place(handle *FileHandle, data []byte) *flushed {
	var out *flushed
	if len(a.buf)+len(data) > int(a.blockSize) && len(a.buf) > 0 {
		out = &flushed{data: a.buf, pending: a.pending}
		a.buf = nil
		a.pending = nil
	}

	offset := uint32(len(a.buf))
	handle.fragment = &FragmentLocation{Offset: offset, Size: uint32(len(data))}
	a.buf = append(a.buf, data...)
	a.pending = append(a.pending, fragPlacement{handle: handle, offset: offset, size: uint32(len(data))})
	return out
}

// flush forces out whatever is currently buffered, if anything.
func (a *fragmentAssembler) flush() *flushed {
	if len(a.buf) == 0 {
		return nil
	}
	out := &flushed{data: a.buf, pending: a.pending}
	a.buf = nil
	a.pending = nil
	return out
}
