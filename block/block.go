package block

import (
	"errors"
	"io"
)

// ErrTooManyFragments is returned once the number of fragment blocks
// would reach noFragmentIndexSentinel, the value the wire format
// reserves to mean "this file has no fragment."
var ErrTooManyFragments = errors.New("block: too many fragment blocks")

// noFragmentIndexSentinel mirrors image.NoFragmentIndex: a fragment
// table can hold at most this many entries before its indices collide
// with the "no fragment" marker.
const noFragmentIndexSentinel = 0xFFFFFFFF

// Config controls how a Processor splits, packs, and deduplicates file
// bodies.
type Config struct {
	BlockSize    uint32
	Workers      int
	MaxBacklog   int
	NoFragments  bool
	NoDuplicates bool
}

// FileHandle is returned by SubmitFile immediately; its Blocks and
// Fragment become valid once Flush returns without error. Submission
// order across files and within a file's own blocks is always
// preserved, independent of worker count.
type FileHandle struct {
	blocks   []Descriptor
	fragment *FragmentLocation
}

// Blocks returns the file's data-block descriptors in submission order.
// Valid only after Flush.
func (h *FileHandle) Blocks() []Descriptor { return h.blocks }

// Fragment returns the file's fragment placement, or nil if the file
// has no fragment (empty tail, no-fragment flag, or fragments
// disabled). Valid only after Flush.
func (h *FileHandle) Fragment() *FragmentLocation { return h.fragment }

type pendingTarget struct {
	kind      itemKind
	handle    *FileHandle
	fragIndex uint32
}

// Processor is the parallel, content-aware pipeline that turns
// whole-file byte streams into compressed, deduplicated, fragment-packed
// data blocks, writing the unique bytes to sink as soon as they are
// ready to go out in order.
type Processor struct {
	cfg  Config
	comp Compressor
	sink io.Writer

	q        *queue
	stopWork func()

	// producer-owned state; never touched by workers.
	nextSeq         uint64
	targets         map[uint64]pendingTarget
	assembler       *fragmentAssembler
	nextFragIndex   uint32
	fragmentEntries []FragmentEntry
	dedup           *dedupIndex
	cursor          uint64
}

// NewProcessor returns a Processor that writes unique data and fragment
// bytes to sink as they are finalized.
func NewProcessor(cfg Config, comp Compressor, sink io.Writer) *Processor {
	if cfg.MaxBacklog <= 0 {
		cfg.MaxBacklog = 256
	}
	p := &Processor{
		cfg:       cfg,
		comp:      comp,
		sink:      sink,
		q:         newQueue(cfg.MaxBacklog),
		targets:   make(map[uint64]pendingTarget),
		assembler: newFragmentAssembler(cfg.BlockSize),
		dedup:     newDedupIndex(),
	}
	p.stopWork = runWorkers(cfg.Workers, cfg.BlockSize, comp, p.q)
	return p
}

// SubmitFile reads r to completion, splitting it into blocks of exactly
// BlockSize bytes except the last. noFragment forces the trailing
// partial block to be written as a final data block instead of packed
// into a shared fragment.
func (p *Processor) SubmitFile(r io.Reader, noFragment bool) (*FileHandle, error) {
	if err := p.q.firstErr(); err != nil {
		return nil, err
	}

	handle := &FileHandle{}
	buf := make([]byte, p.cfg.BlockSize)
	for {
		n, err := io.ReadFull(r, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return nil, err
		}
		full := n == len(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if full {
				p.submitBlock(handle, chunk)
			} else if noFragment || p.cfg.NoFragments {
				p.submitBlock(handle, chunk)
			} else {
				p.placeFragment(handle, chunk)
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if p.q.firstErr() != nil {
			return nil, p.q.firstErr()
		}
	}
	p.q.waitForBacklog()
	p.drain()
	return handle, p.q.firstErr()
}

func (p *Processor) submitBlock(handle *FileHandle, data []byte) {
	seq := p.nextSeq
	p.nextSeq++
	p.targets[seq] = pendingTarget{kind: kindBlock, handle: handle}

	if isAllZero(data) {
		p.q.submitInline(workResult{seq: seq, kind: kindBlock, uncompressedSize: uint32(len(data)), sparse: true})
		return
	}
	if p.cfg.Workers <= 0 {
		p.q.submitInline(compressItem(workItem{seq: seq, data: data, kind: kindBlock}, make([]byte, len(data)), p.comp))
		return
	}
	if !p.q.push(workItem{seq: seq, data: data, kind: kindBlock}) {
		return
	}
}

func (p *Processor) placeFragment(handle *FileHandle, data []byte) {
	if out := p.assembler.place(handle, data); out != nil {
		p.flushFragmentBuffer(out)
	}
}

func (p *Processor) flushFragmentBuffer(out *flushed) {
	if p.nextFragIndex == noFragmentIndexSentinel {
		p.q.setErr(ErrTooManyFragments)
		return
	}
	index := p.nextFragIndex
	p.nextFragIndex++
	p.fragmentEntries = append(p.fragmentEntries, FragmentEntry{})

	for _, pl := range out.pending {
		pl.handle.fragment.Index = index
	}

	seq := p.nextSeq
	p.nextSeq++
	p.targets[seq] = pendingTarget{kind: kindFragment, fragIndex: index}

	if isAllZero(out.data) {
		p.q.submitInline(workResult{seq: seq, kind: kindFragment, uncompressedSize: uint32(len(out.data)), sparse: true})
		return
	}
	if p.cfg.Workers <= 0 {
		p.q.submitInline(compressItem(workItem{seq: seq, data: out.data, kind: kindFragment}, make([]byte, len(out.data)), p.comp))
		return
	}
	p.q.push(workItem{seq: seq, data: out.data, kind: kindFragment})
}

// drain consumes every completion ready in strict sequence order,
// resolving dedup, writing unique bytes to sink, and recording
// descriptors on the owning file handle or fragment table row.
func (p *Processor) drain() {
	for _, r := range p.q.drainReady() {
		if err := p.resolve(r); err != nil {
			p.q.setErr(err)
			return
		}
	}
}

func (p *Processor) resolve(r workResult) error {
	target, ok := p.targets[r.seq]
	if !ok {
		return errors.New("block: drained result has no registered target")
	}
	delete(p.targets, r.seq)

	var desc Descriptor
	desc.UncompressedSize = r.uncompressedSize

	switch {
	case r.sparse:
		desc.Flags = Sparse
	case r.rawStored:
		off, err := p.storeOrDedup(r.raw, Raw)
		if err != nil {
			return err
		}
		desc.Offset = off
		desc.CompressedSize = uint32(len(r.raw))
		desc.Flags = Raw
	default:
		off, err := p.storeOrDedup(r.compressed, Compressed)
		if err != nil {
			return err
		}
		desc.Offset = off
		desc.CompressedSize = uint32(len(r.compressed))
		desc.Flags = Compressed
	}

	switch target.kind {
	case kindBlock:
		target.handle.blocks = append(target.handle.blocks, desc)
	case kindFragment:
		p.fragmentEntries[target.fragIndex] = FragmentEntry{
			FileOffset: desc.Offset,
			Size:       desc.CompressedSize,
			Flags:      desc.Flags,
		}
	}
	return nil
}

func (p *Processor) storeOrDedup(data []byte, flag Flag) (uint64, error) {
	sig := newSignature(data)
	if !p.cfg.NoDuplicates {
		if off, ok := p.dedup.lookup(sig, data); ok {
			return off, nil
		}
	}

	off := p.cursor
	if _, err := p.sink.Write(data); err != nil {
		return 0, err
	}
	p.cursor += uint64(len(data))

	if !p.cfg.NoDuplicates {
		p.dedup.record(sig, off, data)
	}
	return off, nil
}

// Flush completes any partially filled fragment block, drains the work
// queue, and returns only once every submitted file's descriptors have
// been recorded. It returns the first recorded worker error, if any.
func (p *Processor) Flush() error {
	if out := p.assembler.flush(); out != nil {
		p.flushFragmentBuffer(out)
	}
	p.q.waitForBacklog()
	p.drain()
	p.q.shutdown()
	p.stopWork()
	return p.q.firstErr()
}

// FragmentTable returns the fragment table rows in flush order. Valid
// only after Flush.
func (p *Processor) FragmentTable() []FragmentEntry { return p.fragmentEntries }

// DataSize returns the number of bytes written to sink so far.
func (p *Processor) DataSize() uint64 { return p.cursor }
