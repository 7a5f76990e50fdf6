package squash

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/kilnfs/squash/block"
	"github.com/kilnfs/squash/compressor"
	"github.com/kilnfs/squash/image"
	"github.com/kilnfs/squash/internal/fsutil"
)

// placeholderSize is the superblock's fixed on-disk size; the data
// region starts immediately after it.
const placeholderSize = 96

// OutputFile is what Build writes the image to: sequential writes for
// every table and data block, plus one WriteAt at the very end to stamp
// the superblock in place once every table's offset is known. *os.File
// satisfies this.
type OutputFile interface {
	io.Writer
	io.WriterAt
}

// Build packs tree into path as a complete image. tree must already
// have had PostProcess called. On any error the partially written file
// at path is removed.
func Build(tree *Tree, path string, cfg *Config) error {
	f, err := os.Create(path) //nolint:gosec // path is operator-provided by design
	if err != nil {
		return newErr(KindIO, err)
	}

	ok := false
	defer func() {
		f.Close()
		if !ok {
			os.Remove(path)
		}
	}()

	if err := BuildTo(tree, f, cfg); err != nil {
		return err
	}
	ok = true
	return nil
}

// BuildTo packs tree into out, an already-open OutputFile. It is the
// core of Build, split out so callers that manage their own output
// lifecycle (tests, atomic-rename wrappers) can drive it directly.
func BuildTo(tree *Tree, out OutputFile, cfg *Config) error {
	if !tree.postProcessed {
		return newErr(KindInternal, ErrNotPostProcessed)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	comp, err := compressor.New(cfg.Compression, cfg.CompressionLevel)
	if err != nil {
		return newErr(KindCompress, err)
	}

	cw := &fsutil.CountingWriter{W: out}
	out = &countingOutputFile{CountingWriter: cw, out: out}

	if _, err := out.Write(make([]byte, placeholderSize)); err != nil {
		return newErr(KindIO, err)
	}

	bp := block.NewProcessor(block.Config{
		BlockSize:    cfg.BlockSize,
		Workers:      cfg.Workers,
		MaxBacklog:   cfg.MaxBacklog,
		NoFragments:  cfg.NoFragments,
		NoDuplicates: cfg.NoDuplicates,
	}, comp, out)

	if err := packFiles(tree, bp, cfg); err != nil {
		return err
	}
	if err := bp.Flush(); err != nil {
		if errors.Is(err, block.ErrTooManyFragments) {
			return newErr(KindLimit, ErrTooManyFragments)
		}
		return newErr(KindCompress, err)
	}
	cfg.log().Debug("data region packed", "file_count", len(tree.files), "data_bytes", bp.DataSize(), "fragments", len(bp.FragmentTable()))

	dataRegionEnd := uint64(placeholderSize) + bp.DataSize()

	w := newImageWriter(tree, comp, cfg, dataRegionEnd)
	w.writeLeafInodes()
	rootRef := w.writeDirectory(tree.root)

	sb, err := w.finish(out, bp.FragmentTable(), rootRef)
	if err != nil {
		return err
	}
	if _, err := out.WriteAt(sb.Marshal(), 0); err != nil {
		return newErr(KindIO, err)
	}
	cfg.log().Debug("image written", "inode_count", sb.InodeCount, "bytes_used", sb.BytesUsed, "bytes_written", cw.N)
	return nil
}

// countingOutputFile routes Write through a fsutil.CountingWriter so
// BuildTo can log the true byte count flowing to out, including every
// table and data block, while still satisfying OutputFile's WriteAt half
// directly against the underlying file.
type countingOutputFile struct {
	*fsutil.CountingWriter
	out OutputFile
}

func (c *countingOutputFile) WriteAt(p []byte, off int64) (int, error) { return c.out.WriteAt(p, off) }

// packFiles submits every regular file's content to bp in tree.Files()
// order (inode order, unless a sort file reordered it) and records the resulting block/fragment placement back onto the
// tree's nodes.
func packFiles(tree *Tree, bp *block.Processor, cfg *Config) error {
	for _, ref := range tree.Files() {
		n := tree.node(ref)
		rc, size, err := n.source.OpenForReading()
		if err != nil {
			return newErr(KindIO, err)
		}

		var reader io.Reader = rc
		cr := &fsutil.CountingReader{R: rc}
		if cfg.StrictChangeDetection {
			reader = cr
		}

		handle, err := bp.SubmitFile(reader, false)
		closeErr := rc.Close()
		if err != nil {
			if errors.Is(err, block.ErrTooManyFragments) {
				return newErr(KindLimit, ErrTooManyFragments)
			}
			return newErr(KindIO, err)
		}
		if closeErr != nil {
			return newErr(KindIO, closeErr)
		}

		if cfg.StrictChangeDetection {
			// cr.N catches truncation mid-read; a reopen-and-restat would
			// miss a file that shrank during the read and was restored
			// before this check ran.
			if cr.N != uint64(size) {
				return newErr(KindIO, ErrFileChangedDuringBuild)
			}
			rc2, newSize, err := n.source.OpenForReading()
			if err == nil {
				rc2.Close()
			}
			if err == nil && newSize != size {
				return newErr(KindIO, ErrFileChangedDuringBuild)
			}
		}

		tree.SetFileResult(ref, handle.Blocks(), handle.Fragment(), size)
	}
	return nil
}

// imageWriter drives the bottom-up inode/directory table construction.
// It lives in the squash package, not image, because it needs direct
// access to tree's node arena: hard-link aliases must resolve to the
// exact same inode-table reference their target already received,
// which is simplest to guarantee by writing every leaf inode exactly
// once up front and looking its reference up by inode number whenever
// a directory entry — real or aliased — needs it.
type imageWriter struct {
	tree *Tree
	cfg  *Config
	comp compressor.Compressor

	inodeTable *image.InodeTable
	dirTable   *image.DirectoryTable

	dataRegionEnd uint64
	refByInode    map[uint32]uint64
}

func newImageWriter(tree *Tree, comp compressor.Compressor, cfg *Config, dataRegionEnd uint64) *imageWriter {
	inodeStream := image.NewMetadataStream(comp, cfg.UncompressedInodes)
	dirStream := image.NewMetadataStream(comp, cfg.UncompressedInodes)
	return &imageWriter{
		tree:          tree,
		cfg:           cfg,
		comp:          comp,
		inodeTable:    image.NewInodeTable(inodeStream),
		dirTable:      image.NewDirectoryTable(dirStream),
		dataRegionEnd: dataRegionEnd,
		refByInode:    make(map[uint32]uint64),
	}
}

// writeLeafInodes appends every non-directory, non-alias node's inode
// record in arena order. Arena order is arbitrary with respect to the
// final tree shape, which is fine: nothing about a leaf inode's
// encoding depends on where else it's referenced from.
func (w *imageWriter) writeLeafInodes() {
	for i := range w.tree.nodes {
		n := &w.tree.nodes[i]
		if n.kind == KindDirectory || n.kind == KindHardLink {
			continue
		}
		w.refByInode[n.inode] = w.inodeTable.Append(w.leafInode(n))
	}
}

func (w *imageWriter) leafInode(n *node) image.Inode {
	ino := image.Inode{
		Number:     n.inode,
		Kind:       toImageKind(n.kind),
		Mode:       n.attrs.Mode,
		OwnerIndex: n.ownerID,
		ModTime:    uint32(n.attrs.ModTime.Unix()),
		NLink:      1 + n.aliases,
	}
	switch n.kind {
	case KindRegular:
		ino.FileSize = uint64(n.size)
		ino.FragmentIndex = image.NoFragmentIndex
		for _, b := range n.blocks {
			ino.Blocks = append(ino.Blocks, toBlockEntry(b))
		}
		if n.fragment != nil {
			ino.FragmentIndex = n.fragment.Index
			ino.FragmentOffset = n.fragment.Offset
		}
	case KindSymlink:
		ino.SymlinkTarget = n.symlinkTarget
	case KindCharDevice, KindBlockDevice:
		ino.Major = n.dev.Major
		ino.Minor = n.dev.Minor
	}
	return ino
}

// writeDirectory recursively writes ref's subdirectories bottom-up,
// then ref's own listing and inode record, and returns ref's inode
// table reference. POSIX forbids hard links to directories, so every
// directory child is a direct reference, never an alias.
func (w *imageWriter) writeDirectory(ref nodeRef) uint64 {
	n := w.tree.node(ref)

	children := make([]image.DirChild, 0, len(n.children))
	for _, c := range n.children {
		target := w.tree.node(c.ref)
		if target.kind == KindHardLink {
			target = w.tree.node(target.resolved)
		}

		childRef, ok := w.refByInode[target.inode]
		if target.kind == KindDirectory {
			childRef = w.writeDirectory(c.ref)
		} else if !ok {
			// writeLeafInodes already ran, so any non-directory
			// target must already have a reference.
			panic("squash: missing inode reference for " + c.name)
		}
		children = append(children, image.DirChild{
			Name:     c.name,
			Inode:    target.inode,
			Kind:     toImageKind(target.kind),
			InodeRef: childRef,
		})
	}

	dirRef, dirSize := w.dirTable.WriteDirectory(n.inode, children)

	ino := image.Inode{
		Number:     n.inode,
		Kind:       image.KindDirectory,
		Mode:       n.attrs.Mode,
		OwnerIndex: n.ownerID,
		ModTime:    uint32(n.attrs.ModTime.Unix()),
		NLink:      uint32(2 + countSubdirs(w.tree, n)),
		DirRef:     dirRef,
		DirSize:    dirSize,
	}
	if n.parent != noRef {
		ino.Parent = w.tree.node(n.parent).inode
	} else {
		ino.Parent = n.inode
	}

	ref2 := w.inodeTable.Append(ino)
	w.refByInode[n.inode] = ref2
	return ref2
}

func countSubdirs(t *Tree, n *node) int {
	count := 0
	for _, c := range n.children {
		if t.node(c.ref).kind == KindDirectory {
			count++
		}
	}
	return count
}

// finish serializes the inode, directory, fragment, id, and xattr
// tables in that order and returns a fully populated superblock ready
// to be marshaled over the placeholder.
func (w *imageWriter) finish(out OutputFile, fragEntries []block.FragmentEntry, rootRef uint64) (image.Superblock, error) {
	inodeBytes := w.inodeTable.Finish()
	dirBytes := w.dirTable.Finish()
	if err := writeAll(out, inodeBytes, dirBytes); err != nil {
		return image.Superblock{}, err
	}

	inodeTableStart := w.dataRegionEnd
	dirTableStart := inodeTableStart + uint64(len(inodeBytes))
	cursor := dirTableStart + uint64(len(dirBytes))

	imgFrags := make([]image.FragmentEntry, len(fragEntries))
	for i, e := range fragEntries {
		imgFrags[i] = image.FragmentEntry{
			FileOffset:   e.FileOffset + placeholderSize,
			Size:         e.Size,
			Uncompressed: e.Flags&block.Raw != 0,
		}
	}
	fragBody := image.NewMetadataStream(w.comp, w.cfg.UncompressedFragments)
	fragIndex := image.NewMetadataStream(w.comp, false)
	image.WriteFragmentTable(imgFrags, fragBody, fragIndex, cursor)
	fragBodyBytes, fragIndexBytes := fragBody.Finish(), fragIndex.Finish()
	if err := writeAll(out, fragBodyBytes); err != nil {
		return image.Superblock{}, err
	}
	fragTableStart := cursor + uint64(len(fragBodyBytes))
	if err := writeAll(out, fragIndexBytes); err != nil {
		return image.Superblock{}, err
	}
	cursor = fragTableStart + uint64(len(fragIndexBytes))

	ids := w.tree.IDTable()
	imgIDs := make([]image.IDEntry, len(ids))
	for i, id := range ids {
		imgIDs[i] = image.IDEntry{UID: id.UID, GID: id.GID}
	}
	idBody := image.NewMetadataStream(w.comp, false)
	idIndex := image.NewMetadataStream(w.comp, false)
	image.WriteIDTable(imgIDs, idBody, idIndex, cursor)
	idBodyBytes, idIndexBytes := idBody.Finish(), idIndex.Finish()
	if err := writeAll(out, idBodyBytes); err != nil {
		return image.Superblock{}, err
	}
	idTableStart := cursor + uint64(len(idBodyBytes))
	if err := writeAll(out, idIndexBytes); err != nil {
		return image.Superblock{}, err
	}
	cursor = idTableStart + uint64(len(idIndexBytes))

	xattrTableStart := image.InvalidOffset
	xattrSets := w.tree.XattrSets()
	if len(xattrSets) > 0 {
		imgSets := make([]image.XattrSet, len(xattrSets))
		for i, s := range xattrSets {
			pairs := make([]image.XattrPair, len(s.Keys))
			for j := range s.Keys {
				pairs[j] = image.XattrPair{Namespace: uint8(s.Namespaces[j]), Key: s.Keys[j], Value: s.Values[j]}
			}
			imgSets[i] = image.XattrSet{Pairs: pairs}
		}
		xattrBody := image.NewMetadataStream(w.comp, w.cfg.UncompressedXattrs)
		xattrIndex := image.NewMetadataStream(w.comp, false)
		image.WriteXattrTable(imgSets, xattrBody, xattrIndex)
		xattrBodyBytes, xattrIndexBytes := xattrBody.Finish(), xattrIndex.Finish()
		if err := writeAll(out, xattrBodyBytes); err != nil {
			return image.Superblock{}, err
		}
		xattrTableStart = cursor + uint64(len(xattrBodyBytes))
		if err := writeAll(out, xattrIndexBytes); err != nil {
			return image.Superblock{}, err
		}
		cursor = xattrTableStart + uint64(len(xattrIndexBytes))
	}

	sb := image.NewSuperblock()
	sb.InodeCount = uint32(w.tree.NodeCount())
	sb.ModTime = uint32(time.Now().Unix())
	sb.BlockSize = w.cfg.BlockSize
	sb.FragmentCount = uint32(len(imgFrags))
	sb.Compression = w.cfg.Compression
	sb.IDCount = uint16(len(imgIDs))
	sb.RootInodeRef = rootRef
	sb.BytesUsed = cursor
	sb.InodeTableStart = inodeTableStart
	sb.DirTableStart = dirTableStart
	sb.FragTableStart = fragTableStart
	sb.IDTableStart = idTableStart
	sb.XattrTableStart = xattrTableStart
	sb.Flags = w.flags(len(xattrSets) > 0)
	return sb, nil
}

func writeAll(out OutputFile, chunks ...[]byte) error {
	for _, c := range chunks {
		if _, err := out.Write(c); err != nil {
			return newErr(KindIO, err)
		}
	}
	return nil
}

func (w *imageWriter) flags(xattrsPresent bool) image.Flag {
	var f image.Flag
	if w.cfg.UncompressedInodes {
		f |= image.FlagUncompressedInodes
	}
	if w.cfg.UncompressedData {
		f |= image.FlagUncompressedData
	}
	if w.cfg.UncompressedFragments {
		f |= image.FlagUncompressedFragments
	}
	if w.cfg.UncompressedXattrs {
		f |= image.FlagUncompressedXattrs
	}
	if w.cfg.NoFragments {
		f |= image.FlagNoFragments
	}
	if !w.cfg.NoDuplicates {
		f |= image.FlagDuplicateCheck
	}
	if xattrsPresent {
		f |= image.FlagXattrsPresent
	}
	return f
}

func toImageKind(k Kind) image.Kind {
	switch k {
	case KindDirectory:
		return image.KindDirectory
	case KindRegular:
		return image.KindRegular
	case KindSymlink:
		return image.KindSymlink
	case KindCharDevice:
		return image.KindCharDevice
	case KindBlockDevice:
		return image.KindBlockDevice
	case KindFIFO:
		return image.KindFIFO
	case KindSocket:
		return image.KindSocket
	default:
		return image.KindRegular
	}
}

func toBlockEntry(d block.Descriptor) image.BlockEntry {
	return image.BlockEntry{
		Offset:       d.Offset + placeholderSize,
		Size:         d.CompressedSize,
		Uncompressed: d.Flags&block.Raw != 0,
		Sparse:       d.Flags&block.Sparse != 0,
	}
}
