package squash

import (
	"io"
	"os"
	"strings"

	"github.com/kilnfs/squash/block"
)

// nodeRef is an arena index. noRef marks "no node."
type nodeRef uint32

const noRef nodeRef = ^nodeRef(0)

// FileSource supplies the byte stream backing a regular-file node. The
// single OpenForReading call replaces the separate open/stat/wrap steps
// of the reference tool: a caller gets the stream and its size in one
// round trip and is responsible for closing it.
type FileSource interface {
	OpenForReading() (io.ReadCloser, int64, error)
}

// HostFileSource reads a regular file from the host filesystem.
type HostFileSource struct {
	Path string
}

// OpenForReading implements FileSource.
func (s HostFileSource) OpenForReading() (io.ReadCloser, int64, error) {
	f, err := os.Open(s.Path) //nolint:gosec // path is operator-provided by design
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// InlineSource backs a regular-file node with bytes already held in
// memory, for callers that build a tree directly and for tests.
type InlineSource struct {
	Data []byte
}

// OpenForReading implements FileSource.
func (s InlineSource) OpenForReading() (io.ReadCloser, int64, error) {
	return io.NopCloser(strings.NewReader(string(s.Data))), int64(len(s.Data)), nil
}

// childEntry names one directory child.
type childEntry struct {
	name string
	ref  nodeRef
}

// node is one arena slot. Only the fields for its Kind are meaningful;
// unrelated fields are always zero.
type node struct {
	kind    Kind
	attrs   Attrs
	parent  nodeRef
	inode   uint32
	ownerID uint32 // index into Tree.idTable, assigned by PostProcess
	xattr   int32  // index into Tree.xattrSets; -1 = none
	aliases uint32 // count of hard-link aliases resolved onto this node

	// directory
	children []childEntry

	// regular file
	source   FileSource
	size     int64
	blocks   []block.Descriptor
	fragment *block.FragmentLocation

	// symlink
	symlinkTarget string

	// char/block device
	dev DeviceNumbers

	// hard-link alias, before resolution in PostProcess
	linkTarget string
	resolved   nodeRef
}

// Tree is the in-memory forest built by a directory scan or a
// pseudo-file parse. Nodes live in a single arena and refer to each
// other by index rather than pointer, so growing the arena never
// invalidates an existing reference.
type Tree struct {
	nodes     []node
	root      nodeRef
	hardLinks []pendingHardLink

	postProcessed bool
	files         []nodeRef // regular files in packing order, after PostProcess
	idTable       []IDEntry  // sorted unique (uid, gid), after PostProcess
	xattrSets     []xattrSet
}

type pendingHardLink struct {
	ref    nodeRef
	target string
}

type IDEntry struct {
	UID uint32
	GID uint32
}

// NewTree returns an empty tree with just a root directory.
func NewTree() *Tree {
	t := &Tree{}
	t.root = t.newNode(node{kind: KindDirectory})
	return t
}

func (t *Tree) newNode(n node) nodeRef {
	n.xattr = -1
	t.nodes = append(t.nodes, n)
	return nodeRef(len(t.nodes) - 1)
}

func (t *Tree) node(ref nodeRef) *node { return &t.nodes[ref] }

// Root returns the root directory's node reference.
func (t *Tree) Root() nodeRef { return t.root }

// splitPath strips leading/trailing/duplicate slashes from p and splits
// it into path components. The root path ("", "/", or any all-slash
// string) yields no components. "." and ".." elements are rejected
// rather than resolved.
func splitPath(p string) ([]string, error) {
	raw := strings.Split(strings.Trim(p, "/"), "/")
	parts := raw[:0]
	for _, part := range raw {
		if part == "" {
			continue
		}
		if part == "." || part == ".." {
			return nil, ErrInvalidPath
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return nil, nil
	}
	return parts, nil
}

// Add inserts a node of the given kind at path, creating any missing
// intermediate directories with zero-value attrs. payload must match
// kind: a FileSource for KindRegular, a string target for KindSymlink,
// DeviceNumbers for KindCharDevice/KindBlockDevice, or nil otherwise.
func (t *Tree) Add(path string, kind Kind, attrs Attrs, payload any) (nodeRef, error) {
	parts, err := splitPath(path)
	if err != nil {
		return noRef, newErr(KindTree, err)
	}
	if len(parts) == 0 {
		if kind != KindDirectory {
			return noRef, newErr(KindTree, ErrNameConflict)
		}
		t.node(t.root).attrs = attrs
		return t.root, nil
	}

	dir := t.root
	for _, name := range parts[:len(parts)-1] {
		dir, err = t.ensureDir(dir, name)
		if err != nil {
			return noRef, err
		}
	}

	return t.addChild(dir, parts[len(parts)-1], kind, attrs, payload)
}

// ensureDir returns the child directory named name under dir, creating
// it with default attrs if absent.
func (t *Tree) ensureDir(dir nodeRef, name string) (nodeRef, error) {
	dn := t.node(dir)
	if dn.kind != KindDirectory {
		return noRef, newErr(KindTree, ErrParentNotDir)
	}
	for _, c := range dn.children {
		if c.name == name {
			if t.node(c.ref).kind != KindDirectory {
				return noRef, newErr(KindTree, ErrParentNotDir)
			}
			return c.ref, nil
		}
	}
	ref := t.newNode(node{kind: KindDirectory, parent: dir})
	t.node(dir).children = append(t.node(dir).children, childEntry{name: name, ref: ref})
	return ref, nil
}

func (t *Tree) addChild(dir nodeRef, name string, kind Kind, attrs Attrs, payload any) (nodeRef, error) {
	dn := t.node(dir)
	if dn.kind != KindDirectory {
		return noRef, newErr(KindTree, ErrParentNotDir)
	}
	for _, c := range dn.children {
		existing := t.node(c.ref)
		if c.name != name {
			continue
		}
		if kind == KindDirectory && existing.kind == KindDirectory {
			existing.attrs = attrs
			return c.ref, nil
		}
		return noRef, newErr(KindTree, ErrNameConflict)
	}

	n := node{kind: kind, attrs: attrs, parent: dir}
	switch kind {
	case KindRegular:
		src, _ := payload.(FileSource)
		n.source = src
	case KindSymlink:
		target, _ := payload.(string)
		n.symlinkTarget = target
	case KindCharDevice, KindBlockDevice:
		dev, _ := payload.(DeviceNumbers)
		n.dev = dev
	}

	ref := t.newNode(n)
	t.node(dir).children = append(t.node(dir).children, childEntry{name: name, ref: ref})
	return ref, nil
}

// AddHardLink records path as an alias of target. The alias is resolved
// during PostProcess, once every real node has been added.
func (t *Tree) AddHardLink(path, target string) (nodeRef, error) {
	parts, err := splitPath(path)
	if err != nil || len(parts) == 0 {
		return noRef, newErr(KindTree, ErrInvalidPath)
	}

	dir := t.root
	for _, name := range parts[:len(parts)-1] {
		dir, err = t.ensureDir(dir, name)
		if err != nil {
			return noRef, err
		}
	}

	ref, err := t.addChild(dir, parts[len(parts)-1], KindHardLink, Attrs{}, nil)
	if err != nil {
		return noRef, err
	}
	t.node(ref).linkTarget = target
	t.hardLinks = append(t.hardLinks, pendingHardLink{ref: ref, target: target})
	return ref, nil
}

// Resolve follows the directory chain for path, never following
// symlinks or hard-link aliases. It returns (noRef, false) if any
// component is missing.
func (t *Tree) Resolve(path string) (nodeRef, bool) {
	parts, err := splitPath(path)
	if err != nil {
		return noRef, false
	}
	cur := t.root
	for _, name := range parts {
		dn := t.node(cur)
		if dn.kind != KindDirectory {
			return noRef, false
		}
		found := false
		for _, c := range dn.children {
			if c.name == name {
				cur = c.ref
				found = true
				break
			}
		}
		if !found {
			return noRef, false
		}
	}
	return cur, true
}
