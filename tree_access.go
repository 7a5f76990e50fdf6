package squash

import "github.com/kilnfs/squash/block"

// NodeView is a read-only snapshot of one tree node, the shape the
// image writer walks to lay out the inode and directory tables.
type NodeView struct {
	Inode      uint32
	Kind       Kind
	Attrs      Attrs
	OwnerIndex uint32
	XattrIndex int32 // -1 = none
	Parent     uint32
	// NLink counts names referring to this node: hard-link aliases plus
	// one for the node itself, or (for a directory) "." plus ".." from
	// every direct child subdirectory plus one.
	NLink uint32

	// directory
	Children []ChildView

	// regular file
	Blocks   []block.Descriptor
	Fragment *block.FragmentLocation
	FileSize int64

	// symlink
	SymlinkTarget string

	// device
	Dev DeviceNumbers
}

// ChildView names one directory entry by name and inode.
type ChildView struct {
	Name  string
	Inode uint32
	Kind  Kind
}

// View returns a read-only snapshot of ref, resolving hard-link aliases
// to their concrete target first.
func (t *Tree) View(ref nodeRef) NodeView {
	n := t.node(ref)
	if n.kind == KindHardLink {
		return t.View(n.resolved)
	}

	v := NodeView{
		Inode:      n.inode,
		Kind:       n.kind,
		Attrs:      n.attrs,
		OwnerIndex: n.ownerID,
		XattrIndex: n.xattr,
		Blocks:        n.blocks,
		Fragment:      n.fragment,
		FileSize:      n.size,
		SymlinkTarget: n.symlinkTarget,
		Dev:           n.dev,
	}
	if n.parent != noRef {
		v.Parent = t.node(n.parent).inode
	}
	if n.kind == KindDirectory {
		v.Children = make([]ChildView, len(n.children))
		subdirs := uint32(0)
		for i, c := range n.children {
			cv := t.View(c.ref)
			v.Children[i] = ChildView{Name: c.name, Inode: cv.Inode, Kind: cv.Kind}
			if cv.Kind == KindDirectory {
				subdirs++
			}
		}
		v.NLink = 2 + subdirs
	} else {
		v.NLink = 1 + n.aliases
	}
	return v
}

// RootInode returns the root directory's assigned inode number.
func (t *Tree) RootInode() uint32 { return t.node(t.root).inode }

// NodeCount returns the number of concrete (non-alias) nodes, the
// superblock's inode count.
func (t *Tree) NodeCount() int {
	n := 0
	for i := range t.nodes {
		if t.nodes[i].kind != KindHardLink {
			n++
		}
	}
	return n
}

// SetFileResult records the block list and fragment location the block
// processor produced for a regular-file node. It is called once per
// file, after the processor drains that file's work.
func (t *Tree) SetFileResult(ref nodeRef, blocks []block.Descriptor, fragment *block.FragmentLocation, size int64) {
	n := t.node(ref)
	n.blocks = blocks
	n.fragment = fragment
	n.size = size
}

// FileSource returns the backing source for a regular-file node.
func (t *Tree) FileSource(ref nodeRef) FileSource { return t.node(ref).source }
