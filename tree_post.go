package squash

import "sort"

// PostProcessOption configures a Tree.PostProcess call.
type PostProcessOption func(*postProcessConfig)

type postProcessConfig struct {
	forceUID  *uint32
	forceGID  *uint32
	sortRules []SortRule
}

// WithForceOwner overrides every node's uid and/or gid before inode
// numbering and id-table construction. A nil pointer leaves that half
// of the pair untouched.
func WithForceOwner(uid, gid *uint32) PostProcessOption {
	return func(c *postProcessConfig) {
		c.forceUID = uid
		c.forceGID = gid
	}
}

// PostProcess performs, in one pass: sorting each directory's children
// by name, pre-order inode numbering, hard-link alias resolution, id
// table construction, and building the regular-file packing worklist in
// inode order, then reordering that worklist by any WithSortFile rules.
// It is idempotent only in the sense that calling it twice
// re-derives the same result from the same tree; it is not safe to call
// after Build has started streaming files.
func (t *Tree) PostProcess(opts ...PostProcessOption) error {
	cfg := postProcessConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.forceUID != nil || cfg.forceGID != nil {
		t.applyOwnerOverride(cfg.forceUID, cfg.forceGID)
	}

	t.sortChildren(t.root)

	var next uint32 = 1
	t.assignInodes(t.root, &next)

	if err := t.resolveHardLinks(); err != nil {
		return err
	}

	t.buildIDTable()
	t.buildFileList()
	t.applySortRules(cfg.sortRules)
	t.postProcessed = true
	return nil
}

func (t *Tree) applyOwnerOverride(uid, gid *uint32) {
	for i := range t.nodes {
		if t.nodes[i].kind == KindHardLink {
			continue
		}
		if uid != nil {
			t.nodes[i].attrs.UID = *uid
		}
		if gid != nil {
			t.nodes[i].attrs.GID = *gid
		}
	}
}

func (t *Tree) sortChildren(ref nodeRef) {
	n := t.node(ref)
	if n.kind != KindDirectory {
		return
	}
	sort.Slice(n.children, func(i, j int) bool {
		return n.children[i].name < n.children[j].name
	})
	for _, c := range n.children {
		t.sortChildren(c.ref)
	}
}

// assignInodes numbers every non-alias node in a pre-order traversal of
// already-sorted children: a directory receives its number before any
// of its children do, and siblings are numbered in name order.
func (t *Tree) assignInodes(ref nodeRef, next *uint32) {
	n := t.node(ref)
	if n.kind != KindHardLink {
		n.inode = *next
		*next++
	}
	if n.kind == KindDirectory {
		for _, c := range n.children {
			t.assignInodes(c.ref, next)
		}
	}
}

func (t *Tree) resolveHardLinks() error {
	for _, link := range t.hardLinks {
		target, err := t.followAlias(link.ref)
		if err != nil {
			return err
		}
		alias := t.node(link.ref)
		alias.resolved = target
		alias.inode = t.node(target).inode
		t.node(target).aliases++
	}
	return nil
}

// followAlias walks a chain of hard-link aliases (link -> link -> ...
// -> concrete node) and returns the final concrete node, or an error if
// the chain is missing a target or cycles back on itself.
func (t *Tree) followAlias(start nodeRef) (nodeRef, error) {
	visited := make(map[nodeRef]bool, len(t.hardLinks)+1)
	cur := start
	for {
		if visited[cur] {
			return noRef, newErr(KindTree, ErrHardLinkCycle)
		}
		visited[cur] = true

		target, ok := t.Resolve(t.node(cur).linkTarget)
		if !ok {
			return noRef, newErr(KindTree, ErrUnresolvedLink)
		}
		if t.node(target).kind != KindHardLink {
			return target, nil
		}
		cur = target
	}
}

func (t *Tree) buildIDTable() {
	seen := make(map[IDEntry]bool)
	for i := range t.nodes {
		if t.nodes[i].kind == KindHardLink {
			continue
		}
		p := IDEntry{UID: t.nodes[i].attrs.UID, GID: t.nodes[i].attrs.GID}
		seen[p] = true
	}
	ids := make([]IDEntry, 0, len(seen))
	for p := range seen {
		ids = append(ids, p)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].UID != ids[j].UID {
			return ids[i].UID < ids[j].UID
		}
		return ids[i].GID < ids[j].GID
	})
	t.idTable = ids

	index := make(map[IDEntry]uint32, len(ids))
	for i, p := range ids {
		index[p] = uint32(i)
	}
	for i := range t.nodes {
		if t.nodes[i].kind == KindHardLink {
			continue
		}
		p := IDEntry{UID: t.nodes[i].attrs.UID, GID: t.nodes[i].attrs.GID}
		t.nodes[i].ownerID = index[p]
	}
}

func (t *Tree) buildFileList() {
	var files []nodeRef
	var walk func(nodeRef)
	walk = func(ref nodeRef) {
		n := t.node(ref)
		if n.kind == KindRegular {
			files = append(files, ref)
		}
		if n.kind == KindDirectory {
			for _, c := range n.children {
				walk(c.ref)
			}
		}
	}
	walk(t.root)
	sort.Slice(files, func(i, j int) bool {
		return t.node(files[i]).inode < t.node(files[j]).inode
	})
	t.files = files
}

// IDTable returns the sorted, deduplicated (uid, gid) table built by
// PostProcess.
func (t *Tree) IDTable() []IDEntry { return t.idTable }

// Files returns the regular-file nodes in packing order, the work list
// PostProcess prepares for the block processor: inode order, unless
// WithSortFile rules reordered it.
func (t *Tree) Files() []nodeRef { return t.files }
