package squash

import (
	"bytes"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

// XattrNamespace is the small tag SquashFS stores in place of a key's
// namespace prefix.
type XattrNamespace uint8

const (
	XattrUser XattrNamespace = iota
	XattrTrusted
	XattrSecurity
)

func (ns XattrNamespace) prefix() string {
	switch ns {
	case XattrTrusted:
		return "trusted."
	case XattrSecurity:
		return "security."
	default:
		return "user."
	}
}

// splitXattrKey recognizes a namespace prefix and returns the tag plus
// the remaining key with the prefix elided, matching the on-disk
// encoding where the prefix is never stored.
func splitXattrKey(key string) (XattrNamespace, string) {
	switch {
	case strings.HasPrefix(key, "trusted."):
		return XattrTrusted, key[len("trusted."):]
	case strings.HasPrefix(key, "security."):
		return XattrSecurity, key[len("security."):]
	case strings.HasPrefix(key, "user."):
		return XattrUser, key[len("user."):]
	default:
		return XattrUser, key
	}
}

type xattrPair struct {
	ns    XattrNamespace
	key   string
	value []byte
}

// XattrPair is one raw (possibly namespace-prefixed) xattr key/value, the
// shape a Scanner or pseudo-file parser hands to BeginXattrs.
type XattrPair struct {
	Key   string
	Value []byte
}

// xattrSet is one canonicalized, deduplicated set of xattr pairs, stored
// once and referenced by index from any number of nodes.
type xattrSet struct {
	pairs  []xattrPair
	digest digest.Digest
}

// XattrBuilder accumulates one node's xattr pairs between Begin and End,
// the bracketing shape the node record uses to stage pairs before they
// are canonicalized and interned.
type XattrBuilder struct {
	tree  *Tree
	node  nodeRef
	pairs []xattrPair
	err   error
}

// BeginXattrs opens a builder for ref. Call Add for each pair, then End
// to canonicalize and assign the node's xattr index.
func (t *Tree) BeginXattrs(ref nodeRef) *XattrBuilder {
	return &XattrBuilder{tree: t, node: ref}
}

// Add stages one (key, value) pair. key may carry a "user.", "trusted."
// or "security." prefix; it is stripped and recorded as a namespace tag.
func (b *XattrBuilder) Add(key string, value []byte) *XattrBuilder {
	if b.err != nil {
		return b
	}
	ns, bare := splitXattrKey(key)
	b.pairs = append(b.pairs, xattrPair{ns: ns, key: bare, value: value})
	return b
}

// End canonicalizes the accumulated pairs (sorted by namespace then key,
// duplicates rejected), computes a stable digest, and either matches an
// existing set or interns a new one. The node's xattr index is updated
// in either case.
func (b *XattrBuilder) End() error {
	if b.err != nil {
		return b.err
	}
	if len(b.pairs) == 0 {
		b.tree.node(b.node).xattr = -1
		return nil
	}

	sort.Slice(b.pairs, func(i, j int) bool {
		if b.pairs[i].ns != b.pairs[j].ns {
			return b.pairs[i].ns < b.pairs[j].ns
		}
		return b.pairs[i].key < b.pairs[j].key
	})
	for i := 1; i < len(b.pairs); i++ {
		if b.pairs[i].ns == b.pairs[i-1].ns && b.pairs[i].key == b.pairs[i-1].key {
			return newErr(KindTree, ErrDuplicateXattrKey)
		}
	}

	d := digest.FromBytes(canonicalXattrBytes(b.pairs))
	for i, set := range b.tree.xattrSets {
		if set.digest == d {
			b.tree.node(b.node).xattr = int32(i)
			return nil
		}
	}

	b.tree.xattrSets = append(b.tree.xattrSets, xattrSet{pairs: b.pairs, digest: d})
	b.tree.node(b.node).xattr = int32(len(b.tree.xattrSets) - 1)
	return nil
}

// canonicalXattrBytes serializes sorted pairs into a deterministic byte
// form suitable for digesting.
func canonicalXattrBytes(pairs []xattrPair) []byte {
	var buf bytes.Buffer
	for _, p := range pairs {
		buf.WriteByte(byte(p.ns))
		buf.WriteString(p.key)
		buf.WriteByte(0)
		_ = writeUvarint(&buf, uint64(len(p.value)))
		buf.Write(p.value)
	}
	return buf.Bytes()
}

func writeUvarint(buf *bytes.Buffer, v uint64) error {
	var tmp [10]byte
	n := 0
	for v >= 0x80 {
		tmp[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	tmp[n] = byte(v)
	n++
	_, err := buf.Write(tmp[:n])
	return err
}

// XattrSetView is a read-only, exported view of one interned xattr set,
// the shape the image writer walks to serialize the xattr table.
type XattrSetView struct {
	Namespaces []XattrNamespace
	Keys       []string
	Values     [][]byte
}

// XattrSets returns the interned xattr sets in assignment order, for the
// image writer to serialize into the xattr table. A node's XattrIndex
// from View indexes into this slice.
func (t *Tree) XattrSets() []XattrSetView {
	views := make([]XattrSetView, len(t.xattrSets))
	for i, set := range t.xattrSets {
		v := XattrSetView{
			Namespaces: make([]XattrNamespace, len(set.pairs)),
			Keys:       make([]string, len(set.pairs)),
			Values:     make([][]byte, len(set.pairs)),
		}
		for j, p := range set.pairs {
			v.Namespaces[j] = p.ns
			v.Keys[j] = p.key
			v.Values[j] = p.value
		}
		views[i] = v
	}
	return views
}
