package squash

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirAndFileLines(t *testing.T) {
	t.Parallel()

	hostFile := filepath.Join(t.TempDir(), "hostname")
	require.NoError(t, os.WriteFile(hostFile, []byte("box"), 0o644))

	tree := NewTree()
	p := NewParser(tree)
	input := "dir /a 0755 0 0\n" +
		"file /a/b 0644 1 1 " + hostFile + "\n"
	require.NoError(t, p.Parse("test", strings.NewReader(input)))
	require.NoError(t, tree.PostProcess())

	aRef, ok := tree.Resolve("/a")
	require.True(t, ok)
	aView := tree.View(aRef)
	assert.Equal(t, uint16(0o755), aView.Attrs.Mode)

	bRef, ok := tree.Resolve("/a/b")
	require.True(t, ok)
	bView := tree.View(bRef)
	assert.Equal(t, uint16(0o644), bView.Attrs.Mode)
	assert.Equal(t, uint32(1), bView.Attrs.UID)
	assert.Equal(t, uint32(1), bView.Attrs.GID)

	src := tree.FileSource(bRef)
	hfs, ok := src.(HostFileSource)
	require.True(t, ok)
	assert.Equal(t, hostFile, hfs.Path)
}

func TestParseHardLinkLine(t *testing.T) {
	t.Parallel()

	tree := NewTree()
	p := NewParser(tree)
	input := "file /a 0644 0 0 -\n" +
		"link /b 0 0 0 /a\n"
	require.NoError(t, p.Parse("test", strings.NewReader(input)))
	require.NoError(t, tree.PostProcess())

	aRef, _ := tree.Resolve("/a")
	bRef, _ := tree.Resolve("/b")
	aView := tree.View(aRef)
	bView := tree.View(bRef)
	assert.Equal(t, aView.Inode, bView.Inode)
	assert.Equal(t, uint32(2), aView.NLink)
}

func TestParseSlinkLine(t *testing.T) {
	t.Parallel()

	tree := NewTree()
	p := NewParser(tree)
	require.NoError(t, p.Parse("test", strings.NewReader(`slink /a 0777 0 0 /target/path`)))
	require.NoError(t, tree.PostProcess())

	ref, ok := tree.Resolve("/a")
	require.True(t, ok)
	assert.Equal(t, "/target/path", tree.View(ref).SymlinkTarget)
}

func TestParseQuotedPath(t *testing.T) {
	t.Parallel()

	tree := NewTree()
	p := NewParser(tree)
	require.NoError(t, p.Parse("test", strings.NewReader(`dir "/a b/c" 0755 0 0`)))
	require.NoError(t, tree.PostProcess())

	_, ok := tree.Resolve("/a b/c")
	assert.True(t, ok)
}

func TestParseNodDevice(t *testing.T) {
	t.Parallel()

	tree := NewTree()
	p := NewParser(tree)
	require.NoError(t, p.Parse("test", strings.NewReader(`nod /dev/x 0600 0 0 c 5 1`)))
	require.NoError(t, tree.PostProcess())

	ref, ok := tree.Resolve("/dev/x")
	require.True(t, ok)
	view := tree.View(ref)
	assert.Equal(t, KindCharDevice, view.Kind)
	assert.Equal(t, DeviceNumbers{Major: 5, Minor: 1}, view.Dev)
}

func TestParseInvalidModeRejected(t *testing.T) {
	t.Parallel()

	tree := NewTree()
	p := NewParser(tree)
	err := p.Parse("test", strings.NewReader(`dir /a 99999 0 0`))
	assert.Error(t, err)
}

func TestParseUnknownKeywordRejected(t *testing.T) {
	t.Parallel()

	tree := NewTree()
	p := NewParser(tree)
	err := p.Parse("test", strings.NewReader(`bogus /a 0755 0 0`))
	assert.Error(t, err)
}

func TestParseRootRejectedForNonDirNonGlob(t *testing.T) {
	t.Parallel()

	tree := NewTree()
	p := NewParser(tree)
	err := p.Parse("test", strings.NewReader(`file / 0644 0 0 -`))
	assert.Error(t, err)
}

func TestParseSkipsCommentsAndBlankLines(t *testing.T) {
	t.Parallel()

	tree := NewTree()
	p := NewParser(tree)
	input := "# a comment\n\n   \ndir /a 0755 0 0\n"
	require.NoError(t, p.Parse("test", strings.NewReader(input)))
	require.NoError(t, tree.PostProcess())

	_, ok := tree.Resolve("/a")
	assert.True(t, ok)
}

func TestParseGlobScansHostDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "nested.txt"), []byte("y"), 0o644))

	tree := NewTree()
	p := NewParser(tree, WithBasePath(dir))
	require.NoError(t, p.Parse("test", strings.NewReader("dir /out 0755 0 0\nglob /out 0644 9 9 .")))
	require.NoError(t, tree.PostProcess())

	ref, ok := tree.Resolve("/out/keep.txt")
	require.True(t, ok)
	view := tree.View(ref)
	assert.Equal(t, uint16(0o644), view.Attrs.Mode)
	assert.Equal(t, uint32(9), view.Attrs.UID)

	_, ok = tree.Resolve("/out/sub/nested.txt")
	assert.True(t, ok)
}

func TestParseGlobTypeFilterExcludesDirectories(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	tree := NewTree()
	p := NewParser(tree, WithBasePath(dir))
	require.NoError(t, p.Parse("test", strings.NewReader("dir /out 0755 0 0\nglob /out 0644 0 0 -type f .")))
	require.NoError(t, tree.PostProcess())

	_, ok := tree.Resolve("/out/a.txt")
	assert.True(t, ok)
	_, ok = tree.Resolve("/out/sub")
	assert.False(t, ok)
}
