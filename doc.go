// Package squash builds a read-only, compressed filesystem image in the
// SquashFS 4.0 wire format from either a directory tree on the host
// filesystem or a textual pseudo-file description.
//
// Building proceeds in three stages: a [Tree] is populated by walking a
// directory or parsing a pseudo-file description, [Tree.PostProcess] sorts
// children, assigns inode numbers, and resolves hard links, and then
// [Build] streams every regular file through the block package's
// compression pipeline and has the image package lay out the inode,
// directory, fragment, id, and xattr tables around the superblock.
//
// Command-line parsing, SELinux labelling, and reading an existing image
// back for random access are not part of this package; see cmd/mksquashimage
// for a minimal driver.
package squash
