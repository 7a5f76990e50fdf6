//go:build !unix

package squash

import "io/fs"

func deviceOf(info fs.FileInfo) uint64 { return 0 }

func hostDevNumbers(info fs.FileInfo) DeviceNumbers { return DeviceNumbers{} }

// hostOwner returns (0, 0) on platforms without a uid/gid concept.
func hostOwner(info fs.FileInfo) (uid, gid uint32) { return 0, 0 }
