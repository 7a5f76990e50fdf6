//go:build unix

package squash

import (
	"io/fs"
	"syscall"
)

func deviceOf(info fs.FileInfo) uint64 {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(stat.Dev) //nolint:unconvert // Dev is int64 on some unix variants
	}
	return 0
}

func hostDevNumbers(info fs.FileInfo) DeviceNumbers {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return DeviceNumbers{}
	}
	rdev := uint64(stat.Rdev) //nolint:unconvert
	return DeviceNumbers{
		Major: uint32(rdev >> 8 & 0xfff), //nolint:mnd // standard Linux major/minor packing
		Minor: uint32(rdev&0xff | (rdev>>12)&0xfff00),
	}
}

// hostOwner extracts the UID and GID a scanned entry should carry before
// any WithForceOwner override is applied.
func hostOwner(info fs.FileInfo) (uid, gid uint32) {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return stat.Uid, stat.Gid
	}
	return 0, 0
}
