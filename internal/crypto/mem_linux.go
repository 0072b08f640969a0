//go:build linux

package crypto

import "golang.org/x/sys/unix"

func availableMemoryKiB() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	// Free RAM plus reclaimable buffers; swap is not counted.
	return (uint64(info.Freeram) + uint64(info.Bufferram)) * unit / 1024
}
