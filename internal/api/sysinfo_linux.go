//go:build linux

package api

import (
	"golang.org/x/sys/unix"
)

// hostStats reads kernel counters via sysinfo(2) and uname(2).
func hostStats() hostInfo {
	var h hostInfo
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err == nil {
		unit := uint64(si.Unit)
		h.MemTotal = uint64(si.Totalram) * unit
		h.MemFree = (uint64(si.Freeram) + uint64(si.Bufferram)) * unit
		h.Uptime = int64(si.Uptime)
		const shift = 1 << 16
		h.Load = [3]float64{
			float64(si.Loads[0]) / shift,
			float64(si.Loads[1]) / shift,
			float64(si.Loads[2]) / shift,
		}
	}
	var u unix.Utsname
	if err := unix.Uname(&u); err == nil {
		h.Release = unix.ByteSliceToString(u.Release[:])
	}
	return h
}

func diskStats(path string) (total, free uint64, ok bool) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, false
	}
	bs := uint64(st.Bsize)
	return st.Blocks * bs, st.Bavail * bs, true
}
