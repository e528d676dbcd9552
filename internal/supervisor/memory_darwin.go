//go:build darwin

package supervisor

import "golang.org/x/sys/unix"

// TotalMemory returns physical memory in bytes, or 0 if unknown.
func TotalMemory() uint64 {
	n, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return 0
	}
	return n
}
