//go:build !linux && !darwin

package supervisor

// TotalMemory returns 0; memory in MB is reported as 0 on this platform.
func TotalMemory() uint64 { return 0 }
