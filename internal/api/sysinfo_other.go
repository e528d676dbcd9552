//go:build !linux

package api

func hostStats() hostInfo { return hostInfo{} }

func diskStats(string) (total, free uint64, ok bool) { return 0, 0, false }
