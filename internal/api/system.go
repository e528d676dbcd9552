package api

import (
	"math"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"
)

// hostInfo is filled per platform; zero values mean unknown.
type hostInfo struct {
	MemTotal uint64
	MemFree  uint64
	Uptime   int64
	Load     [3]float64
	Release  string
}

type memoryView struct {
	Total   uint64  `json:"total"`
	Free    uint64  `json:"free"`
	Used    uint64  `json:"used"`
	TotalGB float64 `json:"totalGB"`
	UsedGB  float64 `json:"usedGB"`
	Percent float64 `json:"percent"`
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func memory(h hostInfo) memoryView {
	m := memoryView{Total: h.MemTotal, Free: h.MemFree}
	if h.MemTotal == 0 {
		return m
	}
	m.Used = h.MemTotal - min(h.MemFree, h.MemTotal)
	const gb = 1 << 30
	m.TotalGB = round2(float64(m.Total) / gb)
	m.UsedGB = round2(float64(m.Used) / gb)
	m.Percent = round2(float64(m.Used) / float64(m.Total) * 100)
	return m
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	h := hostStats()
	hostname, _ := os.Hostname()
	writeJSON(w, http.StatusOK, map[string]any{
		"hostname": hostname,
		"platform": runtime.GOOS,
		"arch":     runtime.GOARCH,
		"release":  h.Release,
		"uptime":   h.Uptime,
		"cpus":     runtime.NumCPU(),
		"memory":   memory(h),
		"loadavg":  h.Load,
	})
}

// handleSystemMetrics reports host load, memory and disk usage of the
// assistant's directory.
func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	h := hostStats()
	body := map[string]any{
		"timestamp": time.Now().UnixMilli(),
		"loadavg":   h.Load,
		"memory":    memory(h),
	}
	dir := s.ws.Paths().OpenClawPath
	if _, err := os.Stat(dir); err != nil {
		dir = string(os.PathSeparator)
	}
	if total, free, ok := diskStats(dir); ok && total > 0 {
		used := total - min(free, total)
		body["disk"] = map[string]any{
			"path":    dir,
			"total":   total,
			"free":    free,
			"used":    used,
			"percent": round2(float64(used) / float64(total) * 100),
		}
	}
	writeJSON(w, http.StatusOK, body)
}

type netInterface struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Netmask string `json:"netmask"`
	MAC     string `json:"mac"`
}

// ipv4Addrs keeps the non-loopback IPv4 addresses of one interface.
func ipv4Addrs(name, mac string, addrs []net.Addr) []netInterface {
	var out []netInterface
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() {
			continue
		}
		ip4 := ipn.IP.To4()
		if ip4 == nil {
			continue
		}
		out = append(out, netInterface{
			Name:    name,
			Address: ip4.String(),
			Netmask: net.IP(ipn.Mask).String(),
			MAC:     mac,
		})
	}
	return out
}

func (s *Server) handleSystemNetwork(w http.ResponseWriter, r *http.Request) {
	ifaces, err := net.Interfaces()
	if err != nil {
		writeError(w, err)
		return
	}
	interfaces := []netInterface{}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		interfaces = append(interfaces, ipv4Addrs(ifc.Name, ifc.HardwareAddr.String(), addrs)...)
	}
	hostname, _ := os.Hostname()
	writeJSON(w, http.StatusOK, map[string]any{
		"interfaces": interfaces,
		"hostname":   hostname,
	})
}

func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	dbOK := s.store.Ping(r.Context()) == nil
	status := "healthy"
	if !dbOK {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"timestamp":        time.Now().UTC(),
		"uptime":           int64(time.Since(s.startedAt).Seconds()),
		"version":          s.version,
		"db":               dbOK,
		"gatewayConnected": s.gw.IsConnected(),
		"goroutines":       runtime.NumGoroutine(),
		"memory": map[string]uint64{
			"heapAlloc": ms.HeapAlloc,
			"heapSys":   ms.HeapSys,
			"sys":       ms.Sys,
		},
	})
}

func (s *Server) handlePaths(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ws.Paths())
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.store.ListAudit(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
