package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/clawdash/internal/audit"
	"github.com/basket/clawdash/internal/persistence"
	"github.com/basket/clawdash/internal/supervisor"
	"github.com/basket/clawdash/internal/systemd"
)

const (
	defaultLogLines = 100
	maxLogLines     = 5000
	defaultHistory  = time.Hour
)

type processStatus struct {
	supervisor.StatusSnapshot
	Metrics          supervisor.ProcessMetrics `json:"metrics"`
	GatewayConnected bool                      `json:"gatewayConnected"`
}

func (s *Server) currentStatus(r *http.Request) processStatus {
	ctx := r.Context()
	snap := s.process.Status(ctx)
	return processStatus{
		StatusSnapshot:   snap,
		Metrics:          s.process.Metrics(ctx),
		GatewayConnected: s.gw.IsConnected(),
	}
}

func (s *Server) handleProcessStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentStatus(r))
}

func (s *Server) handleProcessMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.process.Metrics(r.Context()))
}

// handleMetricsHistory accepts since as a duration ("6h") or RFC 3339 time.
func (s *Server) handleMetricsHistory(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-defaultHistory)
	if v := r.URL.Query().Get("since"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			since = time.Now().Add(-d)
		} else if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		} else {
			writeError(w, badRequest("since must be a duration like 6h or an RFC 3339 time"))
			return
		}
	}
	samples, err := s.store.ListSamples(r.Context(), since)
	if err != nil {
		writeError(w, err)
		return
	}
	if samples == nil {
		samples = []persistence.Sample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"since": since.UTC(), "samples": samples})
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	_, _, port, _, _ := s.settings()
	if v := r.URL.Query().Get("port"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			writeError(w, badRequest("port must be between 1 and 65535"))
			return
		}
		port = p
	}
	writeJSON(w, http.StatusOK, s.process.TestConnection(r.Context(), port))
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.process.Diagnostics(r.Context()))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.runProcessOp(w, r, "process.start", s.process.Start, "OpenClaw started")
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.runProcessOp(w, r, "process.stop", s.process.Stop, "OpenClaw stopped")
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.runProcessOp(w, r, "process.restart", s.process.Restart, "OpenClaw restarted")
}

func (s *Server) runProcessOp(w http.ResponseWriter, r *http.Request, action string, op func(context.Context) error, message string) {
	ctx := r.Context()
	if err := op(ctx); err != nil {
		audit.RecordErr(ctx, action, err, "")
		s.logger.Warn("process operation failed", "action", action, "error", err)
		writeError(w, err)
		return
	}
	h := s.process.Handle()
	audit.Record(ctx, action, audit.OutcomeOK, "state="+string(h.State))
	body := map[string]any{"success": true, "message": message, "state": h.State}
	if h.PID != 0 {
		body["pid"] = h.PID
	}
	writeJSON(w, http.StatusOK, body)
}

func logLines(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("lines"))
	if err != nil || n <= 0 {
		return defaultLogLines
	}
	return min(n, maxLogLines)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"logs": s.process.Logs(r.Context(), logLines(r))})
}

func (s *Server) handleSystemdStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.process.SystemdStatus(r.Context()))
}

func (s *Server) handleSystemdAvailable(w http.ResponseWriter, r *http.Request) {
	available := s.process.SystemdAvailable()
	managed := false
	if available {
		managed = s.process.SystemdStatus(r.Context()).Exists
	}
	writeJSON(w, http.StatusOK, map[string]bool{"available": available, "managed": managed})
}

func (s *Server) handleSystemdEnable(w http.ResponseWriter, r *http.Request) {
	res, err := s.process.EnableAutoStart(r.Context())
	s.writeAutostart(w, r, "systemd.enable", res, err)
}

func (s *Server) handleSystemdDisable(w http.ResponseWriter, r *http.Request) {
	res, err := s.process.DisableAutoStart(r.Context())
	s.writeAutostart(w, r, "systemd.disable", res, err)
}

func (s *Server) writeAutostart(w http.ResponseWriter, r *http.Request, action string, res systemd.Result, err error) {
	if err != nil {
		audit.RecordErr(r.Context(), action, err, res.Message)
		body := map[string]any{"success": false, "error": err.Error(), "message": res.Message}
		if errors.Is(err, systemd.ErrUnavailable) {
			body["available"] = false
		}
		writeJSON(w, statusFor(err), body)
		return
	}
	audit.Record(r.Context(), action, audit.OutcomeOK, res.Message)
	writeJSON(w, http.StatusOK, res)
}
