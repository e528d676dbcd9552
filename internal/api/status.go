package api

import (
	"net/http"
	"time"

	"github.com/basket/clawdash/internal/bus"
	"github.com/basket/clawdash/internal/gateway"
	"github.com/basket/clawdash/internal/install"
	"github.com/basket/clawdash/internal/supervisor"
)

type statusView struct {
	Process      supervisor.StatusSnapshot `json:"process"`
	Handle       supervisor.ProcessHandle  `json:"handle"`
	Metrics      supervisor.ProcessMetrics `json:"metrics"`
	Gateway      gateway.Stats             `json:"gateway"`
	Installation install.Kind              `json:"installation"`
	Timestamp    int64                     `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSON(w, http.StatusOK, statusView{
		Process:      s.process.Status(ctx),
		Handle:       s.process.Handle(),
		Metrics:      s.process.Metrics(ctx),
		Gateway:      s.gw.Stats(),
		Installation: s.process.DetectInstallation(),
		Timestamp:    time.Now().UnixMilli(),
	})
}

// statusEvent flattens the process status into one SSE payload.
type statusEvent struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	processStatus
}

type stateEvent struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	PID       int    `json:"pid,omitempty"`
	OldState  string `json:"oldState"`
	NewState  string `json:"newState"`
	Reason    string `json:"reason,omitempty"`
}

// handleStatusStream polls status on an interval and pushes an extra update
// whenever the supervisor reports a state change.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	stream, ok := openSSE(w)
	if !ok {
		return
	}
	ctx := r.Context()
	s.metrics.StreamOpened(ctx, "status")
	defer s.metrics.StreamClosed(ctx, "status")

	var changes <-chan bus.Event
	if s.bus != nil {
		sub := s.bus.SubscribeTopic(bus.TopicProcessStateChanged)
		defer s.bus.Unsubscribe(sub)
		changes = sub.Ch()
	}

	_, _, _, poll, _ := s.settings()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	if err := stream.send(map[string]any{"type": "connected", "timestamp": time.Now().UnixMilli()}); err != nil {
		return
	}
	push := func() error {
		return stream.send(statusEvent{Type: "status", Timestamp: time.Now().UnixMilli(), processStatus: s.currentStatus(r)})
	}
	if err := push(); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: status client disconnected")
			return
		case <-ticker.C:
			if err := push(); err != nil {
				return
			}
		case ev, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if change, isChange := ev.Payload.(bus.ProcessStateChangedEvent); isChange {
				if err := stream.send(stateEvent{
					Type:      "state",
					Timestamp: time.Now().UnixMilli(),
					PID:       change.PID,
					OldState:  change.OldState,
					NewState:  change.NewState,
					Reason:    change.Reason,
				}); err != nil {
					return
				}
			}
			if err := push(); err != nil {
				return
			}
		}
	}
}

// handleLogStream tails the assistant's log file.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lines, err := s.process.FollowLogs(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	stream, ok := openSSE(w)
	if !ok {
		return
	}
	s.metrics.StreamOpened(ctx, "logs")
	defer s.metrics.StreamClosed(ctx, "logs")

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				_ = stream.send(map[string]string{"type": "end"})
				return
			}
			if err := stream.send(map[string]string{"type": "log", "line": line}); err != nil {
				return
			}
		}
	}
}
