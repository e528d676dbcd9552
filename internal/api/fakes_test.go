package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/basket/clawdash/internal/bus"
	"github.com/basket/clawdash/internal/gateway"
	"github.com/basket/clawdash/internal/install"
	"github.com/basket/clawdash/internal/supervisor"
	"github.com/basket/clawdash/internal/systemd"
)

type fakeProcess struct {
	mu       sync.Mutex
	startErr error
	stopErr  error
	running  bool
	pid      int
	calls    []string
	logs     string
	kind     install.Kind
	lines    chan string
}

func (f *fakeProcess) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
}

func (f *fakeProcess) Start(context.Context) error {
	f.record("start")
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.running, f.pid = true, 4242
	f.mu.Unlock()
	return nil
}

func (f *fakeProcess) Stop(context.Context) error {
	f.record("stop")
	if f.stopErr != nil {
		return f.stopErr
	}
	f.mu.Lock()
	f.running, f.pid = false, 0
	f.mu.Unlock()
	return nil
}

func (f *fakeProcess) Restart(ctx context.Context) error {
	if err := f.Stop(ctx); err != nil {
		return err
	}
	return f.Start(ctx)
}

func (f *fakeProcess) Status(context.Context) supervisor.StatusSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return supervisor.StatusSnapshot{State: supervisor.StateStopped}
	}
	pid := f.pid
	return supervisor.StatusSnapshot{Running: true, PID: &pid, State: supervisor.StateRunning}
}

func (f *fakeProcess) Metrics(context.Context) supervisor.ProcessMetrics {
	return supervisor.ProcessMetrics{}
}

func (f *fakeProcess) Handle() supervisor.ProcessHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := supervisor.StateStopped
	if f.running {
		state = supervisor.StateRunning
	}
	return supervisor.ProcessHandle{PID: f.pid, State: state}
}

func (f *fakeProcess) Logs(context.Context, int) string { return f.logs }

func (f *fakeProcess) FollowLogs(context.Context) (<-chan string, error) {
	if f.lines == nil {
		return nil, supervisor.ErrNotInstalled
	}
	return f.lines, nil
}

func (f *fakeProcess) TestConnection(_ context.Context, port int) supervisor.ConnectionResult {
	return supervisor.ConnectionResult{Success: true, Data: map[string]any{"port": port}}
}

func (f *fakeProcess) DetectInstallation() install.Kind { return f.kind }

func (f *fakeProcess) Diagnostics(context.Context) install.Diagnostics { return install.Diagnostics{} }

func (f *fakeProcess) SystemdAvailable() bool { return false }

func (f *fakeProcess) SystemdStatus(context.Context) systemd.Status { return systemd.Status{} }

func (f *fakeProcess) EnableAutoStart(context.Context) (systemd.Result, error) {
	return systemd.Result{Message: "systemd not available"}, systemd.ErrUnavailable
}

func (f *fakeProcess) DisableAutoStart(context.Context) (systemd.Result, error) {
	return systemd.Result{Message: "systemd not available"}, systemd.ErrUnavailable
}

// fakeGateway answers Request from replies keyed by message type.
type fakeGateway struct {
	bus *bus.Bus

	mu        sync.Mutex
	connected bool
	replies   map[string]any
	errs      map[string]error
	sent      []string
	queued    []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		bus:     bus.New(),
		replies: map[string]any{},
		errs:    map[string]error{},
	}
}

func (g *fakeGateway) Connect(context.Context) error {
	g.mu.Lock()
	g.connected = true
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) Send(_ context.Context, msgType string, _ any) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		g.queued = append(g.queued, msgType)
		return false, nil
	}
	g.sent = append(g.sent, msgType)
	return true, nil
}

func (g *fakeGateway) Request(_ context.Context, msgType string, _ any, replyType string, _ time.Duration) (gateway.Envelope, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, msgType)
	if err := g.errs[msgType]; err != nil {
		return gateway.Envelope{}, err
	}
	data, err := json.Marshal(g.replies[msgType])
	if err != nil {
		return gateway.Envelope{}, err
	}
	return gateway.Envelope{Type: replyType, Data: data}, nil
}

func (g *fakeGateway) SendChatMessage(ctx context.Context, _, _ string) (bool, error) {
	return g.Send(ctx, gateway.TypeChatMessage, nil)
}

func (g *fakeGateway) ReloadSkills(ctx context.Context) (bool, error) {
	return g.Send(ctx, gateway.TypeSkillsReload, nil)
}

func (g *fakeGateway) Subscribe(topic string) *bus.Subscription { return g.bus.Subscribe(topic) }

func (g *fakeGateway) Unsubscribe(sub *bus.Subscription) { g.bus.Unsubscribe(sub) }

func (g *fakeGateway) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *fakeGateway) Stats() gateway.Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return gateway.Stats{Connected: g.connected, QueuedMessages: len(g.queued)}
}

func (g *fakeGateway) sentTypes() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.sent...)
}

func (g *fakeGateway) queuedTypes() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.queued...)
}
