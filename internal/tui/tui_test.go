package tui

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func running() Snapshot {
	return Snapshot{
		Running:          true,
		PID:              4242,
		State:            "running",
		CPU:              12.5,
		MemoryMB:         256,
		Uptime:           90 * time.Second,
		Installation:     "bundle",
		GatewayConnected: true,
	}
}

func TestView_ShowsProcessAndGateway(t *testing.T) {
	m := newModel(context.Background(), nil, nil, time.Second)
	m.snap = running()
	view := m.View()
	for _, want := range []string{"running", "4242", "12.5%", "256.0 MB", "1m30s", "bundle", "connected", "q quit"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
	if strings.Contains(view, "s start") {
		t.Error("action help shown without an action")
	}
}

func TestUpdate_RecordsStateChanges(t *testing.T) {
	m := newModel(context.Background(), nil, nil, time.Second)
	updated, _ := m.Update(snapMsg{snap: Snapshot{State: "stopped"}})
	m = updated.(model)
	if m.feed.Len() != 0 {
		t.Fatalf("first snapshot added %d feed items", m.feed.Len())
	}
	updated, _ = m.Update(snapMsg{snap: running()})
	m = updated.(model)
	if m.feed.Len() != 2 {
		t.Fatalf("feed len = %d, want state + gateway change", m.feed.Len())
	}
	if !strings.Contains(m.feed.View(), "stopped → running") {
		t.Fatalf("feed:\n%s", m.feed.View())
	}
}

func TestUpdate_PollErrorKeepsSnapshot(t *testing.T) {
	m := newModel(context.Background(), nil, nil, time.Second)
	m.snap = running()
	updated, _ := m.Update(snapMsg{err: errors.New("status: dial tcp: connection refused")})
	m = updated.(model)
	if m.snap.PID != 4242 {
		t.Fatal("snapshot discarded on error")
	}
	if !strings.Contains(m.View(), "Connection refused") {
		t.Fatalf("view:\n%s", m.View())
	}
}

func TestUpdate_ActionKeys(t *testing.T) {
	var got []string
	action := func(_ context.Context, op string) (string, error) {
		got = append(got, op)
		return "OpenClaw " + op + "ed", nil
	}
	provider := func(context.Context) (Snapshot, error) { return running(), nil }
	m := newModel(context.Background(), provider, action, time.Second)

	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	m = updated.(model)
	if cmd == nil || !m.busy {
		t.Fatal("start key did not dispatch")
	}
	res := cmd().(actionMsg)
	if len(got) != 1 || got[0] != "start" {
		t.Fatalf("actions = %v", got)
	}

	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")}); cmd != nil {
		t.Fatal("second action dispatched while busy")
	}

	updated, _ = m.Update(res)
	m = updated.(model)
	if m.busy || !strings.Contains(m.feed.View(), "OpenClaw started") {
		t.Fatalf("busy=%v feed:\n%s", m.busy, m.feed.View())
	}
}

func TestUpdate_Quit(t *testing.T) {
	m := newModel(context.Background(), nil, nil, time.Second)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("q did not quit")
	}
}

func TestPlain_PrintsUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	provider := func(context.Context) (Snapshot, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return running(), nil
	}
	var buf bytes.Buffer
	if err := Plain(ctx, &buf, provider, 10*time.Millisecond); err != nil {
		t.Fatalf("Plain: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.Contains(lines[0], "state=running pid=4242") {
		t.Fatalf("line = %q", lines[0])
	}
}

func TestActivityFeed_Bounded(t *testing.T) {
	f := NewActivityFeed()
	for i := range 20 {
		f.Add(ActivityItem{Icon: "•", Message: strings.Repeat("x", i)})
	}
	if f.Len() != 8 {
		t.Fatalf("len = %d", f.Len())
	}
}
