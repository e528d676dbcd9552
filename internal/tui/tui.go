// Package tui renders the live status view used by `clawdash watch`.
package tui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Snapshot is one poll of the dashboard's /api/status.
type Snapshot struct {
	Running          bool
	PID              int
	State            string
	CPU              float64
	MemoryMB         float64
	Uptime           time.Duration
	Installation     string
	GatewayConnected bool
	GatewayState     string
	QueuedMessages   int
	Reconnects       int
}

type StatusProvider func(ctx context.Context) (Snapshot, error)

// Action runs a process operation ("start", "stop", "restart") and returns
// the server's message.
type Action func(ctx context.Context, op string) (string, error)

type model struct {
	ctx      context.Context
	provider StatusProvider
	action   Action
	interval time.Duration

	snap    Snapshot
	lastErr string
	feed    *ActivityFeed
	busy    bool
}

type tickMsg time.Time

type snapMsg struct {
	snap Snapshot
	err  error
}

type actionMsg struct {
	op  string
	msg string
	err error
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) poll() tea.Cmd {
	return func() tea.Msg {
		snap, err := m.provider(m.ctx)
		return snapMsg{snap: snap, err: err}
	}
}

func (m model) run(op string) tea.Cmd {
	return func() tea.Msg {
		msg, err := m.action(m.ctx, op)
		return actionMsg{op: op, msg: msg, err: err}
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.poll(), m.tick())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "s", "x", "r":
			if m.action == nil || m.busy {
				return m, nil
			}
			op := map[string]string{"s": "start", "x": "stop", "r": "restart"}[msg.String()]
			m.busy = true
			m.feed.Add(ActivityItem{Icon: "…", Message: op + " requested"})
			return m, m.run(op)
		}
	case tickMsg:
		return m, tea.Batch(m.poll(), m.tick())
	case snapMsg:
		if msg.err != nil {
			m.lastErr = humanError(msg.err)
			return m, nil
		}
		if m.snap.State != "" && msg.snap.State != m.snap.State {
			m.feed.Add(ActivityItem{Icon: "↻", Message: fmt.Sprintf("%s → %s", m.snap.State, msg.snap.State)})
		}
		if m.snap.GatewayConnected != msg.snap.GatewayConnected && m.snap.State != "" {
			text := "gateway disconnected"
			if msg.snap.GatewayConnected {
				text = "gateway connected"
			}
			m.feed.Add(ActivityItem{Icon: "⇄", Message: text})
		}
		m.snap, m.lastErr = msg.snap, ""
	case actionMsg:
		m.busy = false
		if msg.err != nil {
			m.feed.Add(ActivityItem{Icon: "✗", Message: msg.op + ": " + humanError(msg.err)})
		} else {
			m.feed.Add(ActivityItem{Icon: "✓", Message: msg.msg})
		}
		return m, m.poll()
	}
	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Width(14)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

func stateStyle(s Snapshot) lipgloss.Style {
	if s.Running {
		return okStyle
	}
	if s.State == "crashed" || s.State == "error" {
		return badStyle
	}
	return dimStyle
}

func row(label, value string) string {
	return labelStyle.Render(label) + value + "\n"
}

func (m model) View() string {
	s := m.snap
	var b strings.Builder
	state := s.State
	if state == "" {
		state = "unknown"
	}
	b.WriteString(row("Process", stateStyle(s).Render(state)))
	if s.PID > 0 {
		b.WriteString(row("PID", fmt.Sprint(s.PID)))
	}
	b.WriteString(row("CPU", fmt.Sprintf("%.1f%%", s.CPU)))
	b.WriteString(row("Memory", fmt.Sprintf("%.1f MB", s.MemoryMB)))
	b.WriteString(row("Uptime", s.Uptime.Truncate(time.Second).String()))
	b.WriteString(row("Install", s.Installation))
	gw := badStyle.Render("disconnected")
	if s.GatewayConnected {
		gw = okStyle.Render("connected")
	}
	b.WriteString(row("Gateway", gw))
	if s.QueuedMessages > 0 {
		b.WriteString(row("Queued", fmt.Sprint(s.QueuedMessages)))
	}

	out := titleStyle.Render("OpenClaw Dashboard") + "\n" + boxStyle.Render(strings.TrimRight(b.String(), "\n")) + "\n"
	if m.lastErr != "" {
		out += badStyle.Render("Error: "+m.lastErr) + "\n"
	}
	out += m.feed.View()
	help := "q quit"
	if m.action != nil {
		help = "s start · x stop · r restart · " + help
	}
	return out + dimStyle.Render(help) + "\n"
}

func newModel(ctx context.Context, provider StatusProvider, action Action, interval time.Duration) model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return model{ctx: ctx, provider: provider, action: action, interval: interval, feed: NewActivityFeed()}
}

// Run starts the interactive view and blocks until the user quits or ctx ends.
func Run(ctx context.Context, provider StatusProvider, action Action, interval time.Duration) error {
	defer bestEffortResetTTY()

	p := tea.NewProgram(newModel(ctx, provider, action, interval))

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		<-done
		return nil
	case err := <-done:
		return err
	}
}

// Plain prints one line per poll for non-terminal output until ctx ends.
func Plain(ctx context.Context, w io.Writer, provider StatusProvider, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		snap, err := provider(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(w, "%s error=%q\n", time.Now().Format(time.RFC3339), humanError(err))
		} else {
			fmt.Fprintln(w, FormatLine(time.Now(), snap))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// FormatLine renders a snapshot as logfmt-style key=value pairs.
func FormatLine(at time.Time, s Snapshot) string {
	return fmt.Sprintf("%s state=%s pid=%d cpu=%.1f mem_mb=%.1f uptime=%s gateway=%t queued=%d",
		at.Format(time.RFC3339), s.State, s.PID, s.CPU, s.MemoryMB,
		s.Uptime.Truncate(time.Second), s.GatewayConnected, s.QueuedMessages)
}
