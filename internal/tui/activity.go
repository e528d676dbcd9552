package tui

import (
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// ActivityItem is one line in the watch view's event feed.
type ActivityItem struct {
	Icon    string
	Message string
	At      time.Time
}

// ActivityFeed keeps the most recent state changes and action results.
type ActivityFeed struct {
	mu       sync.Mutex
	items    []ActivityItem
	maxItems int
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 8}
}

func (f *ActivityFeed) Add(item ActivityItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.At.IsZero() {
		item.At = time.Now()
	}
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[len(f.items)-f.maxItems:]
	}
}

func (f *ActivityFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *ActivityFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))

	var out strings.Builder
	out.WriteString(dim.Render("── Activity ──") + "\n")
	for _, it := range f.items {
		out.WriteString(dim.Render(it.At.Format("15:04:05")) + " " + itemS.Render(it.Icon+" "+it.Message) + "\n")
	}
	return out.String()
}
