package bus

// Dashboard event topics.
const (
	TopicProcessStateChanged = "process.state_changed"
	TopicConfigReloaded      = "config.reloaded"
)

// ProcessStateChangedEvent is published when the supervised process moves
// between lifecycle states.
type ProcessStateChangedEvent struct {
	PID      int    // OS process id, 0 when none
	OldState string // Previous state (e.g. stopped)
	NewState string // New state (e.g. starting)
	Reason   string // Optional detail (exit status, error)
}

// ConfigReloadedEvent is published after a watched config file changes.
type ConfigReloadedEvent struct {
	Source string // "dashboard" or "openclaw"
	Path   string
}
