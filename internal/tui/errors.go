package tui

import "strings"

// humanError keeps the innermost message of a wrapped error.
// "status: get http://127.0.0.1:3000/api/status: connection refused" → "Connection refused"
func humanError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx != -1 && idx+2 < len(msg) {
		inner := msg[idx+2:]
		return strings.ToUpper(inner[:1]) + inner[1:]
	}
	return msg
}
