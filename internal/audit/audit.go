// Package audit records operator actions (process control, config edits,
// record mutations) to an append-only JSONL file and, when attached, to
// the store's audit_log table.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/clawdash/internal/persistence"
	"github.com/basket/clawdash/internal/shared"
)

const FileName = "audit.jsonl"

const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Sink receives audit rows. *persistence.Store satisfies it.
type Sink interface {
	RecordAudit(ctx context.Context, e persistence.AuditEntry) error
}

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	sink       Sink
	errorCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetSink attaches the database writer. nil detaches it.
func SetSink(s Sink) {
	mu.Lock()
	defer mu.Unlock()
	sink = s
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	sink = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// ErrorCount returns how many failed actions were recorded since startup.
func ErrorCount() int64 {
	return errorCount.Load()
}

// Record writes one action. Trace id and actor come from ctx.
func Record(ctx context.Context, action, outcome, detail string) {
	if outcome == OutcomeError {
		errorCount.Add(1)
	}
	detail = shared.Redact(detail)
	e := persistence.AuditEntry{
		CreatedAt: time.Now().UTC(),
		TraceID:   shared.TraceID(ctx),
		Actor:     shared.Actor(ctx),
		Action:    action,
		Outcome:   outcome,
		Detail:    detail,
	}

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		b, err := json.Marshal(entry{
			Timestamp: e.CreatedAt.Format(time.RFC3339Nano),
			TraceID:   e.TraceID,
			Actor:     e.Actor,
			Action:    e.Action,
			Outcome:   e.Outcome,
			Detail:    e.Detail,
		})
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if sink != nil {
		_ = sink.RecordAudit(context.WithoutCancel(ctx), e)
	}
}

// RecordErr derives the outcome from err and uses its message as detail
// when detail is empty.
func RecordErr(ctx context.Context, action string, err error, detail string) {
	if err == nil {
		Record(ctx, action, OutcomeOK, detail)
		return
	}
	if detail == "" {
		detail = err.Error()
	}
	Record(ctx, action, OutcomeError, detail)
}
