package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/clawdash/internal/otel"
)

const healthTimeout = 5 * time.Second

// ConnectionResult reports a health probe. An unreachable assistant is an
// expected outcome, not an error.
type ConnectionResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// TestConnection GETs /health on the assistant's gateway port.
func (s *Supervisor) TestConnection(ctx context.Context, port int) ConnectionResult {
	ctx, span := otel.StartClientSpan(ctx, s.tracer, "supervisor.health", otel.AttrOperation.String("test_connection"))
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/health", net.JoinHostPort(s.healthHost, strconv.Itoa(port)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		otel.EndSpan(span, err)
		return ConnectionResult{Error: err.Error()}
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		otel.EndSpan(span, err)
		return ConnectionResult{Error: err.Error()}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		otel.EndSpan(span, err)
		return ConnectionResult{Error: err.Error()}
	}
	if resp.StatusCode >= 400 {
		err := fmt.Errorf("health endpoint returned %s", resp.Status)
		otel.EndSpan(span, err)
		return ConnectionResult{Error: err.Error()}
	}
	otel.EndSpan(span, nil)

	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil || data == nil {
		data = map[string]any{"status": "Connected"}
	}
	return ConnectionResult{Success: true, Data: data}
}
