package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/basket/clawdash/internal/config"
	"github.com/basket/clawdash/internal/tui"
)

const clientTimeout = 30 * time.Second

// dashClient talks to a running dashboard on behalf of CLI subcommands.
type dashClient struct {
	base  string
	token string
	http  *http.Client
}

func newDashClient(cfg config.Config) *dashClient {
	return &dashClient{
		base:  strings.TrimRight(cfg.DashboardURL(), "/"),
		token: cfg.APIToken(),
		http:  &http.Client{Timeout: clientTimeout},
	}
}

// apiError carries the server's {"error": ...} body.
type apiError struct {
	Status      int
	Message     string
	Remediation string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// do sends a request and decodes a 2xx JSON body into out when out is non-nil.
func (c *dashClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dashboard unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error       string `json:"error"`
			Message     string `json:"message"`
			Remediation string `json:"remediation"`
		}
		_ = json.Unmarshal(body, &e)
		msg := e.Error
		if msg == "" {
			msg = e.Message
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &apiError{Status: resp.StatusCode, Message: msg, Remediation: e.Remediation}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

type statusResponse struct {
	Process struct {
		Running bool    `json:"running"`
		PID     *int    `json:"pid"`
		CPU     float64 `json:"cpu"`
		State   string  `json:"state"`
	} `json:"process"`
	Metrics struct {
		MemoryMB float64 `json:"memory"`
		Uptime   int     `json:"uptime"`
	} `json:"metrics"`
	Gateway struct {
		Connected         bool   `json:"connected"`
		State             string `json:"state"`
		ReconnectAttempts int    `json:"reconnectAttempts"`
		QueuedMessages    int    `json:"queuedMessages"`
	} `json:"gateway"`
	Installation string `json:"installation"`
}

func (r statusResponse) snapshot() tui.Snapshot {
	s := tui.Snapshot{
		Running:          r.Process.Running,
		State:            r.Process.State,
		CPU:              r.Process.CPU,
		MemoryMB:         r.Metrics.MemoryMB,
		Uptime:           time.Duration(r.Metrics.Uptime) * time.Second,
		Installation:     r.Installation,
		GatewayConnected: r.Gateway.Connected,
		GatewayState:     r.Gateway.State,
		QueuedMessages:   r.Gateway.QueuedMessages,
		Reconnects:       r.Gateway.ReconnectAttempts,
	}
	if r.Process.PID != nil {
		s.PID = *r.Process.PID
	}
	return s
}

// Status implements tui.StatusProvider.
func (c *dashClient) Status(ctx context.Context) (tui.Snapshot, error) {
	var resp statusResponse
	if err := c.do(ctx, http.MethodGet, "/api/status", &resp); err != nil {
		return tui.Snapshot{}, err
	}
	return resp.snapshot(), nil
}

// Process implements tui.Action.
func (c *dashClient) Process(ctx context.Context, op string) (string, error) {
	switch op {
	case "start", "stop", "restart":
	default:
		return "", fmt.Errorf("unknown process operation %q", op)
	}
	var resp struct {
		Message string `json:"message"`
		PID     int    `json:"pid"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/process/"+op, &resp); err != nil {
		return "", err
	}
	if resp.PID != 0 {
		return fmt.Sprintf("%s (pid %d)", resp.Message, resp.PID), nil
	}
	return resp.Message, nil
}

func (c *dashClient) Logs(ctx context.Context, lines int) (string, error) {
	var resp struct {
		Logs string `json:"logs"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/process/logs?lines=%d", lines), &resp)
	return resp.Logs, err
}

// printAPIError writes err to w, including the install hint when the server
// sent one.
func printAPIError(w io.Writer, err error) {
	var ae *apiError
	if errors.As(err, &ae) && ae.Remediation != "" {
		fmt.Fprintf(w, "error: %s\n\n%s\n", ae.Message, ae.Remediation)
		return
	}
	fmt.Fprintf(w, "error: %v\n", err)
}
