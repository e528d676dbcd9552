package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/basket/clawdash/internal/auth"
	"github.com/basket/clawdash/internal/gateway"
	"github.com/basket/clawdash/internal/persistence"
	"github.com/basket/clawdash/internal/supervisor"
	"github.com/basket/clawdash/internal/systemd"
	"github.com/basket/clawdash/internal/workspace"
)

// httpError carries an explicit status for request-shape failures.
type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &httpError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var he *httpError
	switch {
	case errors.As(err, &he):
		return he.status
	case errors.Is(err, supervisor.ErrNotInstalled):
		return http.StatusPreconditionFailed
	case errors.Is(err, supervisor.ErrAlreadyRunning), errors.Is(err, persistence.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrStartFailed),
		errors.Is(err, gateway.ErrTimeout),
		errors.Is(err, gateway.ErrConnectTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, persistence.ErrNotFound),
		errors.Is(err, workspace.ErrSkillNotFound),
		errors.Is(err, workspace.ErrBackupNotFound),
		errors.Is(err, systemd.ErrUnitNotFound):
		return http.StatusNotFound
	case errors.Is(err, workspace.ErrInvalidBackupName),
		errors.Is(err, workspace.ErrInvalidEnv),
		errors.Is(err, auth.ErrWeakPassword):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, systemd.ErrUnavailable), errors.Is(err, errGatewayDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error": msg}, adding remediation for a missing install.
func writeError(w http.ResponseWriter, err error) {
	body := map[string]any{"error": err.Error()}
	if errors.Is(err, supervisor.ErrNotInstalled) {
		body["error"] = "OpenClaw not found"
		body["remediation"] = supervisor.Remediation(err)
	}
	writeJSON(w, statusFor(err), body)
}

func writeValidation(w http.ResponseWriter, msg string, issues []string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": msg, "details": issues})
}

// readBody returns the raw request body, rejecting an empty one.
func readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, badRequest("read body: %v", err)
	}
	if len(raw) == 0 {
		return nil, badRequest("request body required")
	}
	return raw, nil
}

func decodeBody(r *http.Request, v any) error {
	raw, err := readBody(r)
	if err != nil {
		return err
	}
	return decodeRaw(raw, v)
}

func decodeRaw(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}
