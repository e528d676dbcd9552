package api

import (
	"errors"
	"net/http"

	"github.com/basket/clawdash/internal/audit"
	"github.com/basket/clawdash/internal/auth"
	"github.com/basket/clawdash/internal/shared"
)

type userView struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Username == "" || body.Password == "" {
		writeError(w, badRequest("Username and password required"))
		return
	}

	ip := clientIP(r)
	ctx := shared.WithActor(r.Context(), body.Username)
	sess, user, err := s.auth.Login(ctx, body.Username, body.Password, ip)
	if err != nil {
		if errors.Is(err, auth.ErrRateLimited) {
			s.metrics.RateLimited(ctx, "login")
			w.Header().Set("Retry-After", retryAfterSeconds(s.auth.Limiter().RetryAfter(ip)))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "Too many login attempts, please try again later.",
			})
		} else {
			writeError(w, err)
		}
		audit.RecordErr(ctx, "auth.login", err, "ip="+ip)
		return
	}
	http.SetCookie(w, s.auth.SessionCookie(sess))
	audit.Record(ctx, "auth.login", audit.OutcomeOK, "ip="+ip)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    userView{ID: user.ID, Username: user.Username, Role: user.Role},
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Logout(r.Context(), auth.SessionID(r)); err != nil {
		s.logger.Warn("logout: delete session failed", "error", err)
	}
	http.SetCookie(w, s.auth.ClearCookie())
	if _, _, ok := userFrom(r.Context()); ok {
		audit.Record(r.Context(), "auth.logout", audit.OutcomeOK, "")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	enabled, _, _, _, _ := s.settings()
	u, _, ok := userFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": !enabled, "authRequired": enabled})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"authRequired":  enabled,
		"user":          userView{ID: u.ID, Username: u.Username, Role: u.Role},
	})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	u, sess, ok := userFrom(r.Context())
	if !ok {
		writeError(w, &httpError{status: http.StatusUnauthorized, msg: "password change requires a login session"})
		return
	}
	var body struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.CurrentPassword == "" || body.NewPassword == "" {
		writeError(w, badRequest("Current and new password required"))
		return
	}
	err := s.auth.ChangePassword(r.Context(), u.ID, body.CurrentPassword, body.NewPassword, sess.ID)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		err = &httpError{status: http.StatusUnauthorized, msg: "Current password is incorrect"}
	}
	if err != nil {
		audit.RecordErr(r.Context(), "auth.password", err, "")
		writeError(w, err)
		return
	}
	audit.Record(r.Context(), "auth.password", audit.OutcomeOK, "")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Password changed successfully"})
}
