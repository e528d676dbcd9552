// Package auth manages dashboard users: bcrypt password checks, 24h cookie
// sessions and login throttling.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/basket/clawdash/internal/persistence"
	"github.com/basket/clawdash/internal/ratelimit"
)

const (
	CookieName        = "clawdash_session"
	DefaultSessionTTL = 24 * time.Hour
	DefaultCost       = 12
	MinPasswordLength = 8

	defaultAdminUser     = "admin"
	defaultAdminPassword = "admin123"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthenticated    = errors.New("unauthorized, please login")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrRateLimited        = errors.New("too many login attempts")
)

// Store is the subset of *persistence.Store used for users and sessions.
type Store interface {
	CountUsers(ctx context.Context) (int, error)
	CreateUser(ctx context.Context, username, passwordHash, role string) (persistence.User, error)
	UserByName(ctx context.Context, username string) (persistence.User, error)
	UserByID(ctx context.Context, id int64) (persistence.User, error)
	TouchLogin(ctx context.Context, userID int64) error
	SetPasswordHash(ctx context.Context, userID int64, hash string) error
	CreateSession(ctx context.Context, userID int64, ttl time.Duration, ip string) (persistence.Session, error)
	LookupSession(ctx context.Context, id string) (persistence.Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteUserSessions(ctx context.Context, userID int64, keep string) error
}

type Options struct {
	Store  Store
	Logger *slog.Logger
	// SessionTTL defaults to 24h.
	SessionTTL time.Duration
	// Cost is the bcrypt cost; defaults to 12.
	Cost int
	// LoginAttempts per LoginWindow per remote address; defaults to 5 per 15m.
	LoginAttempts int
	LoginWindow   time.Duration
	SecureCookies bool
}

type Service struct {
	store   Store
	logger  *slog.Logger
	ttl     time.Duration
	cost    int
	secure  bool
	limiter *ratelimit.Limiter
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("auth requires a store")
	}
	s := &Service{
		store:  opts.Store,
		logger: opts.Logger,
		ttl:    opts.SessionTTL,
		cost:   opts.Cost,
		secure: opts.SecureCookies,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.ttl <= 0 {
		s.ttl = DefaultSessionTTL
	}
	if s.cost == 0 {
		s.cost = DefaultCost
	}
	attempts := opts.LoginAttempts
	if attempts <= 0 {
		attempts = 5
	}
	window := opts.LoginWindow
	if window <= 0 {
		window = 15 * time.Minute
	}
	s.limiter = ratelimit.New(attempts, window, attempts)
	return s, nil
}

// Limiter exposes the login limiter so the server can run eviction on it.
func (s *Service) Limiter() *ratelimit.Limiter { return s.limiter }

// EnsureDefaultAdmin creates admin/admin123 when the users table is empty.
func (s *Service) EnsureDefaultAdmin(ctx context.Context) (bool, error) {
	n, err := s.store.CountUsers(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(defaultAdminPassword), s.cost)
	if err != nil {
		return false, fmt.Errorf("hash default password: %w", err)
	}
	if _, err := s.store.CreateUser(ctx, defaultAdminUser, string(hash), persistence.RoleAdmin); err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	s.logger.Warn("created default admin user; change the password after first login", "username", defaultAdminUser)
	return true, nil
}

// Login verifies credentials and opens a session. ip keys the attempt limiter.
func (s *Service) Login(ctx context.Context, username, password, ip string) (persistence.Session, persistence.User, error) {
	if !s.limiter.Allow(ip) {
		return persistence.Session{}, persistence.User{}, ErrRateLimited
	}
	user, err := s.store.UserByName(ctx, username)
	if errors.Is(err, persistence.ErrNotFound) {
		return persistence.Session{}, persistence.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return persistence.Session{}, persistence.User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		s.logger.Info("login rejected", "username", username, "ip", ip)
		return persistence.Session{}, persistence.User{}, ErrInvalidCredentials
	}

	sess, err := s.store.CreateSession(ctx, user.ID, s.ttl, ip)
	if err != nil {
		return persistence.Session{}, persistence.User{}, err
	}
	if err := s.store.TouchLogin(ctx, user.ID); err != nil {
		s.logger.Warn("update last login failed", "error", err)
	}
	s.limiter.Reset(ip)
	return sess, user, nil
}

func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return s.store.DeleteSession(ctx, sessionID)
}

// Resolve returns the user behind an unexpired session.
func (s *Service) Resolve(ctx context.Context, sessionID string) (persistence.User, persistence.Session, error) {
	if sessionID == "" {
		return persistence.User{}, persistence.Session{}, ErrUnauthenticated
	}
	sess, err := s.store.LookupSession(ctx, sessionID)
	if errors.Is(err, persistence.ErrNotFound) {
		return persistence.User{}, persistence.Session{}, ErrUnauthenticated
	}
	if err != nil {
		return persistence.User{}, persistence.Session{}, err
	}
	user, err := s.store.UserByID(ctx, sess.UserID)
	if errors.Is(err, persistence.ErrNotFound) {
		return persistence.User{}, persistence.Session{}, ErrUnauthenticated
	}
	if err != nil {
		return persistence.User{}, persistence.Session{}, err
	}
	return user, sess, nil
}

// ChangePassword checks current, stores a new hash and revokes the user's
// other sessions.
func (s *Service) ChangePassword(ctx context.Context, userID int64, current, next, keepSession string) error {
	if len(next) < MinPasswordLength {
		return ErrWeakPassword
	}
	user, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)) != nil {
		return ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.SetPasswordHash(ctx, userID, string(hash)); err != nil {
		return err
	}
	return s.store.DeleteUserSessions(ctx, userID, keepSession)
}

// SessionCookie builds the cookie for sess.
func (s *Service) SessionCookie(sess persistence.Session) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    sess.ID,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		MaxAge:   int(time.Until(sess.ExpiresAt).Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearCookie expires the session cookie in the browser.
func (s *Service) ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// SessionID reads the session cookie from r.
func SessionID(r *http.Request) string {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return c.Value
}
