package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

type User struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastLogin    *time.Time `json:"lastLogin,omitempty"`
}

type Session struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	IPAddress string    `json:"ipAddress,omitempty"`
}

func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (s *Store) CreateUser(ctx context.Context, username, passwordHash, role string) (User, error) {
	if role == "" {
		role = RoleUser
	}
	now := time.Now().UTC()
	var id int64
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO users (username, password_hash, role, created_at) VALUES (?, ?, ?, ?);
		`, username, passwordHash, role, now)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if isUniqueViolation(err) {
		return User{}, fmt.Errorf("user %q: %w", username, ErrConflict)
	}
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return User{ID: id, Username: username, PasswordHash: passwordHash, Role: role, CreatedAt: now}, nil
}

func scanUser(row *sql.Row) (User, error) {
	var (
		u         User
		lastLogin sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt, &lastLogin); err != nil {
		return User{}, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLogin = &t
	}
	return u, nil
}

func (s *Store) UserByName(ctx context.Context, username string) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, created_at, last_login FROM users WHERE username = ?;
	`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *Store) UserByID(ctx context.Context, id int64) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, created_at, last_login FROM users WHERE id = ?;
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *Store) TouchLogin(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?;`, time.Now().UTC(), userID); err != nil {
		return fmt.Errorf("update last_login: %w", err)
	}
	return nil
}

func (s *Store) SetPasswordHash(ctx context.Context, userID int64, hash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = ? WHERE id = ?;`, hash, userID)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return nil
}

// CreateSession stores a session that expires after ttl.
func (s *Store) CreateSession(ctx context.Context, userID int64, ttl time.Duration, ip string) (Session, error) {
	now := time.Now().UTC()
	sess := Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		IPAddress: ip,
	}
	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, user_id, created_at, expires_at, ip_address) VALUES (?, ?, ?, ?, ?);
		`, sess.ID, sess.UserID, sess.CreatedAt, sess.ExpiresAt, nullString(ip))
		return err
	})
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// LookupSession returns the session only while it is unexpired.
func (s *Store) LookupSession(ctx context.Context, id string) (Session, error) {
	var (
		sess Session
		ip   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, created_at, expires_at, ip_address FROM sessions
		WHERE id = ? AND expires_at > ?;
	`, id, time.Now().UTC()).Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt, &ip)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session: %w", ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("lookup session: %w", err)
	}
	sess.IPAddress = ip.String
	return sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteUserSessions drops every session of userID except keep.
func (s *Store) DeleteUserSessions(ctx context.Context, userID int64, keep string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ? AND id != ?;`, userID, keep); err != nil {
		return fmt.Errorf("delete user sessions: %w", err)
	}
	return nil
}

func (s *Store) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?;`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
