package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUserNotFound is returned by repositories when no account matches.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrInvalidCredentials covers every sign-in rejection so callers cannot
	// tell unknown accounts from bad passwords.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// User is a sign-in account. ID is the opaque user id engagement records key on.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Service checks credentials and keeps the sign-in audit trail.
type Service struct {
	repo Repository
}

// NewService constructs a Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Authenticate returns the active account matching email and password.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := s.repo.FindByEmail(ctx, email)
	switch {
	case err != nil, !user.IsActive:
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// RegisterSession records a sign-in against the browser session id.
func (s *Service) RegisterSession(ctx context.Context, sessionID, userID string, expiresAt time.Time, ip, userAgent string) error {
	return s.repo.CreateSession(ctx, sessionID, userID, expiresAt, ip, userAgent)
}

// RemoveSession forgets a signed-in browser session.
func (s *Service) RemoveSession(ctx context.Context, sessionID string) error {
	return s.repo.DeleteSession(ctx, sessionID)
}
