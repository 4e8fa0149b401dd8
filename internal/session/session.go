// Package session holds the authenticated identity that every feed component
// receives at construction instead of reading ambient storage.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoCredential is returned when no bearer credential is available. Callers
// route the user to a login prompt instead of initializing the feed core.
var ErrNoCredential = errors.New("no credential: login required")

// Session is the explicit session context: the bearer credential and the
// identity it was issued for.
type Session struct {
	Token     string
	UserID    string
	Name      string
	ExpiresAt time.Time
}

// Claims carried by tokens the backend issues.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// FromToken builds a Session from a bearer JWT. The signature is not verified:
// the client cannot hold the signing secret and the server verifies every
// request anyway. Only the subject and expiry are read.
func FromToken(token string) (*Session, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return nil, ErrNoCredential
	}

	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("parse credential: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("parse credential: missing subject")
	}

	s := &Session{
		Token:  token,
		UserID: claims.Subject,
		Name:   claims.Name,
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// Authorization returns the Authorization header value for this session.
func (s *Session) Authorization() string {
	return "Bearer " + s.Token
}

// Expired reports whether the credential has expired at now. Tokens without
// an expiry never expire client-side.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Check returns ErrNoCredential for a nil session or an expired credential.
func (s *Session) Check(now time.Time) error {
	if s == nil || s.Token == "" {
		return ErrNoCredential
	}
	if s.Expired(now) {
		return fmt.Errorf("credential expired at %s: %w", s.ExpiresAt.Format(time.RFC3339), ErrNoCredential)
	}
	return nil
}
