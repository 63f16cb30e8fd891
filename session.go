package nucleus

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/securecookie"
)

// SessionCookieName is the browser cookie carrying the session token.
const SessionCookieName = "nucleus_session"

// DefaultSessionMaxAge bounds how long a session token is accepted.
const DefaultSessionMaxAge = time.Hour

// SessionToken is the opaque signed browser credential. It is not a JWT and
// is never accepted as a bearer token.
type SessionToken string

func (t SessionToken) String() string { return string(t) }

type sessionPayload struct {
	Subject  string `json:"sub"`
	IssuedAt int64  `json:"iat"`
}

// SessionSigner creates and verifies HMAC signed session tokens.
type SessionSigner struct {
	codec *securecookie.SecureCookie
	now   func() time.Time
}

// NewSessionSigner creates a signer keyed with hashKey. The key should be at
// least 32 bytes.
func NewSessionSigner(hashKey []byte) (*SessionSigner, error) {
	if len(hashKey) == 0 {
		return nil, errors.New("session hash key is required")
	}

	codec := securecookie.New(hashKey, nil)
	codec.SetSerializer(securecookie.JSONEncoder{})
	// Age is enforced against our own iat so the limit can vary per call.
	codec.MaxAge(0)

	return &SessionSigner{codec: codec, now: time.Now}, nil
}

// WithClock returns a copy of the signer using now as its clock.
func (s *SessionSigner) WithClock(now func() time.Time) *SessionSigner {
	return &SessionSigner{codec: s.codec, now: now}
}

// Create stamps userID and the current time into a signed token.
func (s *SessionSigner) Create(userID string) (SessionToken, error) {
	if userID == "" {
		return "", errors.New("session subject is required")
	}
	encoded, err := s.codec.Encode(SessionCookieName, sessionPayload{
		Subject:  userID,
		IssuedAt: s.now().Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode session: %w", err)
	}
	return SessionToken(encoded), nil
}

// Verify checks the signature and that the token is at most maxAge old.
// It fails with ErrSessionTampered, ErrSessionExpired or ErrSessionMalformed.
func (s *SessionSigner) Verify(token SessionToken, maxAge time.Duration) (string, error) {
	if token == "" {
		return "", ErrSessionMalformed
	}

	// securecookie reports a missing date|value|mac envelope as a MAC
	// failure; that is a shape problem, not a forgery.
	raw, err := base64.URLEncoding.DecodeString(string(token))
	if err != nil || len(bytes.SplitN(raw, []byte("|"), 3)) != 3 {
		return "", ErrSessionMalformed
	}

	var payload sessionPayload
	if err := s.codec.Decode(SessionCookieName, string(token), &payload); err != nil {
		if errors.Is(err, securecookie.ErrMacInvalid) {
			return "", ErrSessionTampered
		}
		return "", fmt.Errorf("%w: %v", ErrSessionMalformed, err)
	}

	if payload.Subject == "" || payload.IssuedAt == 0 {
		return "", ErrSessionMalformed
	}

	issuedAt := time.Unix(payload.IssuedAt, 0)
	if s.now().Sub(issuedAt) > maxAge {
		return "", ErrSessionExpired
	}

	return payload.Subject, nil
}
