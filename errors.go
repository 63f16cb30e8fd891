package nucleus

import (
	"errors"
)

// Code store errors.
var (
	ErrCodeNotFound    = errors.New("authorization code not found")
	ErrCodeAlreadyUsed = errors.New("authorization code already used")
	ErrCodeConflict    = errors.New("authorization code already exists")
)

// Token verification errors. They are kept apart so callers and tests can
// tell them from each other, but HTTP clients only ever see invalid_token.
var (
	ErrInvalidSignature = errors.New("token signature is invalid")
	ErrTokenExpired     = errors.New("token is expired")
	ErrIssuerMismatch   = errors.New("token issuer mismatch")
	ErrMalformedToken   = errors.New("token is malformed")
	ErrUnknownKey       = errors.New("signing key not found")
)

// Session errors.
var (
	ErrSessionExpired   = errors.New("session expired")
	ErrSessionTampered  = errors.New("session signature mismatch")
	ErrSessionMalformed = errors.New("session token is malformed")
)

// Account errors.
var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
)
