package nucleus

import (
	"context"
	"time"
)

// AuthorizationCode is one pending or consumed grant. A code goes from
// unused to used at most once; after that, or past ExpiresAt, it is dead.
type AuthorizationCode struct {
	Code                string    `json:"code" bson:"code"`
	ClientID            string    `json:"client_id" bson:"client_id"`
	RedirectURI         string    `json:"redirect_uri" bson:"redirect_uri"`
	Scope               []string  `json:"scope" bson:"scope"`
	UserID              string    `json:"user_id" bson:"user_id"`
	Nonce               string    `json:"nonce,omitempty" bson:"nonce,omitempty"`
	CodeChallenge       string    `json:"code_challenge" bson:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method" bson:"code_challenge_method"`
	ExpiresAt           time.Time `json:"expires_at" bson:"expires_at"`
	Used                bool      `json:"used" bson:"used"`
	CreatedAt           time.Time `json:"created_at" bson:"created_at"`
}

// Expired reports whether the code is past its expiry at the given instant.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// HasScope reports whether the code was granted the given scope.
func (c *AuthorizationCode) HasScope(scope string) bool {
	return containsScope(c.Scope, scope)
}

// CodeStore persists authorization code records.
type CodeStore interface {
	// Create inserts a new record. Returns ErrCodeConflict when the code
	// value already exists.
	Create(ctx context.Context, code *AuthorizationCode) error

	// FindUnused returns the record only while it has not been used.
	// Expiry is not checked here so callers can report it separately.
	// Returns ErrCodeNotFound when the code is absent or already used.
	FindUnused(ctx context.Context, code string) (*AuthorizationCode, error)

	// MarkUsed flips the used flag with a single conditional write.
	// Exactly one of any number of concurrent callers succeeds; the rest
	// get ErrCodeAlreadyUsed. Returns ErrCodeNotFound for unknown codes.
	MarkUsed(ctx context.Context, code string) error

	// Sweep deletes every record with expires_at before now and returns
	// how many were removed.
	Sweep(ctx context.Context, now time.Time) (int64, error)

	// CountActive counts unused records that have not expired yet.
	CountActive(ctx context.Context, now time.Time) (int64, error)
}
