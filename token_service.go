package nucleus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignedToken is a compact JWS. It is deliberately a different type from
// SessionToken so the two credentials cannot be swapped by accident.
type SignedToken string

func (t SignedToken) String() string { return string(t) }

// Claims is the claim set carried by access and identity tokens.
type Claims struct {
	Scope         string `json:"scope,omitempty"`
	ClientID      string `json:"client_id,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
	Nonce         string `json:"nonce,omitempty"`
	jwt.RegisteredClaims
}

// Scopes splits the scope claim.
func (c *Claims) Scopes() []string {
	return ParseScope(c.Scope)
}

// TokenEngine signs claim sets with the process key and verifies tokens
// through a KeyResolver.
//
// Verify does not check the aud claim. Tokens are issued to a single
// registered client and the resource endpoints accept any audience; this is
// a policy decision, revisit it if a client registry is added.
type TokenEngine struct {
	keys     *KeyProvider
	resolver KeyResolver
	now      func() time.Time
}

// TokenEngineOption configures a TokenEngine.
type TokenEngineOption func(*TokenEngine)

// WithTokenClock overrides the clock used for expiry checks.
func WithTokenClock(now func() time.Time) TokenEngineOption {
	return func(e *TokenEngine) {
		e.now = now
	}
}

// WithKeyResolver sets where verification keys come from. The default is
// the engine's own keypair.
func WithKeyResolver(resolver KeyResolver) TokenEngineOption {
	return func(e *TokenEngine) {
		e.resolver = resolver
	}
}

// NewTokenEngine creates an engine signing with keys.
func NewTokenEngine(keys *KeyProvider, opts ...TokenEngineOption) *TokenEngine {
	e := &TokenEngine{
		keys: keys,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == nil {
		e.resolver = NewLocalKeyResolver(keys)
	}
	return e
}

// Sign serializes the claims into an RS256 JWS with the key id in the
// header. The claims must carry an expiry.
func (e *TokenEngine) Sign(claims *Claims) (SignedToken, error) {
	if claims.ExpiresAt == nil {
		return "", errors.New("claims must carry exp")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = e.keys.KeyID()

	signed, err := token.SignedString(e.keys.PrivateKey())
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return SignedToken(signed), nil
}

// Verify checks signature, expiry and issuer and returns the claims.
// Failures wrap one of ErrInvalidSignature, ErrTokenExpired,
// ErrIssuerMismatch, ErrMalformedToken or ErrUnknownKey. Any other error
// means the key could not be resolved at all.
func (e *TokenEngine) Verify(ctx context.Context, token string, expectedIssuer string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, fmt.Errorf("%w: token header missing kid", ErrUnknownKey)
			}
			return e.resolver.ResolveKey(ctx, kid)
		},
		jwt.WithValidMethods([]string{SigningAlgorithm}),
		jwt.WithIssuer(expectedIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(e.now),
	)
	if err != nil {
		return nil, classifyTokenError(err)
	}
	return claims, nil
}

func classifyTokenError(err error) error {
	switch {
	case errors.Is(err, ErrUnknownKey):
		return err
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: %v", ErrIssuerMismatch, err)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		// The resolver itself failed, e.g. the JWKS endpoint is down.
		return fmt.Errorf("failed to resolve verification key: %w", err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
}

// IsTokenError reports whether err is a verification failure caused by the
// token itself rather than by the verifier's infrastructure.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrIssuerMismatch) ||
		errors.Is(err, ErrMalformedToken) ||
		errors.Is(err, ErrUnknownKey)
}
