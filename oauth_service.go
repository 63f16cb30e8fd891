package nucleus

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	oautherrors "go.pilab.hu/nucleus/errors"
	"go.pilab.hu/nucleus/internal/metrics"
	"go.pilab.hu/nucleus/log"
	"go.pilab.hu/nucleus/tracing"
)

const maxCodeAttempts = 3

// AuthorizeRequest carries the /authorize query plus the caller's session.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Session             SessionToken
}

// TokenRequest is the form posted to /token.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	CodeVerifier string
}

// TokenResponse is returned by a successful exchange.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// UserInfo is the /userinfo projection of a verified access token.
type UserInfo struct {
	Subject       string  `json:"sub"`
	Email         string  `json:"email,omitempty"`
	EmailVerified *bool   `json:"email_verified,omitempty"`
	Name          *string `json:"name,omitempty"`
}

// OAuthService runs the authorization, token exchange and userinfo flows.
// Protocol failures are returned as *errors.OAuth2Error; any other error is
// an internal failure.
type OAuthService struct {
	config   *ProviderConfig
	codes    CodeStore
	users    UserStore
	tokens   *TokenEngine
	sessions *SessionSigner
	logger   log.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// OAuthServiceOption configures an OAuthService.
type OAuthServiceOption func(*OAuthService)

// WithClock overrides the service clock.
func WithClock(now func() time.Time) OAuthServiceOption {
	return func(s *OAuthService) { s.now = now }
}

func WithLogger(logger log.Logger) OAuthServiceOption {
	return func(s *OAuthService) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) OAuthServiceOption {
	return func(s *OAuthService) { s.metrics = m }
}

// NewOAuthService wires the flows to their collaborators.
func NewOAuthService(
	config *ProviderConfig,
	codes CodeStore,
	users UserStore,
	tokens *TokenEngine,
	sessions *SessionSigner,
	opts ...OAuthServiceOption,
) *OAuthService {
	s := &OAuthService{
		config:   config,
		codes:    codes,
		users:    users,
		tokens:   tokens,
		sessions: sessions,
		logger:   log.NewNopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the provider settings.
func (s *OAuthService) Config() *ProviderConfig {
	return s.config
}

// Authorize validates an authorization request and issues a code. It
// returns the URL the caller must be redirected to.
func (s *OAuthService) Authorize(ctx context.Context, req *AuthorizeRequest) (string, error) {
	ctx, span := tracing.Tracer().Start(ctx, "OAuthService.Authorize")
	defer span.End()

	if req.ResponseType != ResponseTypeCode {
		return "", oautherrors.BadRequest(oautherrors.UnsupportedResponseType, "only response_type=code is supported")
	}
	if req.CodeChallengeMethod != PKCEMethodS256 {
		return "", oautherrors.BadRequest(oautherrors.UnsupportedCodeChallengeMethod, "only S256 is supported")
	}
	scopes := ParseScope(req.Scope)
	if !containsScope(scopes, ScopeOpenID) {
		return "", oautherrors.BadRequest(oautherrors.MissingOpenIDScope, "scope must include openid")
	}
	if req.ClientID != s.config.ClientID {
		return "", oautherrors.NewInvalidClient()
	}

	redirect, err := url.Parse(req.RedirectURI)
	if req.RedirectURI == "" || err != nil || !redirect.IsAbs() {
		return "", oautherrors.NewInvalidRequest("redirect_uri must be an absolute URL")
	}
	if !s.config.redirectAllowed(req.RedirectURI) {
		return "", oautherrors.BadRequest(oautherrors.InvalidRedirectURI, "redirect_uri is not registered")
	}
	if req.CodeChallenge == "" {
		return "", oautherrors.NewInvalidRequest("code_challenge is required")
	}

	if req.Session == "" {
		return "", oautherrors.Unauthenticated(oautherrors.LoginRequired, "")
	}
	userID, err := s.sessions.Verify(req.Session, s.config.SessionMaxAge)
	if err != nil {
		s.logger.Debug(ctx, "Rejected session on authorize", map[string]interface{}{"reason": err.Error()})
		return "", oautherrors.Unauthenticated(oautherrors.InvalidSession, "")
	}

	code, err := s.issueCode(ctx, &AuthorizationCode{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               scopes,
		UserID:              userID,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	q := redirect.Query()
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	redirect.RawQuery = q.Encode()

	s.metrics.CodeIssued()
	s.logger.Debug(ctx, "Authorization code issued", map[string]interface{}{
		"client_id": req.ClientID,
		"user_id":   userID,
	})

	return redirect.String(), nil
}

func (s *OAuthService) issueCode(ctx context.Context, record *AuthorizationCode) (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := GenerateAuthCode()
		if err != nil {
			return "", err
		}
		now := s.now()
		record.Code = code
		record.CreatedAt = now
		record.ExpiresAt = now.Add(s.config.AuthCodeTTL)
		record.Used = false

		err = s.codes.Create(ctx, record)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, ErrCodeConflict) {
			return "", fmt.Errorf("failed to store authorization code: %w", err)
		}
		s.logger.Warn(ctx, "Authorization code collision, regenerating", map[string]interface{}{"attempt": attempt + 1})
	}
	return "", fmt.Errorf("failed to store authorization code: %w", ErrCodeConflict)
}

// Exchange redeems an authorization code for an access token and an
// identity token. A code is consumed only after every check has passed.
func (s *OAuthService) Exchange(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	ctx, span := tracing.Tracer().Start(ctx, "OAuthService.Exchange")
	defer span.End()

	resp, err := s.exchange(ctx, req)
	outcome := "success"
	if err != nil {
		outcome = oautherrors.ServerError
		if oauthErr, ok := oautherrors.As(err); ok {
			outcome = oauthErr.Code
		} else {
			span.RecordError(err)
		}
	}
	s.metrics.TokenExchange(outcome)
	return resp, err
}

func (s *OAuthService) exchange(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if req.GrantType != GrantTypeAuthorizationCode {
		return nil, oautherrors.BadRequest(oautherrors.UnsupportedGrantType, "only authorization_code is supported")
	}

	record, err := s.codes.FindUnused(ctx, req.Code)
	if errors.Is(err, ErrCodeNotFound) {
		return nil, oautherrors.NewInvalidCode()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up authorization code: %w", err)
	}

	if record.ClientID != req.ClientID {
		return nil, oautherrors.NewInvalidClient()
	}
	if record.RedirectURI != req.RedirectURI {
		return nil, oautherrors.BadRequest(oautherrors.InvalidRedirectURI, "redirect_uri does not match the authorization request")
	}
	now := s.now()
	if record.Expired(now) {
		return nil, oautherrors.BadRequest(oautherrors.CodeExpired, "")
	}
	if !VerifyPKCE(req.CodeVerifier, record.CodeChallenge) {
		return nil, oautherrors.BadRequest(oautherrors.InvalidPKCE, "code_verifier does not match code_challenge")
	}

	user, err := s.users.GetUserByID(ctx, record.UserID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, oautherrors.NewInvalidCode()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	// Losing the race is reported exactly like an unknown code.
	if err := s.codes.MarkUsed(ctx, record.Code); err != nil {
		if errors.Is(err, ErrCodeAlreadyUsed) || errors.Is(err, ErrCodeNotFound) {
			return nil, oautherrors.NewInvalidCode()
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	return s.issueTokens(record, user, now)
}

func (s *OAuthService) issueTokens(record *AuthorizationCode, user *User, now time.Time) (*TokenResponse, error) {
	registered := func() jwt.RegisteredClaims {
		return jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   record.UserID,
			Audience:  jwt.ClaimStrings{record.ClientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		}
	}

	access, err := s.tokens.Sign(&Claims{
		Scope:            strings.Join(record.Scope, " "),
		ClientID:         record.ClientID,
		RegisteredClaims: registered(),
	})
	if err != nil {
		return nil, err
	}

	verified := user.EmailVerified
	idClaims := &Claims{
		Email:            user.Email,
		EmailVerified:    &verified,
		Nonce:            record.Nonce,
		RegisteredClaims: registered(),
	}
	if record.HasScope(ScopeProfile) {
		idClaims.Name = user.Name
	}
	id, err := s.tokens.Sign(idClaims)
	if err != nil {
		return nil, err
	}

	return &TokenResponse{
		AccessToken: access.String(),
		IDToken:     id.String(),
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int(s.config.TokenTTL / time.Second),
	}, nil
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// UserInfo verifies a bearer token and projects the claims its scope allows:
// sub always, email and email_verified with the email scope, name with the
// profile scope.
func (s *OAuthService) UserInfo(ctx context.Context, bearer string) (*UserInfo, error) {
	ctx, span := tracing.Tracer().Start(ctx, "OAuthService.UserInfo")
	defer span.End()

	info, err := s.userInfo(ctx, bearer)
	outcome := "success"
	if err != nil {
		outcome = oautherrors.ServerError
		if oauthErr, ok := oautherrors.As(err); ok {
			outcome = oauthErr.Code
		} else {
			span.RecordError(err)
		}
	}
	s.metrics.UserInfo(outcome)
	return info, err
}

func (s *OAuthService) userInfo(ctx context.Context, bearer string) (*UserInfo, error) {
	claims, err := s.tokens.Verify(ctx, bearer, s.config.Issuer)
	if err != nil {
		if IsTokenError(err) {
			s.logger.Debug(ctx, "Rejected bearer token", map[string]interface{}{"reason": err.Error()})
			return nil, oautherrors.NewInvalidToken()
		}
		return nil, err
	}

	info := &UserInfo{Subject: claims.Subject}
	scopes := claims.Scopes()
	wantEmail := containsScope(scopes, ScopeEmail)
	wantProfile := containsScope(scopes, ScopeProfile)
	if !wantEmail && !wantProfile {
		return info, nil
	}

	user, err := s.users.GetUserByID(ctx, claims.Subject)
	if errors.Is(err, ErrUserNotFound) {
		return nil, oautherrors.NewInvalidToken()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if wantEmail {
		verified := user.EmailVerified
		info.Email = user.Email
		info.EmailVerified = &verified
	}
	if wantProfile {
		name := user.Name
		info.Name = &name
	}
	return info, nil
}

// JWKS returns the published key set.
func (s *OAuthService) JWKS() JSONWebKeySet {
	return s.tokens.keys.JWKS()
}
