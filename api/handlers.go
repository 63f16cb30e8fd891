package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	nucleus "go.pilab.hu/nucleus"
	oautherrors "go.pilab.hu/nucleus/errors"
	"go.pilab.hu/nucleus/internal/audit"
)

// AuthorizeHandler validates the authorization request, issues a code for
// the session's user and redirects back to the client.
func (oa *OAuth2API) AuthorizeHandler(c echo.Context) error {
	req := &nucleus.AuthorizeRequest{
		ResponseType:        c.QueryParam("response_type"),
		ClientID:            c.QueryParam("client_id"),
		RedirectURI:         c.QueryParam("redirect_uri"),
		Scope:               c.QueryParam("scope"),
		State:               c.QueryParam("state"),
		Nonce:               c.QueryParam("nonce"),
		CodeChallenge:       c.QueryParam("code_challenge"),
		CodeChallengeMethod: c.QueryParam("code_challenge_method"),
	}
	if cookie, err := c.Cookie(nucleus.SessionCookieName); err == nil {
		req.Session = nucleus.SessionToken(cookie.Value)
	}

	redirectURL, err := oa.oauth.Authorize(c.Request().Context(), req)
	if err != nil {
		return oa.writeError(c, err)
	}
	return c.Redirect(http.StatusFound, redirectURL)
}

// TokenHandler redeems an authorization code.
func (oa *OAuth2API) TokenHandler(c echo.Context) error {
	req := &nucleus.TokenRequest{
		GrantType:    c.FormValue("grant_type"),
		Code:         c.FormValue("code"),
		RedirectURI:  c.FormValue("redirect_uri"),
		ClientID:     c.FormValue("client_id"),
		CodeVerifier: c.FormValue("code_verifier"),
	}

	resp, err := oa.oauth.Exchange(c.Request().Context(), req)
	if err != nil {
		return oa.writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// UserInfoHandler returns the claims the bearer token's scope allows.
func (oa *OAuth2API) UserInfoHandler(c echo.Context) error {
	bearer, ok := nucleus.ParseBearer(c.Request().Header.Get(echo.HeaderAuthorization))
	if !ok {
		return oa.writeError(c, oautherrors.Unauthenticated(oautherrors.InvalidAuthorizationHeader, "expected a Bearer token"))
	}

	info, err := oa.oauth.UserInfo(c.Request().Context(), bearer)
	if err != nil {
		return oa.writeError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (oa *OAuth2API) JWKSHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, oa.oauth.JWKS())
}

func (oa *OAuth2API) OpenIDConfigurationHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, oa.oauth.Config().Discovery())
}

// SignupHandler registers a user.
func (oa *OAuth2API) SignupHandler(c echo.Context) error {
	var req nucleus.SignupRequest
	if err := c.Bind(&req); err != nil {
		return oa.writeError(c, oautherrors.NewInvalidRequest("malformed request body"))
	}

	user, err := oa.accounts.Signup(c.Request().Context(), &req)
	oa.recordAccountEvent(c, audit.ActionSignup, req.Email, err)
	if err != nil {
		return oa.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, SignupResponse{ID: user.ID, Email: user.Email})
}

// LoginHandler checks the credentials and sets the session cookie.
func (oa *OAuth2API) LoginHandler(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return oa.writeError(c, oautherrors.NewInvalidRequest("malformed request body"))
	}

	token, _, err := oa.accounts.Login(c.Request().Context(), req.Email, req.Password)
	oa.recordAccountEvent(c, audit.ActionLogin, req.Email, err)
	if err != nil {
		return oa.writeError(c, err)
	}

	c.SetCookie(oa.sessionCookie(token, oa.oauth.Config().SessionMaxAge))
	return c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
}

// HealthHandler reports 503 while the store is unreachable.
func (oa *OAuth2API) HealthHandler(c echo.Context) error {
	if oa.store != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := oa.store.Ping(ctx); err != nil {
			oa.logger.Warn(ctx, "Health check failed", map[string]interface{}{"error": err.Error()})
			return c.JSON(http.StatusServiceUnavailable, StatusResponse{Status: "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
}

// CleanupHandler deletes expired codes now instead of waiting for the
// next janitor tick.
func (oa *OAuth2API) CleanupHandler(c echo.Context) error {
	deleted, err := oa.janitor.Sweep(c.Request().Context())
	oa.audit.Record(c.Request().Context(), audit.ActionCleanup, "admin", fmt.Sprint(deleted), err)
	if err != nil {
		return oa.writeError(c, err)
	}
	return c.JSON(http.StatusOK, CleanupResponse{
		Deleted: deleted,
		Message: fmt.Sprintf("Cleaned up %d expired authorization codes", deleted),
	})
}

func (oa *OAuth2API) StatsHandler(c echo.Context) error {
	active, err := oa.janitor.Stats(c.Request().Context())
	if err != nil {
		return oa.writeError(c, err)
	}
	return c.JSON(http.StatusOK, StatsResponse{ActiveAuthorizationCodes: active})
}

// recordAccountEvent audits an account action. Only the protocol error code
// is kept so internal failures do not leak into the trail.
func (oa *OAuth2API) recordAccountEvent(c echo.Context, action, email string, err error) {
	if err != nil {
		code := oautherrors.ServerError
		if oauthErr, ok := oautherrors.As(err); ok {
			code = oauthErr.Code
		}
		err = errors.New(code)
	}
	oa.audit.Record(c.Request().Context(), action, email, "", err)
}
