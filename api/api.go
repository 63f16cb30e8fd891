// Package api exposes the authorization server over HTTP with echo.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	nucleus "go.pilab.hu/nucleus"
	oautherrors "go.pilab.hu/nucleus/errors"
	"go.pilab.hu/nucleus/internal/audit"
	"go.pilab.hu/nucleus/log"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options carries the handler dependencies.
type Options struct {
	OAuth    *nucleus.OAuthService
	Accounts *nucleus.AccountService
	Janitor  *nucleus.Janitor
	Store    Pinger
	Logger   log.Logger
	// Audit receives signup, login and cleanup events. Nil disables it.
	Audit *audit.Recorder

	// CookieSecure sets the Secure attribute on the session cookie.
	CookieSecure bool
	// AdminToken guards /admin/*. Empty leaves the routes open.
	AdminToken string
	// Gatherer backs /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
}

// OAuth2API holds the handler dependencies.
type OAuth2API struct {
	oauth    *nucleus.OAuthService
	accounts *nucleus.AccountService
	janitor  *nucleus.Janitor
	store    Pinger
	logger   log.Logger
	audit    *audit.Recorder

	cookieSecure bool
	adminToken   string
	gatherer     prometheus.Gatherer
}

// NewOAuth2API initializes the API.
func NewOAuth2API(opts Options) *OAuth2API {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &OAuth2API{
		oauth:        opts.OAuth,
		accounts:     opts.Accounts,
		janitor:      opts.Janitor,
		store:        opts.Store,
		logger:       logger,
		audit:        opts.Audit,
		cookieSecure: opts.CookieSecure,
		adminToken:   opts.AdminToken,
		gatherer:     opts.Gatherer,
	}
}

// RegisterRoutes registers every route on e.
func (oa *OAuth2API) RegisterRoutes(e *echo.Echo) {
	e.GET("/authorize", oa.AuthorizeHandler)
	e.POST("/token", oa.TokenHandler, NoStore)
	e.GET("/userinfo", oa.UserInfoHandler)

	e.GET("/jwks.json", oa.JWKSHandler)
	e.GET("/.well-known/jwks.json", oa.JWKSHandler)
	e.GET("/.well-known/openid-configuration", oa.OpenIDConfigurationHandler)

	e.POST("/signup", oa.SignupHandler)
	e.POST("/login", oa.LoginHandler, NoStore)

	e.GET("/health", oa.HealthHandler)

	admin := e.Group("/admin")
	if oa.adminToken != "" {
		admin.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			Validator: func(key string, _ echo.Context) (bool, error) {
				return subtle.ConstantTimeCompare([]byte(key), []byte(oa.adminToken)) == 1, nil
			},
			ErrorHandler: func(_ error, c echo.Context) error {
				return oa.writeError(c, oautherrors.Unauthenticated(oautherrors.Unauthorized, "admin token required"))
			},
		}))
	}
	admin.POST("/cleanup", oa.CleanupHandler)
	admin.GET("/db-stats", oa.StatsHandler)

	if oa.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(oa.gatherer, promhttp.HandlerOpts{})))
	}
}

// writeError renders err as an OAuth2 error body. Anything that is not a
// protocol error is logged and hidden behind server_error.
func (oa *OAuth2API) writeError(c echo.Context, err error) error {
	if oauthErr, ok := oautherrors.As(err); ok {
		if oauthErr.Status == http.StatusUnauthorized {
			c.Response().Header().Set(echo.HeaderWWWAuthenticate, "Bearer")
		}
		return c.JSON(oautherrors.StatusOf(oauthErr), oauthErr)
	}

	oa.logger.Error(c.Request().Context(), "Request failed", err, map[string]interface{}{
		"path": c.Path(),
	})
	return c.JSON(http.StatusInternalServerError, oautherrors.NewServerError(""))
}

// NoStore marks responses that carry credentials as uncacheable.
func NoStore(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Response().Header()
		h.Set(echo.HeaderCacheControl, "no-store")
		h.Set("Pragma", "no-cache")
		return next(c)
	}
}

// SecurityHeaders adds common security headers to responses.
func SecurityHeaders(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Response().Header()
		h.Set(echo.HeaderXContentTypeOptions, "nosniff")
		h.Set(echo.HeaderXFrameOptions, "DENY")
		h.Set(echo.HeaderReferrerPolicy, "no-referrer")
		h.Set(echo.HeaderContentSecurityPolicy, "default-src 'none'; frame-ancestors 'none'")
		return next(c)
	}
}

func (oa *OAuth2API) sessionCookie(token nucleus.SessionToken, maxAge time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     nucleus.SessionCookieName,
		Value:    token.String(),
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   oa.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}
