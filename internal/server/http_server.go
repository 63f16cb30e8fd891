package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"go.pilab.hu/nucleus/api"
	"go.pilab.hu/nucleus/config"
	oautherrors "go.pilab.hu/nucleus/errors"
	"go.pilab.hu/nucleus/log"
)

// NewRouter builds the echo instance with the middleware chain and the API
// routes.
func NewRouter(serviceName string, appLogger log.Logger, oauthAPI *api.OAuth2API) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(appLogger)

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			appLogger.Error(c.Request().Context(), "Panic recovered", err, map[string]interface{}{
				"path":  c.Request().URL.Path,
				"stack": string(stack),
			})
			return err
		},
	}))
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(echo.WrapMiddleware(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName)
	}))
	e.Use(requestLogger(appLogger))
	e.Use(api.SecurityHeaders)

	oauthAPI.RegisterRoutes(e)

	return e
}

// NewHTTPServer wraps the router in an http.Server listening on HTTP_PORT.
func NewHTTPServer(cfg *config.ServerConfig, appLogger log.Logger, oauthAPI *api.OAuth2API) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           NewRouter(cfg.OtelServiceName, appLogger, oauthAPI),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func requestLogger(appLogger log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			fields := map[string]interface{}{
				"method":     req.Method,
				"path":       req.URL.Path,
				"status":     c.Response().Status,
				"latency":    time.Since(start).String(),
				"ip":         c.RealIP(),
				"user_agent": req.UserAgent(),
				"request_id": c.Response().Header().Get(echo.HeaderXRequestID),
			}
			if c.Response().Status >= http.StatusInternalServerError {
				appLogger.Warn(req.Context(), "HTTP Request", fields)
			} else {
				appLogger.Info(req.Context(), "HTTP Request", fields)
			}
			return nil
		}
	}
}

// errorHandler renders router level failures (unknown route, wrong method,
// recovered panics) in the same JSON shape as protocol errors.
func errorHandler(appLogger log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
		}

		var body *oautherrors.OAuth2Error
		switch {
		case status >= http.StatusInternalServerError:
			appLogger.Error(c.Request().Context(), "Unhandled error", err)
			body = oautherrors.NewServerError("")
		default:
			code := strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_")
			if code == "" {
				code = oautherrors.InvalidRequest
			}
			body = oautherrors.New(code, "", status)
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, body)
	}
}
