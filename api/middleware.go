package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/vulnai/vulnai/vulnai"
	"golang.org/x/time/rate"
)

func logger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			now := time.Now()

			err := next(c)

			// the error handler has not run yet, so the status is not final
			status := c.Response().Status
			if err != nil {
				status = statusOf(err)
			}
			if c.Path() != "/api/health" {
				slog.Info("handled request", "method", c.Request().Method, "url", c.Request().URL, "status", status, "duration", time.Since(now))
			}
			return err
		}
	}
}

func statusOf(err error) int {
	switch e := err.(type) {
	case *ValidationError:
		return http.StatusBadRequest
	case *echo.HTTPError:
		if e.Code < http.StatusInternalServerError {
			return e.Code
		}
	}
	return http.StatusInternalServerError
}

func recoverer() echo.MiddlewareFunc {
	return middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 4 << 10,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			slog.Error("recovered from panic", "method", c.Request().Method, "url", c.Request().URL, "err", err, "stack", string(stack))
			return err
		},
	})
}

func cors(origins []string) echo.MiddlewareFunc {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowHeaders: middleware.DefaultCORSConfig.AllowHeaders,
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
	})
}

// rateLimiter limits every client IP to cfg.Requests per cfg.Window. It
// returns nil when rate limiting is disabled.
func rateLimiter(cfg vulnai.RateLimit) echo.MiddlewareFunc {
	if cfg.Requests <= 0 || cfg.Window <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.Requests
	}

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(float64(cfg.Requests) / cfg.Window.Seconds()),
				Burst:     burst,
				ExpiresIn: cfg.Window,
			},
		),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
	})
}
