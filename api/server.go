package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/vulnai/vulnai/vulnai"
)

const shutdownTimeout = 10 * time.Second

// New builds the HTTP server. Every route lives under /api.
func New(repo Repository, config vulnai.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(99)
	e.HTTPErrorHandler = errorHandler

	e.Use(cors(config.CORSOrigins))
	e.Use(logger())
	e.Use(recoverer())
	if limiter := rateLimiter(config.RateLimit); limiter != nil {
		e.Use(limiter)
	}

	h := handlers{repo: repo}
	g := e.Group("/api")
	g.GET("/cves", h.listCVEs)
	g.GET("/cves/count", h.countCVEs)
	g.GET("/functions", h.listFunctions)
	g.GET("/non-vulnerable-functions-count", h.countNonVulnerableFunctions)
	g.GET("/models", h.listModels)
	g.GET("/health", h.health)

	return e
}

// Serve listens on addr until ctx is done, then drains open requests.
func Serve(ctx context.Context, e *echo.Echo, addr string) error {
	errs := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "addr", addr)
		errs <- e.Start(addr)
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("could not start server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("could not shut down server: %w", err)
	}
	return nil
}
