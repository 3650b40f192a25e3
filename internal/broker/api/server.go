package api

import (
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/vistabridge/vistabridge/internal/broker/dispatch"
	"github.com/vistabridge/vistabridge/internal/broker/issuer"
	"github.com/vistabridge/vistabridge/internal/config"
	"github.com/vistabridge/vistabridge/internal/platform/db"
	"github.com/vistabridge/vistabridge/internal/platform/middleware"
	"github.com/vistabridge/vistabridge/internal/platform/token"
)

// Deps carries the wired components the server needs.
type Deps struct {
	Codec      *token.Codec
	Issuer     *issuer.Issuer
	Dispatcher *dispatch.Dispatcher
	Pool       *pgxpool.Pool // optional
}

// NewServer assembles the echo server with the full middleware chain and
// all routes.
func NewServer(cfg *config.Config, deps Deps, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", BypassHeader, "X-OCTO-VISTA-API"},
	}))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	e.Use(middleware.RateLimit(rateLimitCfg))

	e.Use(middleware.BodyLimit("64K", "5M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))

	e.Use(AuthFilter(deps.Codec))

	// Root and health
	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"name":   "vistabridge",
			"status": "running",
		})
	})
	if deps.Pool != nil {
		e.GET("/health", db.HealthHandler(deps.Pool))
	} else {
		e.GET("/health", func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
		})
	}

	// Auth endpoints
	issuer.NewHandler(deps.Issuer).RegisterRoutes(e.Group("/auth"))

	// Procedure invocation
	NewInvokeHandler(deps.Dispatcher, logger).RegisterRoutes(e)

	return e
}
