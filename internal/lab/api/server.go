// Package api is the HTTP admin surface of labsync: processor listing,
// on-demand cycles, archive replay, stored results and documents, and the
// order builder.
package api

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ehr/labsync/internal/lab/dispatch"
	"github.com/ehr/labsync/internal/lab/results"
	"github.com/ehr/labsync/internal/platform/auth"
	"github.com/ehr/labsync/internal/platform/db"
	"github.com/ehr/labsync/internal/platform/docstore"
	"github.com/ehr/labsync/internal/platform/hl7v2"
	"github.com/ehr/labsync/internal/platform/middleware"
)

type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Ledger     results.Ledger
	Documents  docstore.Store
	// Pool is nil when the service runs without a database.
	Pool   *pgxpool.Pool
	Logger zerolog.Logger
	// Dev disables bearer authentication.
	Dev       bool
	JWT       auth.JWTConfig
	RateLimit middleware.RateLimitConfig
}

// NewServer builds the echo instance with every route registered.
func NewServer(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(d.Logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(d.Logger))

	e.GET("/health", db.HealthHandler(d.Pool))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := e.Group("/api/v1")
	if d.Dev {
		v1.Use(auth.DevAuthMiddleware())
	} else {
		v1.Use(auth.JWTMiddleware(d.JWT))
	}
	rl := d.RateLimit
	if rl.RequestsPerSecond <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	v1.Use(middleware.RateLimit(rl))

	NewHandler(d.Dispatcher, d.Logger).RegisterRoutes(v1)
	results.NewHandler(d.Ledger).RegisterRoutes(v1)
	docstore.NewHandler(d.Documents).RegisterRoutes(v1)
	hl7v2.NewHandler().RegisterRoutes(v1)

	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		msg := "internal server error"
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if s, ok := he.Message.(string); ok {
				msg = s
			} else {
				msg = http.StatusText(code)
			}
		}
		_ = c.JSON(code, map[string]string{"error": msg})
	}
	return e
}
