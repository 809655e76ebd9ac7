package api

import (
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/slipstream/indexproxy/internal/api/handlers"
	apimw "github.com/slipstream/indexproxy/internal/api/middleware"
	"github.com/slipstream/indexproxy/internal/indexer"
	"github.com/slipstream/indexproxy/internal/indexer/search"
)

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(apimw.SecurityHeaders(Version))
	s.echo.Use(middleware.BodyLimit("2M"))

	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, apimw.HeaderAPIKey},
	}))

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogMethod:    true,
		LogError:     true,
		LogRequestID: true,
		HandleError:  true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/health"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := s.logger.Info()
			if v.Error != nil {
				event = s.logger.Error().Err(v.Error)
			}
			event.
				Str("method", v.Method).
				Str("uri", redactURI(v.URI)).
				Str("requestId", v.RequestID).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))

	// downloads are torrents or NZBs, already compressed or tiny
	s.echo.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Level: 5,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/api/v1/indexers/:id/download"
		},
	}))
}

// redactURI hides the proxy key and the remote links, which embed the
// remote's own api key or passkey.
func redactURI(uri string) string {
	u, err := url.ParseRequestURI(uri)
	if err != nil || u.RawQuery == "" {
		return uri
	}
	q := u.Query()
	for _, key := range []string{"apikey", "link"} {
		if q.Has(key) {
			q.Set(key, "REDACTED")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.liveness)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	api := s.echo.Group("/api/v1")
	api.Use(s.keyGuard.Middleware())
	api.GET("/status", s.getStatus)
	api.GET("/health", s.getHealth)

	indexer.NewHandlers(s.indexerService).RegisterRoutes(api.Group("/indexers"))
	search.NewHandlers(s.searchService).RegisterRoutes(api.Group("/search"))

	s.setupSystemRoutes(api)
	s.setupSchedulerRoutes(api)
}

func (s *Server) setupSystemRoutes(api *echo.Group) {
	if s.logs != nil {
		NewLogsHandlers(s.logs).RegisterRoutes(api.Group("/system/logs"))
	}
	api.POST("/system/caps/invalidate", func(c echo.Context) error {
		s.indexerService.InvalidateCapabilities()
		return c.NoContent(http.StatusNoContent)
	})
}

func (s *Server) setupSchedulerRoutes(api *echo.Group) {
	if s.scheduler == nil {
		return
	}
	handlers.NewSchedulerHandler(s.scheduler).RegisterRoutes(api.Group("/scheduler"))
}
