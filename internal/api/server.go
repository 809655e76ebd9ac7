package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	apimw "github.com/slipstream/indexproxy/internal/api/middleware"
	"github.com/slipstream/indexproxy/internal/config"
	"github.com/slipstream/indexproxy/internal/indexer"
	"github.com/slipstream/indexproxy/internal/indexer/search"
	"github.com/slipstream/indexproxy/internal/indexer/status"
	"github.com/slipstream/indexproxy/internal/metrics"
	"github.com/slipstream/indexproxy/internal/scheduler"
)

// Version is stamped at build time.
var Version = "0.0.1-dev"

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the services the HTTP surface exposes. Scheduler, Logs, Metrics
// and DB may be nil.
type Deps struct {
	Config    *config.Config
	Indexers  *indexer.Service
	Search    *search.Service
	Status    *status.Service
	Metrics   *metrics.Recorder
	Scheduler *scheduler.Scheduler
	Logs      LogsProvider
	DB        Pinger
	Logger    zerolog.Logger
}

// Server handles HTTP requests for the indexproxy API.
type Server struct {
	echo      *echo.Echo
	logger    zerolog.Logger
	cfg       *config.Config
	startTime time.Time
	keyGuard  *apimw.KeyGuard

	indexerService *indexer.Service
	searchService  *search.Service
	statusService  *status.Service
	metrics        *metrics.Recorder
	scheduler      *scheduler.Scheduler
	logs           LogsProvider
	db             Pinger
}

// NewServer creates a new API server instance.
func NewServer(d Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	cfg := d.Config
	if cfg == nil {
		cfg = config.Default()
	}

	s := &Server{
		echo:           e,
		logger:         d.Logger.With().Str("component", "api").Logger(),
		cfg:            cfg,
		startTime:      time.Now(),
		keyGuard:       apimw.NewKeyGuard(cfg.Server.APIKey),
		indexerService: d.Indexers,
		searchService:  d.Search,
		statusService:  d.Status,
		metrics:        d.Metrics,
		scheduler:      d.Scheduler,
		logs:           d.Logs,
		db:             d.DB,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Start begins listening for HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(address string) error {
	s.logger.Info().Str("address", address).Msg("starting HTTP server")
	return s.echo.Start(address)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// KeyGuard returns the API key guard so its lockouts can be pruned.
func (s *Server) KeyGuard() *apimw.KeyGuard {
	return s.keyGuard
}

func (s *Server) liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"version":      Version,
		"startTime":    s.startTime.Format(time.RFC3339),
		"uptime":       time.Since(s.startTime).Round(time.Second).String(),
		"indexerCount": s.indexerService.Count(),
	})
}

// healthReport is the body of GET /api/v1/health.
type healthReport struct {
	Status   string                  `json:"status"`
	Database string                  `json:"database,omitempty"`
	Indexers []*status.IndexerHealth `json:"indexers"`
	Stats    *status.Stats           `json:"stats"`
}

// getHealth reports the breaker state of every configured remote.
func (s *Server) getHealth(c echo.Context) error {
	ctx := c.Request().Context()
	report := healthReport{Status: "ok"}

	if s.db != nil {
		report.Database = "ok"
		if err := s.db.PingContext(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Database ping failed")
			report.Database = "unreachable"
			report.Status = "degraded"
		}
	}

	indexers, err := s.indexerService.Health(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	total := s.indexerService.Count()
	stats, err := s.statusService.GetStats(ctx, total)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if total > 0 && stats.Disabled >= total {
		report.Status = "degraded"
	}
	report.Indexers = indexers
	report.Stats = stats

	code := http.StatusOK
	if report.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, report)
}
