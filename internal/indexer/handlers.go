package indexer

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/labstack/echo/v4"

	"github.com/slipstream/indexproxy/internal/indexer/download"
	"github.com/slipstream/indexproxy/internal/indexer/status"
	"github.com/slipstream/indexproxy/internal/indexer/types"
)

// Handlers provides HTTP handlers for indexer operations.
type Handlers struct {
	service *Service
}

// NewHandlers creates new indexer handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers the indexer routes.
func (h *Handlers) RegisterRoutes(g *echo.Group) {
	g.GET("", h.List)
	g.GET("/status", h.GetAllStatuses)
	g.GET("/:id", h.Get)
	g.GET("/:id/caps", h.Capabilities)
	g.GET("/:id/download", h.Download)
	g.POST("/:id/test", h.Test)
	g.GET("/:id/status", h.GetStatus)
	g.DELETE("/:id/status", h.ClearStatus)
}

// Summary describes a registered remote without its secrets.
type Summary struct {
	types.IndexerDefinition
	Protocol types.Protocol `json:"protocol"`
}

func summarize(ix *Indexer) Summary {
	return Summary{IndexerDefinition: ix.Definition(), Protocol: ix.Protocol()}
}

// List returns all indexers.
// GET /api/v1/indexers
func (h *Handlers) List(c echo.Context) error {
	list := h.service.List()
	out := make([]Summary, 0, len(list))
	for _, ix := range list {
		out = append(out, summarize(ix))
	}
	return c.JSON(http.StatusOK, out)
}

// Get returns a single indexer.
// GET /api/v1/indexers/:id
func (h *Handlers) Get(c echo.Context) error {
	ix, err := h.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summarize(ix))
}

// Capabilities returns the negotiated capabilities of an indexer.
// GET /api/v1/indexers/:id/caps
func (h *Handlers) Capabilities(c echo.Context) error {
	ix, err := h.lookup(c)
	if err != nil {
		return err
	}
	capabilities, err := ix.Capabilities(c.Request().Context())
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, capabilities)
}

// Download proxies the file behind a release link.
// GET /api/v1/indexers/:id/download?link=...
func (h *Handlers) Download(c echo.Context) error {
	link := c.QueryParam("link")
	if link == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "link is required")
	}
	ix, err := h.lookup(c)
	if err != nil {
		return err
	}

	data, err := ix.Download(c.Request().Context(), link)
	if err != nil {
		return HTTPError(err)
	}
	if download.IsMagnet(link) || download.IsMagnet(string(data)) {
		return c.Redirect(http.StatusFound, string(data))
	}
	return c.Blob(http.StatusOK, mimetype.Detect(data).String(), data)
}

// Test runs a basic search against an indexer.
// POST /api/v1/indexers/:id/test
func (h *Handlers) Test(c echo.Context) error {
	ix, err := h.lookup(c)
	if err != nil {
		return err
	}
	if err := ix.Test(c.Request().Context()); err != nil {
		return c.JSON(http.StatusOK, map[string]any{
			"success": false,
			"message": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

// GetStatus returns the status of an indexer.
// GET /api/v1/indexers/:id/status
func (h *Handlers) GetStatus(c echo.Context) error {
	ix, err := h.lookup(c)
	if err != nil {
		return err
	}
	health, err := h.service.deps.Status.GetHealth(c.Request().Context(), ix.ID(), ix.Name())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, health)
}

// ClearStatus resets the failure state of an indexer.
// DELETE /api/v1/indexers/:id/status
func (h *Handlers) ClearStatus(c echo.Context) error {
	ix, err := h.lookup(c)
	if err != nil {
		return err
	}
	if err := h.service.deps.Status.ClearStatus(c.Request().Context(), ix.ID()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// GetAllStatuses returns the status of all indexers.
// GET /api/v1/indexers/status
func (h *Handlers) GetAllStatuses(c echo.Context) error {
	ctx := c.Request().Context()
	statuses, err := h.service.Health(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	stats, err := h.service.deps.Status.GetStats(ctx, h.service.Count())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if statuses == nil {
		statuses = []*status.IndexerHealth{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"indexers": statuses,
		"stats":    stats,
	})
}

func (h *Handlers) lookup(c echo.Context) (*Indexer, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ix, err := h.service.Get(id)
	if err != nil {
		if errors.Is(err, ErrIndexerNotFound) {
			return nil, echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return ix, nil
}

// HTTPError maps a remote failure onto the closest HTTP status.
func HTTPError(err error) *echo.HTTPError {
	code := http.StatusBadGateway
	switch {
	case types.IsRateLimitError(err):
		code = http.StatusTooManyRequests
	case types.IsReleaseUnavailable(err):
		code = http.StatusNotFound
	case types.IsAuthError(err), types.IsCaptchaError(err):
		code = http.StatusUnauthorized
	case errors.Is(err, types.ErrDefinition), errors.Is(err, types.ErrConfiguration):
		code = http.StatusInternalServerError
	}
	return echo.NewHTTPError(code, err.Error())
}
