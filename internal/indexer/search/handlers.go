package search

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handlers provides HTTP handlers for search operations.
type Handlers struct {
	service *Service
}

// NewHandlers creates new search handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers the search routes.
func (h *Handlers) RegisterRoutes(g *echo.Group) {
	g.GET("", h.Search)
}

// Search handles search requests.
// GET /api/v1/search?t=...&q=...&cat=...&indexerIds=...
func (h *Handlers) Search(c echo.Context) error {
	criteria, err := ParseCriteria(c.QueryParams())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ids, err := ParseIndexerIDs(c.QueryParam("indexerIds"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "indexerIds: "+err.Error())
	}

	result := h.service.Search(c.Request().Context(), criteria, Options{IndexerIDs: ids})
	return c.JSON(http.StatusOK, result)
}
