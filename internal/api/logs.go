package api

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/slipstream/indexproxy/internal/logger"
)

// LogsProvider serves buffered log entries and the active log file.
type LogsProvider interface {
	RecentLogs(q logger.Query) []logger.LogEntry
	GetLogFilePath() string
}

// LogsHandlers exposes recent activity so a failing remote can be diagnosed
// without shell access.
type LogsHandlers struct {
	provider LogsProvider
}

func NewLogsHandlers(provider LogsProvider) *LogsHandlers {
	return &LogsHandlers{provider: provider}
}

func (h *LogsHandlers) RegisterRoutes(g *echo.Group) {
	g.GET("", h.Recent)
	g.GET("/download", h.Download)
}

// Recent returns buffered entries.
// GET /api/v1/system/logs?level=warn&component=fetch&indexer=Alpha&limit=200
func (h *LogsHandlers) Recent(c echo.Context) error {
	q := logger.Query{
		Component: c.QueryParam("component"),
		Indexer:   c.QueryParam("indexer"),
	}
	if lvl := c.QueryParam("level"); lvl != "" {
		parsed, err := zerolog.ParseLevel(lvl)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid level")
		}
		q.MinLevel = parsed
	}
	if limit := c.QueryParam("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		q.Limit = n
	}
	return c.JSON(http.StatusOK, h.provider.RecentLogs(q))
}

// Download serves the current log file.
// GET /api/v1/system/logs/download
func (h *LogsHandlers) Download(c echo.Context) error {
	path := h.provider.GetLogFilePath()
	if path == "" {
		return echo.NewHTTPError(http.StatusNotFound, "no log file configured")
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return echo.NewHTTPError(http.StatusNotFound, "log file not found")
	}
	return c.Attachment(path, logger.FileName)
}
