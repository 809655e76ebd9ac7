package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// HeaderVersion carries the running version on every response.
const HeaderVersion = "X-Indexproxy-Version"

// SecurityHeaders sets the response headers of a JSON/XML API that is never
// framed and whose responses may carry indexer credentials in links.
func SecurityHeaders(version string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			if version != "" {
				h.Set(HeaderVersion, version)
			}

			// search results embed remote api keys in download links
			if strings.HasPrefix(c.Request().URL.Path, "/api/") {
				h.Set("Cache-Control", "no-store")
			}
			return next(c)
		}
	}
}
