package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// tenantHeader carries the caller's tenant on every API request.
const tenantHeader = "X-Tenant-Id"

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// tenantContext rejects requests without a tenant header and stashes the
// tenant for handlers.
func tenantContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			tenant := c.Request().Header.Get(tenantHeader)
			if tenant == "" {
				return echo.NewHTTPError(http.StatusBadRequest, tenantHeader+" header is required")
			}
			c.Set("tenant_id", tenant)
			return next(c)
		}
	}
}

// tenantID reads the tenant stashed by tenantContext.
func tenantID(c *echo.Context) string {
	if v, ok := c.Get("tenant_id").(string); ok {
		return v
	}
	return ""
}
