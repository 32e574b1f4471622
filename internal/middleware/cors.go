package middleware

import (
	"github.com/labstack/echo/v4"

	"universal-proxy-go/internal/cors"
)

// CORS returns an Echo middleware that attaches the proxy's CORS headers to
// every response, including router 404s and error responses. Handlers may
// override them.
func CORS() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cors.Apply(c.Response().Header())
			return next(c)
		}
	}
}
