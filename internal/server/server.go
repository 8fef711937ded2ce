// Package server wires the echo router: the health endpoint, the catch-all
// HTTP proxy, and the WebSocket streaming route.
package server

import (
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jensens/ivoryvalley/internal/proxy"
	"github.com/jensens/ivoryvalley/internal/store"
	"github.com/jensens/ivoryvalley/internal/wsrelay"
)

// Dependencies are the components the router dispatches into.
type Dependencies struct {
	Proxy    *proxy.Handler
	Relay    *wsrelay.Relay
	Store    *store.Store
	Upstream *url.URL
	Log      *zap.Logger
	Version  string
}

// defaultStreamingPath is the streaming endpoint routed to the WebSocket
// relay; a WebSocket upgrade on any other path is also handed to the relay
// by the catch-all route, since the instance rewriter may have pointed the
// client back at a non-default path.
const defaultStreamingPath = "/api/v1/streaming"

// New builds the echo router.
func New(deps Dependencies) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(requestIDMiddleware(deps.Log))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/health", healthHandler(deps))

	e.GET(defaultStreamingPath, wsHandler(deps))
	e.Any("/*", proxyHandler(deps))

	return e
}

func requestIDMiddleware(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := uuid.NewString()
			c.Set("request_id", id)
			c.Response().Header().Set("X-Request-Id", id)

			err := next(c)

			if log != nil {
				fields := []zap.Field{
					zap.String("request_id", id),
					zap.String("method", c.Request().Method),
					zap.String("path", c.Request().URL.Path),
					zap.Int("status", c.Response().Status),
				}
				if err != nil {
					log.Warn("request failed", append(fields, zap.Error(err))...)
				} else {
					log.Info("request handled", fields...)
				}
			}
			return err
		}
	}
}

func proxyHandler(deps Dependencies) echo.HandlerFunc {
	return func(c echo.Context) error {
		r := c.Request()
		if isWebSocketUpgrade(r) {
			return wsHandler(deps)(c)
		}
		deps.Proxy.ServeHTTP(c.Response(), r)
		return nil
	}
}

func wsHandler(deps Dependencies) echo.HandlerFunc {
	return func(c echo.Context) error {
		return deps.Relay.Serve(c.Response(), c.Request(), deps.Upstream)
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return r.Header.Get("Upgrade") == "websocket"
}

func healthHandler(deps Dependencies) echo.HandlerFunc {
	return func(c echo.Context) error {
		deep := c.QueryParam("deep") == "true"
		if !deep {
			return c.JSON(http.StatusOK, map[string]string{
				"status":  "healthy",
				"version": deps.Version,
			})
		}

		checks := map[string]string{"database": "ok"}
		if _, err := deps.Store.Exists("ivoryvalley:healthcheck"); err != nil {
			checks["database"] = "failed"
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status": "unhealthy",
				"checks": checks,
			})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"status":  "healthy",
			"version": deps.Version,
			"checks":  checks,
		})
	}
}
