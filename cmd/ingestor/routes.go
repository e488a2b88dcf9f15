package main

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/wtthornton/ha-ingestor-sub004/internal/alert"
	"github.com/wtthornton/ha-ingestor-sub004/internal/health"
	"github.com/wtthornton/ha-ingestor-sub004/internal/notify"
	"github.com/wtthornton/ha-ingestor-sub004/internal/pipeline"
	"github.com/wtthornton/ha-ingestor-sub004/internal/writer"
)

// registerRoutes mounts the observability and alert-lifecycle HTTP
// surface.
func registerRoutes(
	e *echo.Echo,
	monitor *health.Monitor,
	metrics *health.Metrics,
	pl *pipeline.Pipeline,
	store *writer.Client,
	engine *alert.Engine,
	dispatcher *notify.Dispatcher,
) {
	e.GET("/health", func(c echo.Context) error {
		summary := monitor.Summarize()
		code := http.StatusOK
		if summary.Status == health.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, summary)
	})

	e.GET("/ready", func(c echo.Context) error {
		if !monitor.Ready() {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
	})

	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	v1 := e.Group("/v1")

	v1.GET("/stats", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"pipeline":      pl.Stats(),
			"filter_caches": pl.FilterCacheStats(),
			"writer":        store.Stats(),
			"batches":       store.Performance(),
			"notifications": dispatcher.Stats(),
		})
	})

	v1.GET("/alerts", func(c echo.Context) error {
		return c.JSON(http.StatusOK, engine.ActiveAlerts())
	})
	v1.GET("/alerts/history", func(c echo.Context) error {
		return c.JSON(http.StatusOK, engine.History())
	})
	v1.POST("/alerts/:rule/acknowledge", func(c echo.Context) error {
		if !engine.Acknowledge(c.Param("rule")) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "no active alert for rule"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "acknowledged"})
	})
	v1.POST("/alerts/:rule/resolve", func(c echo.Context) error {
		if !engine.Resolve(c.Param("rule")) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "no active alert for rule"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "resolved"})
	})

	v1.GET("/rules", func(c echo.Context) error {
		return c.JSON(http.StatusOK, engine.Rules())
	})
	v1.POST("/rules", func(c echo.Context) error {
		var r alert.Rule
		if err := c.Bind(&r); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid rule body"})
		}
		if err := engine.AddRule(r); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusCreated, map[string]string{"status": "created"})
	})
	v1.DELETE("/rules/:name", func(c echo.Context) error {
		if !engine.RemoveRule(c.Param("name")) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown rule"})
		}
		return c.NoContent(http.StatusNoContent)
	})
}
