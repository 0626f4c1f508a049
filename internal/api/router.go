package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/typerush/typerush/internal/app"
	"github.com/typerush/typerush/internal/middleware"
	"github.com/typerush/typerush/internal/race"
	"github.com/typerush/typerush/internal/realtime"
	"github.com/typerush/typerush/internal/router"
	"github.com/typerush/typerush/internal/typing"
)

// NewRouter builds the Gin engine, wires middleware, and registers the
// websocket entry point plus the monitoring surface.
func NewRouter(cfg *app.Config, session *router.Router, registry *realtime.Registry,
	tests *typing.Engine, races *race.Engine) (*gin.Engine, error) {

	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if session == nil {
		return nil, fmt.Errorf("session router must be provided")
	}

	r := gin.New()

	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	r.GET("/ws", session.HandleWS)

	if cfg.Monitoring.Health.Enabled {
		r.GET("/healthz", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":      "ok",
				"connections": registry.Count(),
				"tests":       tests.ActiveCount(),
				"races":       races.ActiveCount(),
				"checked_at":  time.Now().UTC(),
			})
		})
	}

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	return r, nil
}
