// Gin middleware recording HTTP metrics, plus the standalone /metrics
// listener. The metrics endpoint binds its own address so it is never
// reachable through the authenticated /api surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"termgate/internal/logging"
)

// PrometheusMiddleware returns a Gin middleware that records request
// counts and latencies per route.
func PrometheusMiddleware() gin.HandlerFunc {
	m := Get()

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// Serve starts the /metrics listener on its own address. It returns the
// *http.Server so the caller can shut it down gracefully; a nil return
// means metrics are disabled (empty addr).
func Serve(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics listener failed", zap.Error(err))
		}
	}()
	logging.L().Info("metrics listening", zap.String("addr", addr))
	return srv
}
