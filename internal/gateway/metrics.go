package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vizual/metering-plane/pkg/metrics"
)

// metricsMiddleware records request latency and in-flight gauge.
func (g *Gateway) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		metrics.HTTPRequestsInFlight.Inc()
		defer metrics.HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// route pattern keeps cardinality low for parameterized paths
		routePath := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				routePath = pattern
			}
		}

		metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, routePath, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

func (g *Gateway) registerMetrics() {
	g.router.Handle("/metrics", promhttp.Handler())
}
