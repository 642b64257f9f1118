package api

import (
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/middleware"
)

// NewRouter builds the ops API.
//
// Route table:
//
//	POST   /api/v1/passes/matching                       run a matching pass
//	POST   /api/v1/passes/cleaning[?force_reindex=true]  run a cleaning pass
//	GET    /api/v1/cache                                 cache state
//	POST   /api/v1/cache/rebuild                         forced full rebuild
//	GET    /api/v1/breakers                              circuit breaker states
//	POST   /api/v1/breakers/{name}/reset                 force a breaker closed
//	GET    /health/live                                  liveness
//	GET    /health/ready                                 readiness
//
// Middleware chain (outermost first):
//
//	RequestID → AccessLog → Metrics → Auth → Timeout → handler
func NewRouter(h *Handler, checker *health.Checker, m *metrics.Metrics, apiKey string, timeout time.Duration) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	mux.HandleFunc("POST /api/v1/passes/matching", h.TriggerMatching)
	mux.HandleFunc("POST /api/v1/passes/cleaning", h.TriggerCleaning)
	mux.HandleFunc("GET /api/v1/cache", h.CacheStatus)
	mux.HandleFunc("POST /api/v1/cache/rebuild", h.RebuildCache)
	mux.HandleFunc("GET /api/v1/breakers", h.ListBreakers)
	mux.HandleFunc("POST /api/v1/breakers/{name}/reset", h.ResetBreaker)

	var chain http.Handler = mux
	if timeout > 0 {
		chain = middleware.Timeout(timeout)(chain)
	}
	chain = middleware.Auth(apiKey)(chain)
	if m != nil {
		chain = middleware.Metrics(m)(chain)
	}
	chain = middleware.AccessLog(chain)
	chain = middleware.RequestID(chain)
	return chain
}
