package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"delivery-tracker/internal/common/httpx"
)

// Router wires the tracking endpoints, health and metrics onto mux.
func Router(mux *http.ServeMux, h *Handler, gatherer prometheus.Gatherer) *http.ServeMux {
	if mux == nil {
		mux = http.NewServeMux()
	}
	mux.HandleFunc("GET /api/v1/tracking/orders/{order_id}/status", h.TrackerHandler.GetStatus)
	mux.HandleFunc("GET /api/v1/tracking/orders/{order_id}/timeline", h.TrackerHandler.GetTimeline)
	mux.HandleFunc("GET /api/v1/tracking/orders/{order_id}/live", h.LiveHandler.ServeLive)
	mux.HandleFunc("GET /healthz", h.healthz)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.Health))
	code := http.StatusOK
	for name, check := range h.Health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	status := "ok"
	if code != http.StatusOK {
		status = "degraded"
	}
	httpx.WriteJSON(w, code, map[string]any{"status": status, "checks": checks})
}
