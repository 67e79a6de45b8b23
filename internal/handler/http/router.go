// Package http exposes the supervisor's uniform HTTP API (spec.md §6),
// grounded on the teacher's chi-based lp.LPHandler wiring.
package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/whatsapp-hub/supervisor/internal/registry"
)

// Handler bundles every route against the InstanceManager.
type Handler struct {
	manager *registry.Manager
	logger  *slog.Logger
}

// New builds a Handler.
func New(manager *registry.Manager, logger *slog.Logger) *Handler {
	return &Handler{manager: manager, logger: logger}
}

// Router assembles the chi mux (spec.md §6 "External Interfaces").
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.health)

	r.Route("/instances", func(r chi.Router) {
		r.Get("/", h.listInstances)
		r.Post("/", h.createInstance)

		r.Route("/{id}", func(r chi.Router) {
			r.Put("/", h.updateInstance)
			r.Delete("/", h.deleteInstance)
			r.Get("/diagnostics", h.diagnostics)
			r.Get("/events/ws", h.eventStream)

			r.Route("/client", func(r chi.Router) {
				r.Get("/qr", h.getQR)
				r.Get("/status", h.getStatus)
				r.Route("/action", func(r chi.Router) {
					r.Post("/send-message", h.sendMessage)
					r.Post("/create-poll", h.createPoll)
					r.Post("/logout", h.logout)
				})
			})
		})
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "instances": len(h.manager.List())}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		body["cpuPercent"] = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		body["memoryUsedPercent"] = vm.UsedPercent
	}
	writeJSON(w, http.StatusOK, body)
}
