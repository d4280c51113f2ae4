// Package router wires the HTTP handlers onto chi.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/smsrelay/backend/internal/auth"
	"github.com/smsrelay/backend/internal/handlers"
	"github.com/smsrelay/backend/internal/metrics"
	"github.com/smsrelay/backend/internal/middleware"
)

// Handlers groups everything New mounts.
type Handlers struct {
	Tasks    *handlers.TaskHandler
	Devices  *handlers.DeviceHandler
	Wallet   *handlers.WalletHandler
	Verifier middleware.TokenVerifier
	Ready    map[string]handlers.Pinger
}

// New returns the API handler. Probes and metrics are public; everything
// under /api/v1 needs a bearer token, and /api/v1/admin needs the admin role.
func New(h Handlers) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", handlers.Healthz)
	r.Get("/readyz", handlers.Readyz(h.Ready))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(middleware.Authenticate(h.Verifier))

		api.Get("/devices/{deviceID}/next-task", h.Devices.NextTask)
		api.Get("/devices/{deviceID}/batch-tasks", h.Devices.BatchTasks)
		api.Get("/devices/{deviceID}/events", h.Devices.Events)
		api.Post("/devices/{deviceID}/status", h.Devices.ReportStatus)
		api.Post("/devices/{deviceID}/heartbeat", h.Devices.Heartbeat)

		api.Get("/tasks/{taskID}", h.Tasks.GetTask)
		api.Post("/tasks/{taskID}/status", h.Tasks.ReportStatus)

		api.Get("/wallet", h.Wallet.GetWallet)
		api.Get("/wallet/transactions", h.Wallet.ListTransactions)
		api.Post("/wallet/withdraw", h.Wallet.Withdraw)

		api.Group(func(admin chi.Router) {
			admin.Use(middleware.RequireRole(auth.RoleAdmin))
			admin.Post("/admin/tasks", h.Tasks.CreateTask)
			admin.Post("/admin/tasks/bulk", h.Tasks.BulkCreate)
		})
	})

	return r
}
