package http

import (
	nethttp "net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/spec-kit/helpdesk/internal/api/http/handlers"
	"github.com/spec-kit/helpdesk/internal/auth"
)

// RouteConfig bundles dependencies for route registration. Tickets and
// Notifications are nil for roles that do not serve them.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Metrics        nethttp.Handler
	Tickets        *handlers.TicketsHandler
	Notifications  *handlers.NotificationsHandler
	AuthMiddleware *auth.AuthMiddleware
	StaffRoleIDs   []int64
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics))
	}

	if cfg.Tickets != nil {
		tickets := app.Group("/tickets", cfg.AuthMiddleware.Handle)
		tickets.Post("/", cfg.Tickets.CreateTicket)
		staff := tickets.Group("/:id", auth.RequireRole(cfg.StaffRoleIDs...))
		staff.Post("/status", cfg.Tickets.UpdateStatus)
		staff.Post("/assignees", cfg.Tickets.AddAssignees)
	}

	if cfg.Notifications != nil {
		notifications := app.Group("/notifications", cfg.AuthMiddleware.Handle)
		notifications.Get("/", cfg.Notifications.List)
		notifications.Post("/:id/read", cfg.Notifications.MarkRead)
	}
}
