package main

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/repoflow/internal/handlers"
	"github.com/huangang/repoflow/internal/middleware"
	"github.com/huangang/repoflow/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices) {
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS())

	health := handlers.NewHealthHandler(svc.db, svc.asyncRetries)
	metrics := handlers.NewMetricsHandler(svc.workflow, svc.dispatcher)
	r.GET("/health", health.CheckHealth)
	r.GET("/metrics", metrics.Prometheus)

	events := handlers.NewEventHandler(svc.orchestrator)
	approvals := handlers.NewApprovalHandler(svc.workflow, svc.dispatcher)
	policies := handlers.NewPolicyHandler(svc.workflow)
	delegations := handlers.NewDelegationHandler(svc.workflow)
	directory := handlers.NewDirectoryHandler(svc.directory)
	notifications := handlers.NewNotificationHandler(svc.dispatcher)

	api := r.Group("/api", svc.apiLimiter.Middleware())

	protected := api.Group("")
	protected.Use(middleware.AuthRequired())
	{
		protected.POST("/events", events.Handle)

		protected.GET("/approvals", approvals.List)
		protected.POST("/approvals", approvals.Create)
		protected.GET("/approvals/metrics", approvals.Metrics)
		protected.GET("/approvals/dashboard", approvals.Dashboard)
		protected.GET("/approvals/:id", approvals.Get)
		protected.GET("/approvals/:id/notifications", approvals.Notifications)
		protected.POST("/approvals/:id/decision", approvals.Decide)
		protected.POST("/approvals/:id/comments", approvals.Comment)

		protected.GET("/policies", policies.List)
		protected.GET("/policies/applicable", policies.Applicable)
		protected.GET("/approval-templates", policies.ListTemplates)
		protected.GET("/approval-templates/:type", policies.GetTemplate)

		protected.GET("/delegations", delegations.ListActive)
		protected.POST("/delegations", delegations.Create)
		protected.DELETE("/delegations/:id", delegations.Revoke)

		protected.GET("/users", directory.ListUsers)
		protected.GET("/users/:id", directory.GetUser)
		protected.GET("/teams/:id", directory.GetTeam)

		protected.GET("/notifications/metrics", notifications.Metrics)
		protected.GET("/notifications/attempts/:id", notifications.GetAttempt)
		protected.GET("/notifications/templates", notifications.ListTemplates)
	}

	admin := api.Group("")
	admin.Use(middleware.AuthRequired(), middleware.AdminRequired(), middleware.AuditLog())
	{
		admin.POST("/policies", policies.Create)
		admin.PUT("/policies/:id", policies.Update)
		admin.DELETE("/policies/:id", policies.Delete)
		admin.POST("/approval-templates", policies.PutTemplate)

		admin.PUT("/users/:id", directory.PutUser)
		admin.PUT("/teams/:id", directory.PutTeam)

		admin.PUT("/notifications/templates/:id", notifications.PutTemplate)
	}
}
