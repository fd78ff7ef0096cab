package handlers

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/repoflow/internal/services/approval"
	"github.com/huangang/repoflow/internal/services/notification"
	"github.com/huangang/repoflow/pkg/logger"
)

var startTime = time.Now()

// MetricsHandler exposes approval and delivery counters in the Prometheus
// text format.
type MetricsHandler struct {
	workflow   *approval.WorkflowSystem
	dispatcher *notification.Dispatcher
}

func NewMetricsHandler(ws *approval.WorkflowSystem, d *notification.Dispatcher) *MetricsHandler {
	return &MetricsHandler{workflow: ws, dispatcher: d}
}

// Prometheus GET /metrics
func (h *MetricsHandler) Prometheus(c *gin.Context) {
	var b strings.Builder

	writeGauge(&b, "repoflow_uptime_seconds", "Time since server start in seconds", time.Since(startTime).Seconds())
	writeGauge(&b, "repoflow_goroutines", "Number of active goroutines", float64(runtime.NumGoroutine()))

	if m, err := h.workflow.GetApprovalMetrics(c.Request.Context()); err != nil {
		logger.Warn().Err(err).Msg("[Metrics] Approval metrics unavailable")
	} else {
		writeGauge(&b, "repoflow_approvals_total", "Approval requests created", float64(m.Total))
		writeGauge(&b, "repoflow_approvals_pending", "Approval requests waiting for a vote", float64(m.Pending))
		writeGauge(&b, "repoflow_approvals_escalated", "Approval requests escalated", float64(m.Escalated))
		writeGauge(&b, "repoflow_approvals_approved", "Approval requests approved", float64(m.Approved))
		writeGauge(&b, "repoflow_approvals_rejected", "Approval requests rejected", float64(m.Rejected))
		writeGauge(&b, "repoflow_approvals_expired", "Approval requests expired", float64(m.Expired))
		writeGauge(&b, "repoflow_approval_rate", "Approved share of resolved requests", m.ApprovalRate)
		writeGauge(&b, "repoflow_approval_resolution_hours_avg", "Average hours from creation to resolution", m.AverageResolutionHours)
	}

	n := h.dispatcher.GetNotificationMetrics()
	writeGauge(&b, "repoflow_notifications_sent", "Deliveries that succeeded", float64(n.TotalSent))
	writeGauge(&b, "repoflow_notifications_failed", "Deliveries that exhausted their retries", float64(n.TotalFailed))
	writeGauge(&b, "repoflow_notifications_pending", "Deliveries not yet settled", float64(n.TotalPending))
	writeGauge(&b, "repoflow_notifications_skipped", "Recipients skipped by channel state, filters or rate limits", float64(n.TotalSkipped))
	writeGauge(&b, "repoflow_notifications_delivery_ms_avg", "Average milliseconds from creation to delivery", n.AverageDeliveryMs)
	writeGauge(&b, "repoflow_notifications_success_rate", "Sent share of settled deliveries", n.SuccessRate)

	c.Data(200, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
}

func writeGauge(b *strings.Builder, name, help string, value float64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s gauge\n", name)
	fmt.Fprintf(b, "%s %g\n\n", name, value)
}
