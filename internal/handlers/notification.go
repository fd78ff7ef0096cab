package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/repoflow/internal/models"
	"github.com/huangang/repoflow/internal/services/notification"
	"github.com/huangang/repoflow/pkg/response"
)

type NotificationHandler struct {
	dispatcher *notification.Dispatcher
}

func NewNotificationHandler(d *notification.Dispatcher) *NotificationHandler {
	return &NotificationHandler{dispatcher: d}
}

// Metrics GET /api/notifications/metrics
func (h *NotificationHandler) Metrics(c *gin.Context) {
	response.Success(c, h.dispatcher.GetNotificationMetrics())
}

// GetAttempt GET /api/notifications/attempts/:id
func (h *NotificationHandler) GetAttempt(c *gin.Context) {
	a, err := h.dispatcher.GetAttempt(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, a)
}

// ListTemplates GET /api/notifications/templates
func (h *NotificationHandler) ListTemplates(c *gin.Context) {
	response.Success(c, h.dispatcher.Templates().List())
}

// PutTemplate adds or replaces a message template.
// PUT /api/notifications/templates/:id
func (h *NotificationHandler) PutTemplate(c *gin.Context) {
	var t models.NotificationTemplate
	if err := c.ShouldBindJSON(&t); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	t.ID = c.Param("id")
	if err := h.dispatcher.Templates().Put(t); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, t)
}
