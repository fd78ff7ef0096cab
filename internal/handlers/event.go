package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/repoflow/internal/middleware"
	"github.com/huangang/repoflow/internal/services/orchestrator"
	"github.com/huangang/repoflow/pkg/response"
)

type EventHandler struct {
	orchestrator *orchestrator.Orchestrator
}

func NewEventHandler(o *orchestrator.Orchestrator) *EventHandler {
	return &EventHandler{orchestrator: o}
}

// Handle evaluates a batch of repository changes and routes the decisions.
// POST /api/events
func (h *EventHandler) Handle(c *gin.Context) {
	var ev orchestrator.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if ev.RequesterID == "" {
		ev.RequesterID = middleware.GetUserID(c)
	}

	out, err := h.orchestrator.HandleEvent(c.Request.Context(), ev)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, out)
}
