package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/huangang/repoflow/internal/middleware"
	"github.com/huangang/repoflow/internal/models"
	"github.com/huangang/repoflow/internal/services/approval"
	"github.com/huangang/repoflow/internal/services/notification"
	"github.com/huangang/repoflow/pkg/response"
)

type ApprovalHandler struct {
	workflow   *approval.WorkflowSystem
	dispatcher *notification.Dispatcher
}

func NewApprovalHandler(ws *approval.WorkflowSystem, d *notification.Dispatcher) *ApprovalHandler {
	return &ApprovalHandler{workflow: ws, dispatcher: d}
}

type DecisionBody struct {
	Action  models.DecisionAction `json:"action" binding:"required"`
	Comment string                `json:"comment"`
}

type CommentBody struct {
	Text     string `json:"text" binding:"required"`
	Internal bool   `json:"internal"`
}

// Create opens an approval request outside the automation pipeline.
// POST /api/approvals
func (h *ApprovalHandler) Create(c *gin.Context) {
	var in approval.CreateRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if in.RequesterID == "" {
		in.RequesterID = middleware.GetUserID(c)
	}

	id, err := h.workflow.CreateApprovalRequest(c.Request.Context(), in)
	if err != nil {
		response.Error(c, err)
		return
	}
	req, err := h.workflow.GetRequest(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, req)
}

// List returns requests filtered by status, repository and requester.
// GET /api/approvals?status=pending,escalated&repository=acme/api
func (h *ApprovalHandler) List(c *gin.Context) {
	filter := approval.ListFilter{
		Repository:  c.Query("repository"),
		RequesterID: c.Query("requester_id"),
	}
	if s := c.Query("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			filter.Statuses = append(filter.Statuses, models.RequestStatus(strings.TrimSpace(part)))
		}
	}

	reqs, err := h.workflow.ListRequests(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"items": reqs, "total": len(reqs)})
}

// Get GET /api/approvals/:id
func (h *ApprovalHandler) Get(c *gin.Context) {
	req, err := h.workflow.GetRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, req)
}

// Decide records the caller's approve or reject vote. A vote that is not
// accepted (ineligible caller, repeated vote, closed request) returns
// accepted=false.
// POST /api/approvals/:id/decision
func (h *ApprovalHandler) Decide(c *gin.Context) {
	var body DecisionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.workflow.GetRequest(ctx, id); err != nil {
		response.Error(c, err)
		return
	}

	ok, err := h.workflow.ApproveRequest(ctx, id, middleware.GetUserID(c), body.Action, body.Comment)
	if err != nil {
		response.Error(c, err)
		return
	}
	req, err := h.workflow.GetRequest(ctx, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"accepted": ok, "request": req})
}

// Comment POST /api/approvals/:id/comments
func (h *ApprovalHandler) Comment(c *gin.Context) {
	var body CommentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	ok, err := h.workflow.AddComment(c.Request.Context(), c.Param("id"), middleware.GetUserID(c), body.Text, body.Internal)
	if err != nil {
		response.Error(c, err)
		return
	}
	if !ok {
		response.NotFound(c, "approval request not found")
		return
	}
	response.Created(c, gin.H{"accepted": true})
}

// Notifications lists the delivery chains sent for a request.
// GET /api/approvals/:id/notifications
func (h *ApprovalHandler) Notifications(c *gin.Context) {
	attempts, err := h.dispatcher.ListAttempts(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, attempts)
}

// Metrics GET /api/approvals/metrics
func (h *ApprovalHandler) Metrics(c *gin.Context) {
	m, err := h.workflow.GetApprovalMetrics(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, m)
}

// Dashboard returns the caller's queue. Admins may look at another user's
// dashboard with ?user_id=.
// GET /api/approvals/dashboard
func (h *ApprovalHandler) Dashboard(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if other := c.Query("user_id"); other != "" && other != userID {
		if middleware.GetRole(c) != middleware.RoleAdmin {
			response.Forbidden(c, "admin access required")
			return
		}
		userID = other
	}

	d, err := h.workflow.GetApprovalDashboard(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, d)
}
