package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/repoflow/internal/middleware"
	"github.com/huangang/repoflow/internal/models"
	"github.com/huangang/repoflow/internal/services/approval"
	"github.com/huangang/repoflow/pkg/response"
)

type DelegationHandler struct {
	workflow *approval.WorkflowSystem
}

func NewDelegationHandler(ws *approval.WorkflowSystem) *DelegationHandler {
	return &DelegationHandler{workflow: ws}
}

// Create grants the caller's approval rights to a delegate. Only admins may
// create a delegation on someone else's behalf.
// POST /api/delegations
func (h *DelegationHandler) Create(c *gin.Context) {
	var d models.Delegation
	if err := c.ShouldBindJSON(&d); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	caller := middleware.GetUserID(c)
	if d.DelegatorID == "" {
		d.DelegatorID = caller
	}
	if d.DelegatorID != caller && middleware.GetRole(c) != middleware.RoleAdmin {
		response.Forbidden(c, "cannot delegate on behalf of another user")
		return
	}

	id, err := h.workflow.AddDelegation(c.Request.Context(), d)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, gin.H{"id": id})
}

// ListActive returns the delegations in force for ?user_id, defaulting to
// the caller.
// GET /api/delegations
func (h *DelegationHandler) ListActive(c *gin.Context) {
	userID := c.DefaultQuery("user_id", middleware.GetUserID(c))
	ds, err := h.workflow.GetActiveDelegations(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, ds)
}

// Revoke DELETE /api/delegations/:id
func (h *DelegationHandler) Revoke(c *gin.Context) {
	ok, err := h.workflow.RevokeDelegation(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if !ok {
		response.NotFound(c, "delegation not found")
		return
	}
	response.Success(c, nil)
}
