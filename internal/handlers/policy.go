package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/repoflow/internal/models"
	"github.com/huangang/repoflow/internal/services/approval"
	"github.com/huangang/repoflow/pkg/response"
)

// PolicyHandler manages approval policies and approval templates.
type PolicyHandler struct {
	workflow *approval.WorkflowSystem
}

func NewPolicyHandler(ws *approval.WorkflowSystem) *PolicyHandler {
	return &PolicyHandler{workflow: ws}
}

// List GET /api/policies
func (h *PolicyHandler) List(c *gin.Context) {
	response.Success(c, h.workflow.ListApprovalPolicies())
}

// Applicable lists the policies that would govern a request, best first.
// GET /api/policies/applicable?repository=acme/api&type=deploy
func (h *PolicyHandler) Applicable(c *gin.Context) {
	repo, typ := c.Query("repository"), c.Query("type")
	if repo == "" || typ == "" {
		response.BadRequest(c, "repository and type are required")
		return
	}
	response.Success(c, h.workflow.GetApplicablePolicies(repo, typ))
}

// Create POST /api/policies
func (h *PolicyHandler) Create(c *gin.Context) {
	var p models.ApprovalPolicy
	if err := c.ShouldBindJSON(&p); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.workflow.AddApprovalPolicy(p); err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, p)
}

// Update replaces the policy named in the path.
// PUT /api/policies/:id
func (h *PolicyHandler) Update(c *gin.Context) {
	var p models.ApprovalPolicy
	if err := c.ShouldBindJSON(&p); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	p.ID = c.Param("id")
	if err := h.workflow.AddApprovalPolicy(p); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, p)
}

// Delete DELETE /api/policies/:id
func (h *PolicyHandler) Delete(c *gin.Context) {
	if !h.workflow.RemoveApprovalPolicy(c.Param("id")) {
		response.NotFound(c, "policy not found")
		return
	}
	response.Success(c, nil)
}

// ListTemplates GET /api/approval-templates
func (h *PolicyHandler) ListTemplates(c *gin.Context) {
	response.Success(c, h.workflow.ListApprovalTemplates())
}

// GetTemplate GET /api/approval-templates/:type
func (h *PolicyHandler) GetTemplate(c *gin.Context) {
	t, ok := h.workflow.GetApprovalTemplate(c.Param("type"))
	if !ok {
		response.NotFound(c, "template not found")
		return
	}
	response.Success(c, t)
}

// PutTemplate adds or replaces the template for its type.
// POST /api/approval-templates
func (h *PolicyHandler) PutTemplate(c *gin.Context) {
	var t models.ApprovalTemplate
	if err := c.ShouldBindJSON(&t); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.workflow.AddApprovalTemplate(t); err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, t)
}
