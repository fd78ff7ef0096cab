package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/repoflow/internal/models"
	"github.com/huangang/repoflow/internal/services/approval"
	"github.com/huangang/repoflow/pkg/response"
)

// DirectoryHandler maintains the users and teams approvers are resolved from.
type DirectoryHandler struct {
	dir approval.Directory
}

func NewDirectoryHandler(dir approval.Directory) *DirectoryHandler {
	return &DirectoryHandler{dir: dir}
}

// ListUsers GET /api/users
func (h *DirectoryHandler) ListUsers(c *gin.Context) {
	users, err := h.dir.ListUsers(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, users)
}

// GetUser GET /api/users/:id
func (h *DirectoryHandler) GetUser(c *gin.Context) {
	u, err := h.dir.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, u)
}

// PutUser creates or replaces a user.
// PUT /api/users/:id
func (h *DirectoryHandler) PutUser(c *gin.Context) {
	var u models.User
	if err := c.ShouldBindJSON(&u); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	u.ID = c.Param("id")
	for _, r := range u.Contacts {
		if r.Channel == "" || r.Address == "" {
			response.BadRequest(c, "contacts need a channel and an address")
			return
		}
	}
	if err := h.dir.PutUser(c.Request.Context(), &u); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, u)
}

// GetTeam GET /api/teams/:id
func (h *DirectoryHandler) GetTeam(c *gin.Context) {
	t, err := h.dir.GetTeam(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, t)
}

// PutTeam creates or replaces a team.
// PUT /api/teams/:id
func (h *DirectoryHandler) PutTeam(c *gin.Context) {
	var t models.Team
	if err := c.ShouldBindJSON(&t); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	t.ID = c.Param("id")
	for _, m := range t.Members {
		switch m.Role {
		case models.TeamRoleOwner, models.TeamRoleMaintainer, models.TeamRoleMember:
		default:
			response.BadRequest(c, "unknown team role "+string(m.Role))
			return
		}
	}
	if err := h.dir.PutTeam(c.Request.Context(), &t); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, t)
}
