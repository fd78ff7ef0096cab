package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler reports whether the service can reach its dependencies.
type HealthHandler struct {
	db           *gorm.DB
	asyncRetries bool
}

// NewHealthHandler takes a nil db when requests are kept in memory.
func NewHealthHandler(db *gorm.DB, asyncRetries bool) *HealthHandler {
	return &HealthHandler{db: db, asyncRetries: asyncRetries}
}

// CheckHealth GET /health
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	overall := "healthy"
	status := http.StatusOK

	dbStatus := "memory"
	if h.db != nil {
		dbStatus = "ok"
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			dbStatus = "error: " + err.Error()
			overall = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}

	queueMode := "in-process"
	if h.asyncRetries {
		queueMode = "async (Redis)"
	}

	c.JSON(status, gin.H{
		"status":  overall,
		"service": "repoflow",
		"components": gin.H{
			"database":    dbStatus,
			"retry_queue": queueMode,
		},
	})
}
