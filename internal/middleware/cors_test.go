package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newCORSRouter() *gin.Engine {
	router := gin.New()
	router.Use(CORS())
	router.POST("/api/events", func(c *gin.Context) {
		c.Header("X-Request-ID", "req-1")
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	})
	return router
}

func TestCORS_PreflightForEventIngest(t *testing.T) {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("OPTIONS", "/api/events", nil)
	req.Header.Set("Origin", "https://dashboard.acme.test")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Authorization, X-Request-ID")
	newCORSRouter().ServeHTTP(w, req)

	assert.Contains(t, []int{http.StatusOK, http.StatusNoContent}, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	headers := strings.ToLower(w.Header().Get("Access-Control-Allow-Headers"))
	assert.Contains(t, headers, "authorization")
	assert.Contains(t, headers, "x-request-id")
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")
	assert.Equal(t, "43200", w.Header().Get("Access-Control-Max-Age"))
}

func TestCORS_ExposesRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/events", nil)
	req.Header.Set("Origin", "https://dashboard.acme.test")
	newCORSRouter().ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, strings.ToLower(w.Header().Get("Access-Control-Expose-Headers")), "x-request-id")
	assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))
}
