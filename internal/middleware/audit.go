package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/huangang/repoflow/pkg/logger"
)

const auditBodyLimit = 2000

var sensitiveKeys = map[string]bool{
	"password": true, "secret": true, "token": true, "api_key": true, "webhook_url": true,
}

// AuditLog writes one log line per administrative write: who changed which
// policy, template, delegation or directory entry, and whether it worked.
func AuditLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		method := c.Request.Method
		if method != http.MethodPost && method != http.MethodPut && method != http.MethodDelete {
			c.Next()
			return
		}

		var body string
		if c.Request.Body != nil {
			data, _ := io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(data))
			body = auditBody(data)
		}

		c.Next()

		module, action := routeAction(c.FullPath(), method)
		status := c.Writer.Status()
		ev := logger.Info()
		if status >= http.StatusBadRequest {
			ev = logger.Warn()
		}
		ev.Str("user_id", GetUserID(c)).
			Str("module", module).
			Str("action", action).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Str("ip", c.ClientIP()).
			Str("body", body).
			Msg("[Audit] Admin change")
	}
}

// routeAction maps "/api/policies/:id" + DELETE to ("policies", "delete").
func routeAction(fullPath, method string) (module, action string) {
	path := strings.TrimPrefix(fullPath, "/api/")
	module = strings.SplitN(path, "/", 2)[0]
	if module == "" {
		module = "unknown"
	}
	switch method {
	case http.MethodPost:
		action = "create"
	case http.MethodPut:
		action = "update"
	case http.MethodDelete:
		action = "delete"
	default:
		action = strings.ToLower(method)
	}
	return module, action
}

// auditBody returns the JSON body with sensitive values masked, truncated
// to auditBodyLimit bytes.
func auditBody(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err == nil {
		mask(v)
		if masked, err := json.Marshal(v); err == nil {
			data = masked
		}
	}
	s := string(data)
	if len(s) > auditBodyLimit {
		s = s[:auditBodyLimit] + "...[truncated]"
	}
	return s
}

func mask(v interface{}) {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			if sensitiveKeys[strings.ToLower(k)] {
				t[k] = "***"
				continue
			}
			mask(val)
		}
	case []interface{}:
		for _, val := range t {
			mask(val)
		}
	}
}
