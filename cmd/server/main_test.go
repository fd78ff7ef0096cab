package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/huangang/repoflow/internal/config"
	"github.com/huangang/repoflow/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const policyYAML = `
templates:
  - type: dependency_migration
    title: Dependency migration
    workflow:
      steps:
        - name: maintainer review
          approver_roles: [maintainer]
          min_approvals: 1
policies:
  - id: migration-review
    repository_pattern: "acme/*"
    type: dependency_migration
  - id: prod-config
    repository_pattern: "acme/*"
    type: config_update
    workflow:
      steps:
        - name: sre
          approver_roles: [sre]
          min_approvals: 2
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCheckPolicies_ValidFile(t *testing.T) {
	path := writeFile(t, "policies.yaml", policyYAML)

	out, err := runCLI(t, "check-policies", path)
	require.NoError(t, err)
	assert.Contains(t, out, "1 templates, 2 policies OK")
	assert.Contains(t, out, "migration-review")
}

func TestCheckPolicies_InvalidPolicy(t *testing.T) {
	path := writeFile(t, "policies.yaml", `
policies:
  - id: broken
    repository_pattern: "acme/*"
    type: deploy
    workflow:
      steps:
        - name: nobody
`)

	_, err := runCLI(t, "check-policies", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs approver roles")
}

func TestCheckPolicies_RulesFile(t *testing.T) {
	policies := writeFile(t, "policies.yaml", policyYAML)
	rules := writeFile(t, "rules.yaml", "rules: [}")

	_, err := runCLI(t, "check-policies", policies, "--rules", rules)
	assert.ErrorContains(t, err, "rules.yaml")
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type apiClient struct {
	t      *testing.T
	router *gin.Engine
}

func (a *apiClient) do(method, path, token string, body interface{}) (int, envelope) {
	a.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(a.t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := utils.GenerateToken(userID, userID, role, 1)
	require.NoError(t, err)
	return tok
}

func TestServer_EventToApprovedDecision(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.DefaultConfig()
	cfg.Database.Driver = "memory"
	cfg.Approval.PolicyFile = ""
	cfg.Notification.Channels = map[string]config.ChannelConfig{}

	app, err := bootstrap(cfg)
	require.NoError(t, err)
	t.Cleanup(app.shutdown)

	r := gin.New()
	registerRoutes(r, app)
	api := &apiClient{t: t, router: r}
	root, bot, alice := token(t, "root", "admin"), token(t, "ci-bot", "bot"), token(t, "alice", "user")

	code, _ := api.do(http.MethodGet, "/api/approvals", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = api.do(http.MethodPut, "/api/users/alice", root, map[string]interface{}{"name": "Alice", "role": "maintainer"})
	require.Equal(t, http.StatusOK, code)

	policy := map[string]interface{}{
		"id":                 "migration-review",
		"repository_pattern": "acme/*",
		"type":               "dependency_migration",
		"workflow": map[string]interface{}{
			"steps": []map[string]interface{}{{"name": "review", "approver_roles": []string{"maintainer"}, "min_approvals": 1}},
		},
	}
	code, _ = api.do(http.MethodPost, "/api/policies", alice, policy)
	assert.Equal(t, http.StatusForbidden, code, "only admins change policies")
	code, _ = api.do(http.MethodPost, "/api/policies", root, policy)
	require.Equal(t, http.StatusCreated, code)

	code, env := api.do(http.MethodPost, "/api/events", bot, map[string]interface{}{
		"repository": map[string]string{"owner": "acme", "name": "api"},
		"changes": map[string]interface{}{
			"dependencies": []map[string]interface{}{{"framework": "go", "name": "gin", "from_version": "1.9.0", "version": "2.0.0", "breaking": true}},
		},
	})
	require.Equal(t, http.StatusOK, code, env.Message)
	var outcome struct {
		Results []struct {
			RuleID      string `json:"rule_id"`
			Disposition string `json:"disposition"`
			RequestID   string `json:"request_id"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &outcome))
	var requestID string
	for _, res := range outcome.Results {
		if res.Disposition == "pending_approval" {
			requestID = res.RequestID
		}
	}
	require.NotEmpty(t, requestID)

	code, env = api.do(http.MethodGet, "/api/approvals/"+requestID, alice, nil)
	require.Equal(t, http.StatusOK, code)
	var req struct {
		RequesterID string `json:"requester_id"`
		Status      string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &req))
	assert.Equal(t, "ci-bot", req.RequesterID)
	assert.Equal(t, "pending", req.Status)

	code, env = api.do(http.MethodPost, "/api/approvals/"+requestID+"/decision", bot, map[string]string{"action": "approve"})
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `false`, string(mustField(t, env.Data, "accepted")), "the bot is not an approver")

	code, env = api.do(http.MethodPost, "/api/approvals/"+requestID+"/decision", alice, map[string]string{"action": "approve", "comment": "lgtm"})
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `true`, string(mustField(t, env.Data, "accepted")))

	code, env = api.do(http.MethodGet, "/api/approvals/metrics", alice, nil)
	require.Equal(t, http.StatusOK, code)
	var m struct {
		Total    int `json:"total"`
		Approved int `json:"approved"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &m))
	assert.Equal(t, 1, m.Total)
	assert.Equal(t, 1, m.Approved)

	code, _ = api.do(http.MethodGet, "/api/approvals/apr_missing", alice, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = api.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
}

func mustField(t *testing.T, data json.RawMessage, key string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &m))
	v, ok := m[key]
	require.True(t, ok, "missing %s in %s", key, data)
	return v
}
