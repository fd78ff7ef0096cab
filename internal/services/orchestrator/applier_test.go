package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/huangang/repoflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookApplier_PostsDecision(t *testing.T) {
	var got applyPayload
	var rule string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rule = r.Header.Get("X-Repoflow-Rule")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	a := NewWebhookApplier(srv.URL, srv.Client())
	err := a.Apply(context.Background(), acmeAPI(), models.AutomationDecision{RuleID: "docs-update", Type: "update_docs"})
	require.NoError(t, err)
	assert.Equal(t, "docs-update", rule)
	assert.Equal(t, "docs-update", got.Decision.RuleID)
	assert.Equal(t, "acme", got.Repository.Owner)
}

func TestWebhookApplier_ReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "branch protected", http.StatusConflict)
	}))
	defer srv.Close()

	err := NewWebhookApplier(srv.URL, nil).Apply(context.Background(), acmeAPI(), models.AutomationDecision{RuleID: "x"})
	assert.ErrorContains(t, err, "status 409: branch protected")
}

func TestLogApplier_NeverFails(t *testing.T) {
	assert.NoError(t, LogApplier{}.Apply(context.Background(), acmeAPI(), models.AutomationDecision{RuleID: "x"}))
}
