package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/huangang/repoflow/internal/models"
	"github.com/huangang/repoflow/pkg/logger"
)

// WebhookApplier hands decisions to an external executor, e.g. a bot that
// opens pull requests, by POSTing them as JSON.
type WebhookApplier struct {
	url    string
	client *http.Client
}

type applyPayload struct {
	Repository models.RepositoryInfo     `json:"repository"`
	Decision   models.AutomationDecision `json:"decision"`
	AppliedAt  time.Time                 `json:"applied_at"`
}

func NewWebhookApplier(url string, client *http.Client) *WebhookApplier {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookApplier{url: url, client: client}
}

func (a *WebhookApplier) Apply(ctx context.Context, repo models.RepositoryInfo, d models.AutomationDecision) error {
	body, err := json.Marshal(applyPayload{Repository: repo, Decision: d, AppliedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Repoflow-Rule", d.RuleID)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("apply webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("apply webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// LogApplier only records decisions. It is used when no executor is
// configured.
type LogApplier struct{}

func (LogApplier) Apply(_ context.Context, repo models.RepositoryInfo, d models.AutomationDecision) error {
	logger.Info().
		Str("repository", repo.Slug()).
		Str("rule", d.RuleID).
		Str("type", d.Type).
		Int("changes", len(d.Changes)).
		Msg("[Orchestrator] Decision cleared for application")
	return nil
}
