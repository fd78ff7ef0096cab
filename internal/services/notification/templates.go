package notification

import (
	"sort"
	"strings"
	"sync"

	"github.com/huangang/repoflow/internal/apperr"
	"github.com/huangang/repoflow/internal/models"
	"github.com/huangang/repoflow/pkg/placeholder"
)

// DefaultTemplates covers every notification type the services emit.
func DefaultTemplates() []models.NotificationTemplate {
	return []models.NotificationTemplate{
		{
			ID:      string(models.NotifyApprovalRequested),
			Subject: "[{{priority}}] Approval needed: {{title}}",
			Body: "{{requester}} requested approval for a {{type}} on {{repository}}.\n" +
				"Step {{step}} ({{step_name}}) is waiting for your decision.\n" +
				"Deadline: {{deadline}}\n\n{{description}}\n\nRequest: {{request_id}}",
		},
		{
			ID:      string(models.NotifyApprovalEscalated),
			Subject: "[escalated] {{title}}",
			Body: "Approval request {{request_id}} on {{repository}} was escalated to level {{escalation_level}}.\n" +
				"Step {{step}} ({{step_name}}) is still waiting.\nDeadline: {{deadline}}",
		},
		{
			ID:      string(models.NotifyApprovalResolved),
			Subject: "[{{status}}] {{title}}",
			Body:    "Approval request {{request_id}} on {{repository}} is {{status}}.\n{{comment}}",
		},
		{
			ID:      string(models.NotifyApprovalComment),
			Subject: "New comment on {{title}}",
			Body:    "{{actor}} commented on {{request_id}}:\n\n{{comment}}",
		},
		{
			ID:      string(models.NotifyAutomationApplied),
			Subject: "Automation applied on {{repository}}: {{rule}}",
			Body:    "{{action}} was applied automatically (risk {{risk}}).\n{{rationale}}",
		},
	}
}

// TemplateSet is a concurrency safe registry of notification templates.
type TemplateSet struct {
	mu        sync.RWMutex
	templates map[string]models.NotificationTemplate
}

func NewTemplateSet(templates ...models.NotificationTemplate) *TemplateSet {
	s := &TemplateSet{templates: make(map[string]models.NotificationTemplate)}
	for _, t := range templates {
		s.templates[t.ID] = t
	}
	return s
}

// Put adds or replaces a template.
func (s *TemplateSet) Put(t models.NotificationTemplate) error {
	if strings.TrimSpace(t.ID) == "" {
		return apperr.Invalid("id", "template id is required")
	}
	if strings.TrimSpace(t.Subject) == "" && strings.TrimSpace(t.Body) == "" {
		return apperr.Invalid("body", "template %q has neither subject nor body", t.ID)
	}
	s.mu.Lock()
	s.templates[t.ID] = t
	s.mu.Unlock()
	return nil
}

func (s *TemplateSet) Get(id string) (models.NotificationTemplate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	return t, ok
}

func (s *TemplateSet) List() []models.NotificationTemplate {
	s.mu.RLock()
	out := make([]models.NotificationTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// render resolves the subject and body of req. A template supplies the
// text; explicit Subject and Body on the request override it.
func (s *TemplateSet) render(req *models.NotificationRequest) (string, string, error) {
	subject, body := req.Subject, req.Body
	if req.TemplateID != "" {
		t, ok := s.Get(req.TemplateID)
		if !ok {
			return "", "", apperr.Invalid("template_id", "unknown template %q", req.TemplateID)
		}
		if subject == "" {
			subject = t.Subject
		}
		if body == "" {
			body = t.Body
		}
	}
	return placeholder.Render(subject, req.Variables), placeholder.Render(body, req.Variables), nil
}
