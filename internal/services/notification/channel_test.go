package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/huangang/repoflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu       sync.Mutex
	payloads []map[string]interface{}
	status   int
}

func (c *capture) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		c.mu.Lock()
		c.payloads = append(c.payloads, body)
		status := c.status
		c.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSlackChannel_PostsToConfiguredWebhook(t *testing.T) {
	c := &capture{}
	srv := c.server(t)
	ch := NewSlackChannel(srv.URL, srv.Client())

	require.NoError(t, ch.Send(context.Background(), "#deps", "Approval needed", "Bump gin"))
	require.Len(t, c.payloads, 1)
	assert.Equal(t, "Approval needed", c.payloads[0]["text"])
	assert.Equal(t, "#deps", c.payloads[0]["channel"])
	assert.Len(t, c.payloads[0]["blocks"], 2)
}

func TestWebhookChannel_AddressURLOverridesEndpoint(t *testing.T) {
	c := &capture{}
	srv := c.server(t)
	ch := NewGenericWebhookChannel("", srv.Client())

	require.NoError(t, ch.Send(context.Background(), srv.URL+"/hook", "s", "b"))
	require.Len(t, c.payloads, 1)
	assert.Equal(t, srv.URL+"/hook", c.payloads[0]["recipient"])

	err := ch.Send(context.Background(), "ops", "s", "b")
	assert.ErrorContains(t, err, "no webhook url")
}

func TestDiscordChannel_SplitsLongBodies(t *testing.T) {
	c := &capture{}
	srv := c.server(t)
	ch := NewDiscordChannel(srv.URL, srv.Client())

	body := strings.Repeat("line of changelog text\n", 200)
	require.NoError(t, ch.Send(context.Background(), "", "Release notes", body))
	require.Len(t, c.payloads, 3)
	for _, p := range c.payloads {
		content := p["content"].(string)
		assert.LessOrEqual(t, len(content), 2000)
	}
	assert.True(t, strings.HasPrefix(c.payloads[0]["content"].(string), "**Release notes [1/3]**"))
}

func TestTeamsChannel_ReportsHTTPErrors(t *testing.T) {
	c := &capture{status: http.StatusBadGateway}
	srv := c.server(t)
	ch := NewTeamsChannel(srv.URL, srv.Client())

	err := ch.Send(context.Background(), "", "s", "b")
	assert.ErrorContains(t, err, "status 502")

	require.Len(t, c.payloads, 1)
	attachments := c.payloads[0]["attachments"].([]interface{})
	card := attachments[0].(map[string]interface{})["content"].(map[string]interface{})
	assert.Equal(t, "AdaptiveCard", card["type"])
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitMessage("short", 100))
	assert.Equal(t, []string{"no limit"}, splitMessage("no limit", 0))

	parts := splitMessage("aaaa\nbbbb\ncccc", 10)
	assert.Equal(t, []string{"aaaa\nbbbb\n", "cccc"}, parts)

	parts = splitMessage(strings.Repeat("x", 25), 10)
	assert.Equal(t, []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)}, parts)
}

func TestEmailChannel_BuildMessage(t *testing.T) {
	msg := string(buildMessage("bot@acme.io", "alice@acme.io", "Approval\r\nBcc: evil@x", "body"))
	assert.True(t, strings.HasPrefix(msg, "From: bot@acme.io\r\nTo: alice@acme.io\r\nSubject: Approval  Bcc: evil@x\r\n"))
	assert.True(t, strings.HasSuffix(msg, "\r\n\r\nbody"))

	ch := NewEmailChannel(config.SMTPConfig{})
	assert.Error(t, ch.Send(context.Background(), "alice@acme.io", "s", "b"), "no smtp host")
	assert.Equal(t, "email", ch.Name())
}
