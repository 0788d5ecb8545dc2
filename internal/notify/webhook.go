package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/faultline/pkg/models"
)

// WebhookChannel sends the JSON payload to an arbitrary endpoint.
type WebhookChannel struct {
	url     string
	method  string
	headers map[string]string
	client  *http.Client
}

func NewWebhookChannel(url, method string, headers map[string]string, client *http.Client) *WebhookChannel {
	if method == "" {
		method = http.MethodPost
	}
	if client == nil {
		client = NewHTTPClient()
	}
	return &WebhookChannel{
		url:     url,
		method:  strings.ToUpper(method),
		headers: headers,
		client:  client,
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) ShouldNotify(*models.IssueGroup, *models.Occurrence) bool { return true }

type webhookBody struct {
	Event   string  `json:"event"`
	Subject string  `json:"subject"`
	Data    Payload `json:"data"`
}

func (c *WebhookChannel) Send(ctx context.Context, g *models.IssueGroup, occ *models.Occurrence) error {
	p := NewPayload(g, occ)
	body := webhookBody{Event: "issue.notify", Subject: p.Subject(), Data: p}
	if err := sendJSON(ctx, c.client, c.method, c.url, c.headers, body); err != nil {
		return fmt.Errorf("webhook %s: %w", c.method, err)
	}
	return nil
}
