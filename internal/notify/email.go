package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/k3a/html2text"
	"github.com/patrickmn/go-cache"

	"github.com/kiranshivaraju/faultline/internal/mail"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// emailWindow is how long an email channel stays quiet for a group after sending.
const emailWindow = 24 * time.Hour

var emailTemplate = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
<body>
<h2>{{.Subject}}</h2>
<table>
<tr><th align="left">Exception</th><td>{{.ExceptionClass}}</td></tr>
<tr><th align="left">Message</th><td>{{.Message}}</td></tr>
{{- if .Location}}
<tr><th align="left">Location</th><td>{{.Location}}</td></tr>
{{- end}}
<tr><th align="left">Occurrences</th><td>{{.OccurrencesCount}}</td></tr>
<tr><th align="left">First seen</th><td>{{.FirstSeenAt.UTC.Format "2006-01-02 15:04:05 MST"}}</td></tr>
<tr><th align="left">Last seen</th><td>{{.LastSeenAt.UTC.Format "2006-01-02 15:04:05 MST"}}</td></tr>
{{- if .Environment}}
<tr><th align="left">Environment</th><td>{{.Environment}}</td></tr>
{{- end}}
{{- if .RequestURL}}
<tr><th align="left">Request</th><td>{{.RequestMethod}} {{.RequestURL}}</td></tr>
{{- end}}
</table>
{{- if .Backtrace}}
<h3>Backtrace</h3>
<pre>{{range .Backtrace}}{{.}}
{{end}}</pre>
{{- end}}
</body>
</html>
`))

type emailData struct {
	Payload
	Subject string
}

// renderEmail returns the HTML body and its plain text alternative.
func renderEmail(p Payload) (string, string, error) {
	var buf bytes.Buffer
	if err := emailTemplate.Execute(&buf, emailData{Payload: p, Subject: p.Subject()}); err != nil {
		return "", "", fmt.Errorf("render email: %w", err)
	}
	body := buf.String()
	return body, strings.TrimSpace(html2text.HTML2Text(body)), nil
}

// Enqueuer accepts mail for asynchronous delivery.
type Enqueuer interface {
	Enqueue(msg mail.Message) error
}

// EmailChannel renders an email and hands it to the async mailer. It sends at
// most once per group per 24 hours.
type EmailChannel struct {
	to     []string
	mailer Enqueuer
	sent   *cache.Cache
}

func NewEmailChannel(to []string, mailer Enqueuer) *EmailChannel {
	return &EmailChannel{
		to:     to,
		mailer: mailer,
		sent:   cache.New(emailWindow, time.Hour),
	}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) ShouldNotify(g *models.IssueGroup, _ *models.Occurrence) bool {
	_, found := c.sent.Get(g.ID.String())
	return !found
}

func (c *EmailChannel) Send(_ context.Context, g *models.IssueGroup, occ *models.Occurrence) error {
	p := NewPayload(g, occ)
	htmlBody, textBody, err := renderEmail(p)
	if err != nil {
		return err
	}
	// Only one sender claims the window for a group.
	if err := c.sent.Add(g.ID.String(), struct{}{}, emailWindow); err != nil {
		return nil
	}
	msg := mail.Message{To: c.to, Subject: p.Subject(), HTML: htmlBody, Text: textBody}
	if err := c.mailer.Enqueue(msg); err != nil {
		c.sent.Delete(g.ID.String())
		return fmt.Errorf("enqueue email: %w", err)
	}
	return nil
}

// EmailAPIChannel sends through a Resend-compatible HTTP email API.
type EmailAPIChannel struct {
	baseURL string
	apiKey  string
	from    string
	to      []string
	client  *http.Client
}

func NewEmailAPIChannel(baseURL, apiKey, from string, to []string, client *http.Client) *EmailAPIChannel {
	if client == nil {
		client = NewHTTPClient()
	}
	return &EmailAPIChannel{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		from:    from,
		to:      to,
		client:  client,
	}
}

func (c *EmailAPIChannel) Name() string { return "emailapi" }

func (c *EmailAPIChannel) ShouldNotify(*models.IssueGroup, *models.Occurrence) bool { return true }

type emailAPIRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	Text    string   `json:"text"`
}

func (c *EmailAPIChannel) Send(ctx context.Context, g *models.IssueGroup, occ *models.Occurrence) error {
	p := NewPayload(g, occ)
	htmlBody, textBody, err := renderEmail(p)
	if err != nil {
		return err
	}
	body := emailAPIRequest{From: c.from, To: c.to, Subject: p.Subject(), HTML: htmlBody, Text: textBody}
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	if err := sendJSON(ctx, c.client, http.MethodPost, c.baseURL+"/emails", headers, body); err != nil {
		return fmt.Errorf("email api: %w", err)
	}
	return nil
}
