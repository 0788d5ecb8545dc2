package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/faultline/pkg/models"
)

// TelegramChannel posts to a chat through the Bot API.
type TelegramChannel struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

func NewTelegramChannel(apiBase, token, chatID string, client *http.Client) *TelegramChannel {
	if apiBase == "" {
		apiBase = "https://api.telegram.org"
	}
	if client == nil {
		client = NewHTTPClient()
	}
	return &TelegramChannel{
		apiBase: strings.TrimRight(apiBase, "/"),
		token:   token,
		chatID:  chatID,
		client:  client,
	}
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) ShouldNotify(*models.IssueGroup, *models.Occurrence) bool { return true }

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

func (c *TelegramChannel) Send(ctx context.Context, g *models.IssueGroup, occ *models.Occurrence) error {
	msg := telegramMessage{
		ChatID:                c.chatID,
		Text:                  telegramText(NewPayload(g, occ)),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	}
	u := fmt.Sprintf("%s/bot%s/sendMessage", c.apiBase, c.token)
	if err := sendJSON(ctx, c.client, http.MethodPost, u, nil, msg); err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	return nil
}

// telegramText renders the message body in Telegram's HTML subset.
func telegramText(p Payload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(p.Subject()))
	fmt.Fprintf(&b, "<code>%s</code>\n", html.EscapeString(p.ExceptionClass))
	if p.Location != "" {
		fmt.Fprintf(&b, "at <code>%s</code>\n", html.EscapeString(p.Location))
	}
	fmt.Fprintf(&b, "\nOccurrences: %d\nStatus: %s\n", p.OccurrencesCount, html.EscapeString(p.Status))
	if p.Environment != "" {
		fmt.Fprintf(&b, "Environment: %s\n", html.EscapeString(p.Environment))
	}
	if p.RequestURL != "" {
		fmt.Fprintf(&b, "Request: %s %s\n", html.EscapeString(p.RequestMethod), html.EscapeString(p.RequestURL))
	}
	if len(p.Backtrace) > 0 {
		lines := p.Backtrace[:min(len(p.Backtrace), 5)]
		fmt.Fprintf(&b, "\n<pre>%s</pre>", html.EscapeString(strings.Join(lines, "\n")))
	}
	return b.String()
}
