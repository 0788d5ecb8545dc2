// Package issuetracker files issue groups as tickets in a GitHub-compatible
// repository.
package issuetracker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

var ErrNotConfigured = errors.New("issue tracker not configured")

// APIError is a non-2xx response from the tracker API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("issue tracker: status %d: %s", e.StatusCode, e.Message)
}

// Issue is a created ticket.
type Issue struct {
	Number int    `json:"number"`
	URL    string `json:"html_url"`
}

const snippetContext = 5

type Client struct {
	apiURL  string
	owner   string
	repo    string
	token   string
	labels  []string
	appRoot string
	client  *http.Client
	logger  *slog.Logger
}

// New creates a client. appRoot is where source snippets are read from.
func New(cfg config.IssueTrackerConfig, appRoot string, client *http.Client, logger *slog.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	return &Client{
		apiURL:  strings.TrimRight(apiURL, "/"),
		owner:   cfg.Owner,
		repo:    cfg.Repo,
		token:   cfg.Token,
		labels:  cfg.Labels,
		appRoot: appRoot,
		client:  client,
		logger:  logger,
	}
}

func (c *Client) Configured() bool {
	return c.owner != "" && c.repo != "" && c.token != ""
}

type createRequest struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

// CreateIssue files g with its latest occurrence. occ may be nil. It never
// panics; every failure is returned as an error.
func (c *Client) CreateIssue(ctx context.Context, g *models.IssueGroup, occ *models.Occurrence) (issue *Issue, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("issue creation panicked", "group_id", g.ID, "panic", fmt.Sprint(r))
			issue, err = nil, fmt.Errorf("create issue: %v", r)
		}
	}()

	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	data, err := json.Marshal(createRequest{Title: Title(g), Body: Body(g, occ, c.appRoot), Labels: c.labels})
	if err != nil {
		return nil, fmt.Errorf("encode issue: %w", err)
	}

	u := fmt.Sprintf("%s/repos/%s/%s/issues", c.apiURL, c.owner, c.repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apiError(resp)
	}

	var out Issue
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode issue: %w", err)
	}
	return &out, nil
}

func apiError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed struct {
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
		msg = parsed.Message
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// Title is the ticket title for g.
func Title(g *models.IssueGroup) string {
	title := fmt.Sprintf("%s: %s", g.ExceptionClass, g.SanitizedMessage)
	if len(title) > 200 {
		title = title[:200] + "..."
	}
	return title
}

// Body renders the markdown ticket body.
func Body(g *models.IssueGroup, occ *models.Occurrence, appRoot string) string {
	var b strings.Builder

	b.WriteString("## Error details\n\n| | |\n|---|---|\n")
	row(&b, "Exception", "`"+g.ExceptionClass+"`")
	row(&b, "Message", g.SanitizedMessage)
	if g.FilePath != nil {
		loc := *g.FilePath
		if g.LineNumber != nil {
			loc = fmt.Sprintf("%s:%d", loc, *g.LineNumber)
		}
		row(&b, "Location", "`"+loc+"`")
	}
	if g.MethodName != nil && *g.MethodName != "" {
		row(&b, "Method", "`"+*g.MethodName+"`")
	}
	row(&b, "Occurrences", fmt.Sprint(g.OccurrencesCount))
	row(&b, "First seen", g.FirstSeenAt.UTC().Format(time.RFC3339))
	row(&b, "Last seen", g.LastSeenAt.UTC().Format(time.RFC3339))
	row(&b, "Fingerprint", "`"+g.Fingerprint+"`")
	if occ != nil {
		row(&b, "Environment", occ.Environment)
		row(&b, "Host", occ.Hostname)
	}

	if occ != nil && len(occ.Backtrace) > 0 {
		b.WriteString("\n## Stack trace\n\n```\n")
		b.WriteString(strings.Join(occ.Backtrace, "\n"))
		b.WriteString("\n```\n")
	}

	if occ != nil && len(occ.LocalVariables) > 0 {
		if data, err := json.MarshalIndent(occ.LocalVariables, "", "  "); err == nil {
			b.WriteString("\n## Local variables\n\n```json\n")
			b.Write(data)
			b.WriteString("\n```\n")
		}
	}

	if occ != nil && !occ.Request.Empty() {
		b.WriteString("\n## Request\n\n")
		r := occ.Request
		if r.Method != nil || r.URL != nil {
			fmt.Fprintf(&b, "`%s %s`\n\n", deref(r.Method), deref(r.URL))
		}
		if r.IP != nil {
			fmt.Fprintf(&b, "- IP: %s\n", *r.IP)
		}
		if r.UserAgent != nil {
			fmt.Fprintf(&b, "- User agent: %s\n", *r.UserAgent)
		}
		if len(r.Headers) > 0 {
			keys := make([]string, 0, len(r.Headers))
			for k := range r.Headers {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			b.WriteString("- Headers:\n")
			for _, k := range keys {
				fmt.Fprintf(&b, "  - %s: %s\n", k, r.Headers[k])
			}
		}
		if len(r.Params) > 0 {
			if data, err := json.MarshalIndent(r.Params, "", "  "); err == nil {
				b.WriteString("\n```json\n")
				b.Write(data)
				b.WriteString("\n```\n")
			}
		}
	}

	if g.FilePath != nil && g.LineNumber != nil {
		if snippet := sourceSnippet(appRoot, *g.FilePath, *g.LineNumber); snippet != "" {
			fmt.Fprintf(&b, "\n## Source\n\n```%s\n%s```\n", language(*g.FilePath), snippet)
		}
	}
	return b.String()
}

func row(b *strings.Builder, k, v string) {
	fmt.Fprintf(b, "| **%s** | %s |\n", k, strings.ReplaceAll(v, "|", "\\|"))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// sourceSnippet returns the lines around line, marking the failing one. Paths
// outside appRoot are not read.
func sourceSnippet(appRoot, path string, line int) string {
	if appRoot == "" || line <= 0 {
		return ""
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(appRoot, path)
	}
	full = filepath.Clean(full)
	if rel, err := filepath.Rel(appRoot, full); err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}

	f, err := os.Open(full)
	if err != nil {
		return ""
	}
	defer f.Close()

	var b strings.Builder
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		if n < line-snippetContext {
			continue
		}
		if n > line+snippetContext {
			break
		}
		marker := "  "
		if n == line {
			marker = "> "
		}
		fmt.Fprintf(&b, "%s%4d | %s\n", marker, n, sc.Text())
	}
	return b.String()
}

func language(path string) string {
	switch filepath.Ext(path) {
	case ".go":
		return "go"
	case ".rb":
		return "ruby"
	case ".py":
		return "python"
	case ".js":
		return "javascript"
	case ".ts":
		return "typescript"
	}
	return ""
}
