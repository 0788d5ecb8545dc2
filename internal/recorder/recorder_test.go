package recorder_test

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/kiranshivaraju/faultline/internal/capture"
	"github.com/kiranshivaraju/faultline/internal/filter"
	"github.com/kiranshivaraju/faultline/internal/recorder"
	"github.com/kiranshivaraju/faultline/internal/store/memory"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGroup(t *testing.T, s *memory.Store) *models.IssueGroup {
	t.Helper()
	g, err := s.FindOrCreateIssueGroup(context.Background(), &models.IssueGroup{
		Fingerprint:    "fp",
		ExceptionClass: "*errors.errorString",
	})
	require.NoError(t, err)
	return g
}

func TestCreate_RecordsOccurrence(t *testing.T) {
	s := memory.New()
	g := newGroup(t, s)
	rec := recorder.New(s, recorder.Options{Environment: "production", BacktraceLimit: 2})

	exc := capture.Exception{
		Class:     "*errors.errorString",
		Message:   "boom",
		Backtrace: []string{"a.go:1 a", "b.go:2 b", "c.go:3 c"},
	}
	occ, err := rec.Create(context.Background(), exc, g, nil,
		&recorder.User{ID: "42", Type: "admin"},
		map[string]any{"plan": "pro", "cart": map[string]int{"items": 3}, "": "skipped"},
		map[string]any{"order_id": int64(7)})
	require.NoError(t, err)

	assert.Equal(t, []string{"a.go:1 a", "b.go:2 b"}, occ.Backtrace)
	assert.Equal(t, "production", occ.Environment)
	assert.Equal(t, os.Getpid(), occ.ProcessID)
	assert.NotEmpty(t, occ.Hostname)
	assert.Equal(t, "42", *occ.UserID)
	assert.Equal(t, "admin", *occ.UserType)
	assert.Equal(t, map[string]any{"order_id": int64(7)}, occ.LocalVariables)
	assert.True(t, occ.Request.Empty())

	require.Len(t, occ.Context, 2)
	assert.Equal(t, "cart", occ.Context[0].Key)
	assert.Equal(t, `{"items":3}`, occ.Context[0].Value)
	assert.Equal(t, "plan", occ.Context[1].Key)
	assert.Equal(t, "pro", occ.Context[1].Value)

	got, err := s.GetIssueGroup(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.OccurrencesCount)
}

func TestCreate_ContextValueFallbacks(t *testing.T) {
	s := memory.New()
	g := newGroup(t, s)
	rec := recorder.New(s, recorder.Options{})

	cyclic := map[string]any{}
	cyclic["self"] = cyclic
	occ, err := rec.Create(context.Background(), capture.Exception{Class: "x"}, g, nil, nil,
		map[string]any{
			"ch":     make(chan int),
			"cyclic": cyclic,
			"huge":   strings.Repeat("a", 20000),
			"token":  "abc",
		}, nil)
	require.NoError(t, err)

	values := map[string]string{}
	for _, e := range occ.Context {
		values[e.Key] = e.Value
	}
	assert.Equal(t, `"#<chan int>"`, values["ch"])
	assert.Equal(t, `{"self":"[CIRCULAR]"}`, values["cyclic"])
	assert.Len(t, values["huge"], recorder.MaxContextValueLength)
	assert.Equal(t, filter.Filtered, values["token"])
}

func TestCreate_UnknownGroup(t *testing.T) {
	rec := recorder.New(memory.New(), recorder.Options{})
	_, err := rec.Create(context.Background(), capture.Exception{Class: "x"}, &models.IssueGroup{}, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestExtractRequest_HTTPRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/orders?page=2&tag=a&tag=b&password=hunter2", nil)
	r.Host = "shop.test"
	r.TLS = &tls.ConnectionState{}
	r.RemoteAddr = "10.1.2.3:5555"
	r.Header.Set("User-Agent", "curl/8.0")
	r.Header.Set("Accept", "application/json")
	r.Header.Set("Authorization", "Bearer secret")
	r.Header.Set("Cookie", "session_id=sess-1")
	r.Header.Set("X-Http-Method-Override", "PATCH")
	r.PostForm = url.Values{"card_number": {"4111"}, "qty": {"1"}}

	snap := recorder.New(memory.New(), recorder.Options{}).ExtractRequest(recorder.HTTPRequest{R: r})

	assert.Equal(t, "POST", *snap.Method)
	assert.Equal(t, "https://shop.test/orders?page=2&password=%5BFILTERED%5D&tag=a&tag=b", *snap.URL)
	assert.Equal(t, "10.1.2.3", *snap.IP)
	assert.Equal(t, "sess-1", *snap.SessionID)
	assert.Equal(t, "curl/8.0", *snap.UserAgent)
	assert.Equal(t, "2", snap.Params["page"])
	assert.Equal(t, []any{"a", "b"}, snap.Params["tag"])
	assert.Equal(t, filter.Filtered, snap.Params["password"])
	assert.Equal(t, filter.Filtered, snap.Params["card_number"])
	assert.Equal(t, "1", snap.Params["qty"])
	assert.Equal(t, map[string]string{
		"Accept":                 "application/json",
		"User-Agent":             "curl/8.0",
		"X-HTTP-Method-Override": "PATCH",
	}, snap.Headers)
	_, hasAuth := snap.Headers["Authorization"]
	assert.False(t, hasAuth)
}

func TestExtractRequest_ForwardedIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	snap := recorder.New(memory.New(), recorder.Options{}).ExtractRequest(recorder.HTTPRequest{R: r})
	assert.Equal(t, "203.0.113.9", *snap.IP)
	assert.Equal(t, "203.0.113.9, 10.0.0.1", snap.Headers["X-Forwarded-For"])
}

func TestExtractRequest_Limits(t *testing.T) {
	req := &recorder.RequestData{
		MethodValue:  "GET",
		URLValue:     "https://shop.test/" + strings.Repeat("p", 3000),
		HeadersValue: map[string]string{"referer": strings.Repeat("r", 900)},
	}
	req.UserAgentValue = strings.Repeat("u", 900)

	snap := recorder.New(memory.New(), recorder.Options{}).ExtractRequest(req)
	assert.Len(t, *snap.URL, recorder.MaxURLLength)
	assert.Len(t, *snap.UserAgent, recorder.MaxHeaderLength)
	assert.Len(t, snap.Headers["Referer"], recorder.MaxHeaderLength)
}

func TestRequestData_UserAgentFromHeaders(t *testing.T) {
	req := &recorder.RequestData{HeadersValue: map[string]string{"user-agent": "Go-http-client/1.1"}}
	assert.Equal(t, "Go-http-client/1.1", req.UserAgent())
}

type panickingRequest struct{ recorder.RequestData }

func (panickingRequest) URL() string { panic("adapter bug") }

func TestExtractRequest_PanicYieldsEmptySnapshot(t *testing.T) {
	snap := recorder.New(memory.New(), recorder.Options{}).ExtractRequest(&panickingRequest{
		RequestData: recorder.RequestData{MethodValue: "GET"},
	})
	assert.True(t, snap.Empty())
}
