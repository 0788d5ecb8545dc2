package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	mw "github.com/kiranshivaraju/faultline/internal/api/middleware"
	"github.com/kiranshivaraju/faultline/internal/cache"
	"github.com/kiranshivaraju/faultline/internal/capture"
	"github.com/kiranshivaraju/faultline/internal/tracker"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// --- Mock Store ---

type mockStore struct {
	keys    []*models.APIKey
	err     error
	touched chan uuid.UUID
}

func (m *mockStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return m.keys, m.err
}

func (m *mockStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	if m.touched != nil {
		m.touched <- id
	}
	return nil
}

// --- Mock Cache ---

type mockCache struct {
	cache.Cache
	counter int64
	err     error
}

func (m *mockCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	m.counter++
	return m.counter, m.err
}

// --- Mock Tracker ---

type recordingTracker struct {
	exc  capture.Exception
	tc   tracker.Context
	vars map[string]any
	n    int
}

func (r *recordingTracker) Track(ctx context.Context, exc capture.Exception, tc tracker.Context) *models.Occurrence {
	r.n++
	r.exc = exc
	r.tc = tc
	r.vars = capture.Vars(ctx)
	return &models.Occurrence{ID: uuid.New()}
}

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func hashKey(t *testing.T, rawKey string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

func withKey(r *http.Request, prefix string) *http.Request {
	return r.WithContext(mw.WithAPIKey(r.Context(), uuid.New(), prefix, []string{models.ScopeIngest}))
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

// ========================================
// Auth Middleware Tests
// ========================================

func TestAuth_MissingAuthHeader(t *testing.T) {
	auth := mw.NewAuth(&mockStore{}, nil)
	w := serve(auth.Authenticate(okHandler()), httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
}

func TestAuth_InvalidBearerFormat(t *testing.T) {
	auth := mw.NewAuth(&mockStore{}, nil)
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Basic abc123")

	assert.Equal(t, http.StatusUnauthorized, serve(auth.Authenticate(okHandler()), req).Code)
}

func TestAuth_KeyTooShort(t *testing.T) {
	auth := mw.NewAuth(&mockStore{}, nil)
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer short")

	assert.Equal(t, http.StatusUnauthorized, serve(auth.Authenticate(okHandler()), req).Code)
}

func TestAuth_KeyNotFound(t *testing.T) {
	auth := mw.NewAuth(&mockStore{keys: []*models.APIKey{}}, nil)
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer flk_test1234567890")

	assert.Equal(t, http.StatusUnauthorized, serve(auth.Authenticate(okHandler()), req).Code)
}

func TestAuth_LookupError(t *testing.T) {
	auth := mw.NewAuth(&mockStore{err: errors.New("connection refused")}, nil)
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer flk_test1234567890")

	w := serve(auth.Authenticate(okHandler()), req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestAuth_WrongKey(t *testing.T) {
	rawKey := "flk_test1234567890abcdef"
	ms := &mockStore{keys: []*models.APIKey{{
		ID:        uuid.New(),
		KeyHash:   hashKey(t, "different_key_entirely"),
		KeyPrefix: rawKey[:8],
		Scopes:    []string{"read"},
	}}}
	auth := mw.NewAuth(ms, nil)
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)

	assert.Equal(t, http.StatusUnauthorized, serve(auth.Authenticate(okHandler()), req).Code)
}

func TestAuth_ValidKey(t *testing.T) {
	rawKey := "flk_test1234567890abcdef"
	keyID := uuid.New()
	ms := &mockStore{
		keys: []*models.APIKey{
			{ID: uuid.New(), KeyHash: hashKey(t, "flk_test_other"), KeyPrefix: rawKey[:8]},
			{ID: keyID, KeyHash: hashKey(t, rawKey), KeyPrefix: rawKey[:8], Scopes: []string{"read"}},
		},
		touched: make(chan uuid.UUID, 1),
	}
	auth := mw.NewAuth(ms, nil)

	var gotID uuid.UUID
	var gotOK bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, gotOK = mw.GetAPIKeyID(r)
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := serve(auth.Authenticate(inner), req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gotOK)
	assert.Equal(t, keyID, gotID)

	select {
	case id := <-ms.touched:
		assert.Equal(t, keyID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("last_used_at was not updated")
	}
}

func TestAuth_RequireScope(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
		need   string
		want   int
	}{
		{"exact scope", []string{"ingest"}, "ingest", http.StatusOK},
		{"admin satisfies read", []string{"admin"}, "read", http.StatusOK},
		{"read cannot ingest", []string{"read"}, "ingest", http.StatusForbidden},
		{"ingest cannot administer", []string{"ingest", "read"}, "admin", http.StatusForbidden},
		{"no scopes", nil, "read", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rawKey := "flk_scope_1234567890abcdef"
			ms := &mockStore{keys: []*models.APIKey{{
				ID:        uuid.New(),
				KeyHash:   hashKey(t, rawKey),
				KeyPrefix: rawKey[:8],
				Scopes:    tt.scopes,
			}}}
			auth := mw.NewAuth(ms, nil)
			req := httptest.NewRequest("GET", "/test", nil)
			req.Header.Set("Authorization", "Bearer "+rawKey)

			w := serve(auth.Authenticate(auth.RequireScope(tt.need)(okHandler())), req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusForbidden {
				assert.Equal(t, "FORBIDDEN", errBody(t, w)["code"])
			}
		})
	}
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	rl := mw.NewRateLimit(&mockCache{}, 60, nil)
	w := serve(rl.Limit(okHandler()), withKey(httptest.NewRequest("GET", "/test", nil), "flk_test"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	mc := &mockCache{counter: 60}
	rl := mw.NewRateLimit(mc, 60, nil)
	w := serve(rl.Limit(okHandler()), withKey(httptest.NewRequest("GET", "/test", nil), "flk_over"))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])
}

func TestRateLimit_CacheErrorFailsOpen(t *testing.T) {
	rl := mw.NewRateLimit(&mockCache{err: errors.New("redis down")}, 60, nil)
	w := serve(rl.Limit(okHandler()), withKey(httptest.NewRequest("GET", "/test", nil), "flk_test"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimit_NoKeyPrefix_PassThrough(t *testing.T) {
	mc := &mockCache{}
	rl := mw.NewRateLimit(mc, 60, nil)
	w := serve(rl.Limit(okHandler()), httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, mc.counter)
}

func TestRateLimit_WithLocalCache(t *testing.T) {
	rl := mw.NewRateLimit(cache.NewLocalCache(0), 2, nil)
	h := rl.Limit(okHandler())

	codes := make([]int, 0, 3)
	for range 3 {
		codes = append(codes, serve(h, withKey(httptest.NewRequest("GET", "/test", nil), "flk_loca")).Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

// ========================================
// Recovery Middleware Tests
// ========================================

func TestRecovery_TracksPanic(t *testing.T) {
	rt := &recordingTracker{}
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		capture.Set(r.Context(), "order_id", 42)
		panic(errors.New("something went wrong"))
	})
	handler := capture.Middleware(mw.Recovery(rt, nil)(panicking))

	w := serve(handler, httptest.NewRequest("POST", "/orders?x=1", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
	require.Equal(t, 1, rt.n)
	assert.Equal(t, "something went wrong", rt.exc.Message)
	assert.NotEmpty(t, rt.exc.Backtrace)
	require.NotNil(t, rt.tc.Request)
	assert.Equal(t, "POST", rt.tc.Request.Method())
	assert.Equal(t, 42, rt.vars["order_id"])
}

func TestRecovery_NilTracker(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("boom")
	})
	w := serve(mw.Recovery(nil, nil)(panicking), httptest.NewRequest("GET", "/test", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRecovery_AbortHandlerPropagates(t *testing.T) {
	rt := &recordingTracker{}
	aborting := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic(http.ErrAbortHandler)
	})
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		serve(mw.Recovery(rt, nil)(aborting), httptest.NewRequest("GET", "/test", nil))
	})
	assert.Zero(t, rt.n)
}

func TestRecovery_NoPanic(t *testing.T) {
	rt := &recordingTracker{}
	w := serve(mw.Recovery(rt, nil)(okHandler()), httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, rt.n)
}

// ========================================
// Logging Middleware Tests
// ========================================

func TestLogger_WritesAccessLine(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	w := serve(mw.Logger(logger)(okHandler()), httptest.NewRequest("GET", "/api/v1/issues", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "request", line["msg"])
	assert.Equal(t, "INFO", line["level"])
	assert.Equal(t, "/api/v1/issues", line["path"])
	assert.Equal(t, float64(200), line["status"])
	assert.Equal(t, float64(2), line["bytes"])
}

func TestLogger_ServerErrorsAtErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	failing := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	serve(mw.Logger(logger)(failing), httptest.NewRequest("GET", "/test", nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ERROR", line["level"])
	assert.Equal(t, float64(502), line["status"])
}
