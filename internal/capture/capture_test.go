package capture

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notFoundError struct{ id int }

func (e *notFoundError) Error() string { return fmt.Sprintf("order %d not found", e.id) }

type stackError struct{}

func (stackError) Error() string       { return "with stack" }
func (stackError) Backtrace() []string { return []string{"app/x.go:1 main.x"} }

func TestFromError_UsesInnermostType(t *testing.T) {
	err := fmt.Errorf("handle request: %w", &notFoundError{id: 7})

	exc := FromError(err)

	assert.Equal(t, "*capture.notFoundError", exc.Class)
	assert.Equal(t, "handle request: order 7 not found", exc.Message)
	assert.Same(t, err, exc.Err)
	require.NotEmpty(t, exc.Backtrace)
	assert.Contains(t, exc.Backtrace[0], "capture_test.go")
	assert.Contains(t, exc.Backtrace[0], "TestFromError_UsesInnermostType")
}

func TestFromError_CarriedBacktrace(t *testing.T) {
	exc := FromError(fmt.Errorf("wrap: %w", stackError{}))
	assert.Equal(t, []string{"app/x.go:1 main.x"}, exc.Backtrace)
}

func TestFromError_Nil(t *testing.T) {
	assert.Equal(t, Exception{}, FromError(nil))
}

func explode() {
	panic(errors.New("boom"))
}

func TestFromPanic(t *testing.T) {
	var exc Exception
	func() {
		defer func() {
			exc = FromPanic(recover())
		}()
		explode()
	}()

	assert.Equal(t, "*errors.errorString", exc.Class)
	assert.Equal(t, "boom", exc.Message)
	require.NotEmpty(t, exc.Backtrace)
	assert.True(t, strings.HasSuffix(exc.Backtrace[0], ".explode"), exc.Backtrace[0])
}

func TestFromPanic_NonErrorValues(t *testing.T) {
	assert.Equal(t, "panic", FromPanic("bad state").Class)
	exc := FromPanic(42)
	assert.Equal(t, "panic(int)", exc.Class)
	assert.Equal(t, "42", exc.Message)
}

func TestScope_SetAndVars(t *testing.T) {
	ctx, release := NewScope(context.Background())

	Set(ctx, "order_id", 7)
	Set(ctx, "user", "ada")
	vars := Vars(ctx)
	assert.Equal(t, map[string]any{"order_id": 7, "user": "ada"}, vars)

	// Vars is a copy.
	vars["order_id"] = 8
	assert.Equal(t, 7, Vars(ctx)["order_id"])

	release()
}

func TestScope_NoScopeIsNoop(t *testing.T) {
	ctx := context.Background()
	Set(ctx, "x", 1)
	assert.Nil(t, Vars(ctx))
}

func TestScope_ReleaseResets(t *testing.T) {
	ctx, release := NewScope(context.Background())
	Set(ctx, "secret", "value")
	release()

	// A scope handed out after release never carries old variables.
	ctx2, release2 := NewScope(context.Background())
	defer release2()
	assert.Nil(t, Vars(ctx2))
}

func TestScope_ReleasedContextIsIsolated(t *testing.T) {
	ctxA, releaseA := NewScope(context.Background())
	Set(ctxA, "a_order", 1)
	releaseA()

	ctxB, releaseB := NewScope(context.Background())
	defer releaseB()
	Set(ctxB, "b_card", "4111-1111")

	// A goroutine still holding request A's context writes after A ended.
	Set(ctxA, "late_from_a", "written after release")

	assert.Nil(t, Vars(ctxA))
	assert.Equal(t, map[string]any{"b_card": "4111-1111"}, Vars(ctxB))

	releaseA()
	assert.Equal(t, map[string]any{"b_card": "4111-1111"}, Vars(ctxB))
}

func TestScope_ConcurrentLateWrites(t *testing.T) {
	for i := 0; i < 50; i++ {
		ctxA, releaseA := NewScope(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			Set(ctxA, "late", i)
			_ = Vars(ctxA)
		}()
		releaseA()

		ctxB, releaseB := NewScope(context.Background())
		<-done
		assert.NotContains(t, Vars(ctxB), "late")
		releaseB()
	}
}

func TestMiddleware_InstallsScope(t *testing.T) {
	var seen map[string]any
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Set(r.Context(), "path", r.URL.Path)
		seen = Vars(r.Context())
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/orders", nil))
	assert.Equal(t, map[string]any{"path": "/orders"}, seen)
}

func TestMiddleware_ReleasesOnPanic(t *testing.T) {
	var ctxSeen context.Context
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Set(r.Context(), "k", "v")
		ctxSeen = r.Context()
		panic("handler failed")
	}))

	assert.Panics(t, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Nil(t, Vars(ctxSeen))
}
