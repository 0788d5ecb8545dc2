package capture

import (
	"context"
	"net/http"
	"sync"
)

type scopeKey struct{}

// Scope holds the local variables recorded while serving one request.
type Scope struct {
	vars map[string]any
}

var scopePool = sync.Pool{
	New: func() any { return &Scope{vars: make(map[string]any)} },
}

// handle is what the request context carries. release detaches the pooled
// Scope from it, so contexts that outlive the request see no scope at all.
type handle struct {
	mu    sync.Mutex
	scope *Scope
}

// NewScope attaches a pooled Scope to ctx. The returned release func must be
// called (typically deferred) once the request is done. Calling it twice is safe.
func NewScope(ctx context.Context) (context.Context, func()) {
	h := &handle{scope: scopePool.Get().(*Scope)}
	release := func() {
		h.mu.Lock()
		s := h.scope
		h.scope = nil
		h.mu.Unlock()
		if s == nil {
			return
		}
		clear(s.vars)
		scopePool.Put(s)
	}
	return context.WithValue(ctx, scopeKey{}, h), release
}

// Set records a local variable in the request scope. It is a no-op without one
// or after the scope was released.
func Set(ctx context.Context, name string, value any) {
	h, ok := ctx.Value(scopeKey{}).(*handle)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.scope != nil {
		h.scope.vars[name] = value
	}
}

// Vars returns a copy of the recorded variables, or nil when there is no live
// scope or nothing was recorded.
func Vars(ctx context.Context) map[string]any {
	h, ok := ctx.Value(scopeKey{}).(*handle)
	if !ok {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.scope == nil || len(h.scope.vars) == 0 {
		return nil
	}
	out := make(map[string]any, len(h.scope.vars))
	for k, v := range h.scope.vars {
		out[k] = v
	}
	return out
}

// Middleware installs a fresh Scope for every request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, release := NewScope(r.Context())
		defer release()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
