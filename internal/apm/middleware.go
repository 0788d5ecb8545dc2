package apm

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Middleware traces sampled requests whose path is not under an ignored
// prefix. A panicking handler is recorded as a 500 and the panic re-raised.
func Middleware(a *Aggregator, ignorePaths []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ignored(r.URL.Path, ignorePaths) || !a.Sample() {
				next.ServeHTTP(w, r)
				return
			}

			ctx, tx := Start(r.Context(), r.Method, r.URL.Path, a.logger)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				rec := recover()
				status := ww.Status()
				if rec != nil {
					status = http.StatusInternalServerError
				} else if status == 0 {
					status = http.StatusOK
				}
				if rctx := chi.RouteContext(r.Context()); rctx != nil {
					if pattern := rctx.RoutePattern(); pattern != "" {
						tx.SetEndpoint(r.Method + " " + pattern)
					}
				}
				a.Record(context.WithoutCancel(r.Context()), tx, status)
				if rec != nil {
					panic(rec)
				}
			}()

			next.ServeHTTP(ww, r.WithContext(ctx))
		})
	}
}

func ignored(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
