package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/faultline/internal/api/response"
	"github.com/kiranshivaraju/faultline/internal/capture"
	"github.com/kiranshivaraju/faultline/internal/recorder"
	"github.com/kiranshivaraju/faultline/internal/tracker"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// PanicTracker records a recovered panic.
type PanicTracker interface {
	Track(ctx context.Context, exc capture.Exception, tc tracker.Context) *models.Occurrence
}

// Recovery turns a handler panic into a 500 response and tracks it as an
// exception. t may be nil to only log. Install it inside capture.Middleware so
// the request's local variables are still in scope when the panic is tracked.
func Recovery(t PanicTracker, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				exc := capture.FromPanic(rec)
				logger.Error("panic recovered",
					"error", exc.Message,
					"exception_class", exc.Class,
					"method", r.Method,
					"path", r.URL.Path,
				)
				if t != nil {
					t.Track(r.Context(), exc, tracker.Context{Request: recorder.HTTPRequest{R: r}})
				}
				response.Internal(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
