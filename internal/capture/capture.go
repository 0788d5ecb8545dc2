// Package capture turns Go errors and panics into trackable exceptions and
// carries request-scoped local variables.
package capture

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Exception is the raised error as the tracking pipeline sees it.
type Exception struct {
	Class     string
	Message   string
	Backtrace []string
	Err       error
}

// Backtracer is implemented by errors that carry their own stack frames.
type Backtracer interface {
	Backtrace() []string
}

const maxFrames = 64

// FromError builds an Exception from err. The class is the dynamic type of the
// innermost wrapped error; the backtrace is taken from err when it carries one,
// otherwise from the caller of FromError.
func FromError(err error) Exception {
	if err == nil {
		return Exception{}
	}
	exc := Exception{
		Class:   className(err),
		Message: err.Error(),
		Err:     err,
	}
	var bt Backtracer
	if errors.As(err, &bt) {
		exc.Backtrace = bt.Backtrace()
	} else {
		exc.Backtrace = Callers(1)
	}
	return exc
}

// FromPanic builds an Exception from a recovered value. Call it from the
// deferred function that recovered.
func FromPanic(v any) Exception {
	exc := Exception{Backtrace: panicFrames(Callers(1))}
	switch p := v.(type) {
	case error:
		exc.Class = className(p)
		exc.Message = p.Error()
		exc.Err = p
	case string:
		exc.Class = "panic"
		exc.Message = p
	default:
		exc.Class = fmt.Sprintf("panic(%T)", v)
		exc.Message = fmt.Sprint(v)
	}
	return exc
}

func className(err error) string {
	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	return fmt.Sprintf("%T", root)
}

// Callers renders the current goroutine's stack as "file:line function"
// frames, skipping skip frames above the caller of Callers.
func Callers(skip int) []string {
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var out []string
	for {
		f, more := frames.Next()
		if f.File != "" {
			out = append(out, fmt.Sprintf("%s:%d %s", f.File, f.Line, f.Function))
		}
		if !more {
			break
		}
	}
	return out
}

// panicFrames drops the frames between the deferred recover and the panic site.
func panicFrames(frames []string) []string {
	for i, f := range frames {
		if strings.HasSuffix(f, " runtime.gopanic") || strings.Contains(f, "runtime/panic.go") {
			rest := frames[i+1:]
			for len(rest) > 0 && strings.Contains(rest[0], "runtime/panic.go") {
				rest = rest[1:]
			}
			return rest
		}
	}
	return frames
}
