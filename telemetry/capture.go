package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const maxStackFrames = 32

// stackTracer is implemented by errors created with github.com/pkg/errors.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// captureError describes err for an error envelope. The type is that of the root
// cause. The stack comes from the error itself when it was created with pkg/errors,
// otherwise from the current goroutine. It is called from pushError only; skip counts
// frames above pushError's caller.
func captureError(err error, skip int) *ErrorData {
	if err == nil {
		return &ErrorData{
			Type:    "error",
			Message: "unknown error",
			Stack:   callerFrames(skip + 4),
		}
	}

	data := &ErrorData{
		Type:    errorType(err),
		Message: err.Error(),
	}

	var st stackTracer
	if errors.As(err, &st) {
		data.Stack = tracedFrames(st.StackTrace())
	} else {
		data.Stack = callerFrames(skip + 4)
	}
	return data
}

func errorType(err error) string {
	name := fmt.Sprintf("%T", errors.Cause(err))
	return strings.TrimPrefix(name, "*")
}

func callerFrames(skip int) []StackFrame {
	pcs := make([]uintptr, maxStackFrames)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	out := make([]StackFrame, 0, n)
	for {
		f, more := frames.Next()
		out = append(out, StackFrame{Function: f.Function, File: f.File, Line: f.Line})
		if !more {
			break
		}
	}
	return out
}

func tracedFrames(st errors.StackTrace) []StackFrame {
	if len(st) > maxStackFrames {
		st = st[:maxStackFrames]
	}
	out := make([]StackFrame, 0, len(st))
	for _, f := range st {
		pc := uintptr(f) - 1
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		file, line := fn.FileLine(pc)
		out = append(out, StackFrame{Function: fn.Name(), File: file, Line: line})
	}
	return out
}

// panicFlushTimeout bounds how long CapturePanic waits for the error envelope.
const panicFlushTimeout = 2 * time.Second

// CapturePanic records a panic in the calling goroutine as an unhandled error
// envelope, waits briefly for it to be delivered and then panics again with the same
// value. Defer it at the top of goroutines:
//
//	go func() {
//	    defer client.CapturePanic()
//	    work()
//	}()
func (c *Client) CapturePanic() {
	r := recover()
	if r == nil {
		return
	}
	c.reportPanic(context.Background(), r, nil)
	panic(r)
}

func (c *Client) reportPanic(ctx context.Context, r interface{}, attrs Attributes) {
	defer c.recoverHelper("CapturePanic")

	err, ok := r.(error)
	if !ok {
		err = fmt.Errorf("panic: %v", r)
	}
	// Skip CapturePanic or the middleware closure and runtime.gopanic.
	c.pushError(ctx, err, attrs, false, 3)

	flushCtx, cancel := context.WithTimeout(context.Background(), panicFlushTimeout)
	defer cancel()
	_ = c.Flush(flushCtx)
}

// RecoveryMiddleware reports panics raised by next as unhandled error envelopes and
// answers 500 instead of letting the panic reach the server.
func (c *Client) RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			c.reportPanic(r.Context(), rec, Attributes{
				"http.method": String(r.Method),
				"http.path":   String(r.URL.Path),
			})
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}
