package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"unicode/utf8"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/posthog/duckconnect/engine"
)

// ErrorDomain is the ErrorInfo domain of every translated error.
const ErrorDomain = "duckconnect"

// DefaultMaxErrorMessageSize bounds error messages sent to clients, in characters.
const DefaultMaxErrorMessageSize = 2048

// unknownReason is the ErrorInfo reason of failures no class describes.
const unknownReason = "UNKNOWN"

var (
	classCanceled         = &engine.ErrorClass{Name: "context.Canceled", Parent: engine.ClassError}
	classDeadlineExceeded = &engine.ErrorClass{Name: "context.DeadlineExceeded", Parent: engine.ClassError}
)

// ToStatus translates err into the status a client receives. Errors raised by
// an embedded runtime inside a scheduler job are reported as their original
// cause. Messages longer than maxMessageSize characters are truncated; a
// limit <= 0 means DefaultMaxErrorMessageSize.
func ToStatus(err error, maxMessageSize int) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxErrorMessageSize
	}

	var pe *engine.PanicError
	if errors.As(err, &pe) {
		return unknownStatus(err, pe, maxMessageSize)
	}

	// Statuses produced by grpc itself (auth, transport) pass through.
	var grpcErr interface{ GRPCStatus() *status.Status }
	if engine.ClassOf(err) == nil && errors.As(err, &grpcErr) {
		return grpcErr.GRPCStatus()
	}

	err = unwrapJobAbort(err)
	class := classify(err)
	msg := truncate(err.Error(), maxMessageSize)
	return withErrorInfo(status.New(codeFor(class), msg), class.Name, class.Chain(), msg, "")
}

// unwrapJobAbort strips scheduler wrappers off failures that came from an
// embedded runtime, so clients see the runtime's own error.
func unwrapJobAbort(err error) error {
	var aborted *engine.JobAbortedError
	if !errors.As(err, &aborted) {
		return err
	}
	var foreign *engine.ForeignRuntimeError
	if errors.As(aborted.Cause, &foreign) {
		return foreign
	}
	return err
}

func classify(err error) *engine.ErrorClass {
	switch {
	case errors.Is(err, context.Canceled):
		return classCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return classDeadlineExceeded
	}
	if class := engine.ClassOf(err); class != nil {
		return class
	}
	return engine.ClassRuntime
}

func codeFor(class *engine.ErrorClass) codes.Code {
	switch {
	case class == classCanceled, class.IsA(engine.ClassDuckDBInterrupt):
		return codes.Canceled
	case class == classDeadlineExceeded:
		return codes.DeadlineExceeded
	case class.IsA(engine.ClassAnalysis), class.IsA(engine.ClassIllegalArgument):
		return codes.InvalidArgument
	case class.IsA(engine.ClassDuckDBCatalog), class.IsA(engine.ClassDuckDBParser), class.IsA(engine.ClassDuckDBBinder):
		return codes.InvalidArgument
	case class.IsA(engine.ClassUnsupported):
		return codes.Unimplemented
	default:
		return codes.Internal
	}
}

func unknownStatus(err error, pe *engine.PanicError, maxMessageSize int) *status.Status {
	msg := truncate(err.Error(), maxMessageSize)
	cause := truncate(string(pe.Stack), maxMessageSize)
	return withErrorInfo(status.New(codes.Unknown, msg), unknownReason, []string{unknownReason}, msg, cause)
}

func withErrorInfo(st *status.Status, reason string, classes []string, msg, cause string) *status.Status {
	chain, _ := json.Marshal(classes)
	info := &errdetails.ErrorInfo{
		Reason: reason,
		Domain: ErrorDomain,
		Metadata: map[string]string{
			"classes": string(chain),
			"message": msg,
		},
	}
	if cause != "" {
		info.Metadata["cause"] = cause
	}
	detailed, err := st.WithDetails(info)
	if err != nil {
		slog.Warn("Failed to attach error details.", "error", err)
		return st
	}
	return detailed
}

// truncate cuts s to at most n characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// ErrorInfo returns the ErrorInfo detail of st, if it has one.
func ErrorInfo(st *status.Status) (*errdetails.ErrorInfo, bool) {
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			return info, true
		}
	}
	return nil, false
}

// guard runs fn and turns whatever it returns or panics with into a status
// error. Every action handler runs under it.
func guard(action string, maxMessageSize int, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &engine.PanicError{Value: r, Stack: debug.Stack()}
		}
		if err == nil {
			observeRequest(action, codes.OK)
			return
		}
		st := ToStatus(err, maxMessageSize)
		observeRequest(action, st.Code())
		observeError(st.Code())
		logTranslated(action, err, st)
		err = st.Err()
	}()
	return fn()
}

func logTranslated(action string, err error, st *status.Status) {
	attrs := []any{"action", action, "code", st.Code().String(), "error", err}
	switch st.Code() {
	case codes.Internal, codes.Unknown:
		var pe *engine.PanicError
		if errors.As(err, &pe) {
			attrs = append(attrs, "stack", string(pe.Stack))
		} else {
			attrs = append(attrs, "detail", fmt.Sprintf("%+v", err))
		}
		slog.Error("Request failed.", attrs...)
	case codes.Canceled:
		slog.Debug("Request cancelled.", attrs...)
	default:
		slog.Warn("Request failed.", attrs...)
	}
}
