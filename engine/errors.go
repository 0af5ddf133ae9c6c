package engine

import (
	"context"
	"errors"
	"fmt"

	duckdb "github.com/duckdb/duckdb-go/v2"
	pkgerrors "github.com/pkg/errors"
)

// ErrorClass names a family of failures. Classes form a single-inheritance
// hierarchy so clients can match on any ancestor, not just the leaf.
type ErrorClass struct {
	Name   string
	Parent *ErrorClass
}

// Chain returns the class name followed by every ancestor name, leaf first.
func (c *ErrorClass) Chain() []string {
	var names []string
	for cur := c; cur != nil; cur = cur.Parent {
		names = append(names, cur.Name)
	}
	return names
}

// IsA reports whether c is other or descends from it.
func (c *ErrorClass) IsA(other *ErrorClass) bool {
	for cur := c; cur != nil; cur = cur.Parent {
		if cur == other {
			return true
		}
	}
	return false
}

var (
	ClassError            = &ErrorClass{Name: "duckconnect.Error"}
	ClassAnalysis         = &ErrorClass{Name: "duckconnect.AnalysisError", Parent: ClassError}
	ClassRuntime          = &ErrorClass{Name: "duckconnect.RuntimeError", Parent: ClassError}
	ClassIllegalArgument  = &ErrorClass{Name: "duckconnect.IllegalArgumentError", Parent: ClassRuntime}
	ClassUnsupported      = &ErrorClass{Name: "duckconnect.UnsupportedOperationError", Parent: ClassRuntime}
	ClassExecution        = &ErrorClass{Name: "duckconnect.ExecutionError", Parent: ClassRuntime}
	ClassInternal         = &ErrorClass{Name: "duckconnect.InternalError", Parent: ClassRuntime}
	ClassDuckDB           = &ErrorClass{Name: "duckdb.Error", Parent: ClassExecution}
	ClassDuckDBCatalog    = &ErrorClass{Name: "duckdb.CatalogError", Parent: ClassDuckDB}
	ClassDuckDBParser     = &ErrorClass{Name: "duckdb.ParserError", Parent: ClassDuckDB}
	ClassDuckDBBinder     = &ErrorClass{Name: "duckdb.BinderError", Parent: ClassDuckDB}
	ClassDuckDBConversion = &ErrorClass{Name: "duckdb.ConversionError", Parent: ClassDuckDB}
	ClassDuckDBInterrupt  = &ErrorClass{Name: "duckdb.InterruptError", Parent: ClassDuckDB}
)

// Classified is implemented by every error that knows its ErrorClass.
type Classified interface {
	error
	ErrorClass() *ErrorClass
}

// Error is a classified failure raised by this engine.
type Error struct {
	Class *ErrorClass
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Msg + ": " + e.cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) ErrorClass() *ErrorClass { return e.Class }

// Newf builds a classified error carrying a stack trace.
func Newf(class *ErrorClass, format string, args ...any) error {
	return pkgerrors.WithStack(&Error{Class: class, Msg: fmt.Sprintf(format, args...)})
}

// Wrapf classifies cause under class, keeping cause reachable through errors.Unwrap.
func Wrapf(cause error, class *ErrorClass, format string, args ...any) error {
	return pkgerrors.WithStack(&Error{Class: class, Msg: fmt.Sprintf(format, args...), cause: cause})
}

func Analysisf(format string, args ...any) error {
	return Newf(ClassAnalysis, format, args...)
}

func IllegalArgumentf(format string, args ...any) error {
	return Newf(ClassIllegalArgument, format, args...)
}

func Unsupportedf(format string, args ...any) error {
	return Newf(ClassUnsupported, format, args...)
}

func Internalf(format string, args ...any) error {
	return Newf(ClassInternal, format, args...)
}

// ForeignRuntimeError marks a failure that originated inside an embedded
// runtime (DuckDB's C++ engine) rather than in Go code. The tag is attached
// at the call boundary so translation never has to guess from messages.
type ForeignRuntimeError struct {
	Runtime string
	Class   *ErrorClass
	Cause   error
}

func (e *ForeignRuntimeError) Error() string {
	return e.Cause.Error()
}

func (e *ForeignRuntimeError) Unwrap() error { return e.Cause }

func (e *ForeignRuntimeError) ErrorClass() *ErrorClass { return e.Class }

// FromDuckDB tags err as raised by DuckDB. Context cancellation is passed
// through untouched so callers can still match it with errors.Is.
func FromDuckDB(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var already *ForeignRuntimeError
	if errors.As(err, &already) {
		return err
	}
	return &ForeignRuntimeError{Runtime: "duckdb", Class: duckDBClass(err), Cause: err}
}

func duckDBClass(err error) *ErrorClass {
	var dErr *duckdb.Error
	if !errors.As(err, &dErr) {
		return ClassDuckDB
	}
	switch dErr.Type {
	case duckdb.ErrorTypeCatalog:
		return ClassDuckDBCatalog
	case duckdb.ErrorTypeParser, duckdb.ErrorTypeSyntax:
		return ClassDuckDBParser
	case duckdb.ErrorTypeBinder:
		return ClassDuckDBBinder
	case duckdb.ErrorTypeConversion:
		return ClassDuckDBConversion
	case duckdb.ErrorTypeInterrupt:
		return ClassDuckDBInterrupt
	default:
		return ClassDuckDB
	}
}

// JobAbortedError is the wrapper the scheduler puts around the first task
// failure of a job.
type JobAbortedError struct {
	Partition int
	Cause     error
}

func (e *JobAbortedError) Error() string {
	return fmt.Sprintf("job aborted: task for partition %d failed: %v", e.Partition, e.Cause)
}

func (e *JobAbortedError) Unwrap() error { return e.Cause }

func (e *JobAbortedError) ErrorClass() *ErrorClass { return ClassExecution }

// ClassOf returns the class of the outermost classified error in err's chain,
// or nil when nothing in the chain is classified.
func ClassOf(err error) *ErrorClass {
	var c Classified
	if errors.As(err, &c) {
		return c.ErrorClass()
	}
	return nil
}
