package sqlrunner

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failed run.
type Kind string

const (
	KindSetup       Kind = "setup"
	KindTrigger     Kind = "trigger"
	KindStatement   Kind = "statement"
	KindResultParse Kind = "result_parse"
	KindTimeout     Kind = "timeout"
)

// Error is returned by RunQuery for every failure that is not an
// authentication error. Match it with errors.Is against the Err* sentinels.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

var (
	ErrSetup       = &Error{Kind: KindSetup}
	ErrTrigger     = &Error{Kind: KindTrigger}
	ErrStatement   = &Error{Kind: KindStatement}
	ErrResultParse = &Error{Kind: KindResultParse}
	ErrTimeout     = &Error{Kind: KindTimeout}
)

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind) + " error"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a bare sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of err, or "" when err is not a run error.
func KindOf(err error) Kind {
	var runErr *Error
	if errors.As(err, &runErr) {
		return runErr.Kind
	}
	return ""
}

func setupError(message string, err error) *Error {
	return &Error{Kind: KindSetup, Message: message, Err: err}
}

func statementError(message string) *Error {
	return &Error{Kind: KindStatement, Message: message}
}

func timeoutError(timeout time.Duration) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf("query timeout after %dms", timeout.Milliseconds())}
}
