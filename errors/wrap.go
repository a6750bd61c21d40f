package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap adds msg to err. A coded error keeps its code, key and node; context
// errors become TIMEOUT or CANCELED; anything else is INTERNAL. Wrap(nil)
// returns nil.
func Wrap(err error, msg string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	e := &Error{Code: ErrCodeInternal, Msg: msg, Err: err}
	var inner *Error
	switch {
	case errors.As(err, &inner):
		e.Code, e.Key, e.Node = inner.Code, inner.Key, inner.Node
	case errors.Is(err, context.DeadlineExceeded):
		e.Code = ErrCodeTimeout
	case errors.Is(err, context.Canceled):
		e.Code = ErrCodeCanceled
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WrapWithCode adds msg to err under code. WrapWithCode(nil) returns nil.
func WrapWithCode(err error, code ErrorCode, msg string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	e := New(code, msg, opts...)
	e.Err = err
	return e
}

// Code returns the code of the first Error in err's chain, or "".
func Code(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err's chain holds an Error with code.
func Is(err error, code ErrorCode) bool {
	return code != "" && Code(err) == code
}

// IsRetryable reports whether err's chain holds a transient Error. Uncoded
// errors are not retryable.
func IsRetryable(err error) bool {
	return Code(err).Transient()
}

// RecoverPanic turns a recovered value into a PANIC error. Returns nil for a
// nil value.
func RecoverPanic(recovered any) *Error {
	switch v := recovered.(type) {
	case nil:
		return nil
	case error:
		return &Error{Code: ErrCodePanic, Msg: v.Error()}
	case string:
		return New(ErrCodePanic, v)
	default:
		return New(ErrCodePanic, fmt.Sprint(v))
	}
}
