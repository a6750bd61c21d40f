package errors

import "fmt"

// Error is a coded coordination failure. Key and Node are filled in when the
// failure concerns one task key or came from a particular node.
type Error struct {
	Code ErrorCode
	Msg  string
	Key  string
	Node string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may try the operation again.
func (e *Error) Retryable() bool {
	return e.Code.Transient()
}

// Option fills in optional fields.
type Option func(*Error)

// WithKey records the task key the failure concerns.
func WithKey(key string) Option {
	return func(e *Error) { e.Key = key }
}

// WithNodeID records the node that reported the failure.
func WithNodeID(id string) Option {
	return func(e *Error) { e.Node = id }
}

// New returns an Error with code and msg.
func New(code ErrorCode, msg string, opts ...Option) *Error {
	e := &Error{Code: code, Msg: msg}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RemoteWorkFailed carries an owner's failure for key. Error() returns reason
// unchanged so followers see exactly what the owner's work returned.
func RemoteWorkFailed(key, reason string, opts ...Option) *Error {
	return New(ErrCodeRemoteWorkFailed, reason, append([]Option{WithKey(key)}, opts...)...)
}

// AckTimeout reports that no node answered a start for key in time.
func AckTimeout(key string, opts ...Option) *Error {
	return New(ErrCodeAckTimeout, fmt.Sprintf("no acknowledgement for %s", key),
		append([]Option{WithKey(key)}, opts...)...)
}

// InvalidInput rejects a caller argument.
func InvalidInput(msg string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, msg, opts...)
}
