package errors

// ErrorCode names a coordination failure.
type ErrorCode string

const (
	// Transient: asking again may succeed.
	ErrCodeTimeout    ErrorCode = "TIMEOUT"
	ErrCodeAckTimeout ErrorCode = "ACK_TIMEOUT" // no startack or inprogress in time
	ErrCodeBusClosed  ErrorCode = "BUS_CLOSED"

	// Permanent.
	ErrCodeRemoteWorkFailed ErrorCode = "REMOTE_WORK_FAILED" // owner broadcast finish_error
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeCanceled         ErrorCode = "CANCELED"

	// Bugs.
	ErrCodeInternal ErrorCode = "INTERNAL"
	ErrCodePanic    ErrorCode = "PANIC"
)

func (c ErrorCode) String() string {
	return string(c)
}

// Transient reports whether a failure with this code may clear on its own.
func (c ErrorCode) Transient() bool {
	switch c {
	case ErrCodeTimeout, ErrCodeAckTimeout, ErrCodeBusClosed:
		return true
	}
	return false
}
