package dedup

import (
	"context"

	derrors "github.com/vinayprograms/dedupkit/errors"
)

// Executor runs the work for a key this node owns. It is invoked at most
// once per record.
type Executor interface {
	Execute(ctx context.Context, key string) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, key string) (any, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, key string) (any, error) {
	return f(ctx, key)
}

// WorkFunc is the unit of work passed to RunLocal.
type WorkFunc func(ctx context.Context) (any, error)

// invoke runs work, converting a panic into a PANIC error.
func invoke(ctx context.Context, work WorkFunc) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = derrors.RecoverPanic(r)
		}
	}()
	return work(ctx)
}
