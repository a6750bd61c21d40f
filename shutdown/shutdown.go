package shutdown

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrAlreadyShutdown is returned when Shutdown is called while a previous
	// call is still running.
	ErrAlreadyShutdown = errors.New("shutdown already in progress")

	// ErrTimeout indicates the shutdown context expired before every phase ran.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrStepFailed indicates one or more steps returned an error.
	ErrStepFailed = errors.New("one or more shutdown steps failed")
)

// Phases used by dedupd. Lower phases stop first; steps sharing a phase stop
// concurrently.
const (
	// PhaseIntake stops taking new claims and fails pending futures.
	PhaseIntake = 10
	// PhaseTransport closes the message bus connection.
	PhaseTransport = 20
	// PhaseTelemetry flushes span and event exporters.
	PhaseTelemetry = 30
	// PhaseEndpoints stops the metrics HTTP listener.
	PhaseEndpoints = 40
)

// DefaultTimeout bounds a shutdown started by a signal.
const DefaultTimeout = 30 * time.Second

// Step is implemented by components that take part in graceful shutdown.
// The context is cancelled when the shutdown budget runs out.
type Step interface {
	Stop(ctx context.Context) error
}

// StepFunc adapts a function to Step.
type StepFunc func(ctx context.Context) error

// Stop implements Step.
func (f StepFunc) Stop(ctx context.Context) error {
	return f(ctx)
}

// Closer adapts an io.Closer (a bus, an event exporter) to Step. The
// context is not passed through; Close is expected to return promptly.
func Closer(c io.Closer) Step {
	return StepFunc(func(context.Context) error {
		return c.Close()
	})
}

// StepResult describes how a single step went.
type StepResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Report is the outcome of a full shutdown run.
type Report struct {
	Duration time.Duration
	Steps    []StepResult
	Err      error
}

// Failed reports whether the shutdown ended with an error.
func (r *Report) Failed() bool {
	return r.Err != nil
}

// FailedSteps returns the names of steps that returned an error.
func (r *Report) FailedSteps() []string {
	var failed []string
	for _, s := range r.Steps {
		if s.Err != nil {
			failed = append(failed, s.Name)
		}
	}
	return failed
}

type step struct {
	name  string
	phase int
	step  Step
}
