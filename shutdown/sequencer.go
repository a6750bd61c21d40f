package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/dedupkit/logging"
)

// Sequencer runs registered steps phase by phase.
type Sequencer struct {
	timeout     time.Duration
	stopOnError bool
	logger      *logging.Logger
	signals     []os.Signal

	mu      sync.Mutex
	steps   []step
	running bool
	done    chan struct{}
	report  *Report
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithTimeout sets the budget used by Run once a signal arrives.
func WithTimeout(d time.Duration) Option {
	return func(s *Sequencer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger reports step progress through l.
func WithLogger(l *logging.Logger) Option {
	return func(s *Sequencer) {
		if l != nil {
			s.logger = l.WithComponent("shutdown")
		}
	}
}

// StopOnError aborts remaining phases after the first failing phase.
func StopOnError() Option {
	return func(s *Sequencer) { s.stopOnError = true }
}

// WithSignals overrides the signals Run listens for.
func WithSignals(sig ...os.Signal) Option {
	return func(s *Sequencer) { s.signals = sig }
}

// New creates a Sequencer. By default every phase runs even when an earlier
// step fails, and Run listens for SIGINT and SIGTERM.
func New(opts ...Option) *Sequencer {
	s := &Sequencer{
		timeout: DefaultTimeout,
		logger:  logging.Nop(),
		signals: []os.Signal{os.Interrupt, syscall.SIGTERM},
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a step in phase.
func (s *Sequencer) Add(name string, phase int, st Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step{name: name, phase: phase, step: st})
}

// AddFunc registers fn as a step in phase.
func (s *Sequencer) AddFunc(name string, phase int, fn func(ctx context.Context) error) {
	s.Add(name, phase, StepFunc(fn))
}

// Run blocks until ctx is cancelled or one of the configured signals
// arrives, then shuts down within the configured timeout.
func (s *Sequencer) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, s.signals...)
	defer stop()

	select {
	case <-sigCtx.Done():
	case <-s.done:
		return s.Err()
	}

	s.logger.Info("shutdown_requested", map[string]interface{}{
		"timeout": s.timeout.String(),
	})
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown runs every registered step. A second call made after the first
// finished returns the first result; a concurrent call returns
// ErrAlreadyShutdown.
func (s *Sequencer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return s.report.Err
	default:
	}
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyShutdown
	}
	s.running = true
	steps := make([]step, len(s.steps))
	copy(steps, s.steps)
	s.mu.Unlock()

	report := s.runPhases(ctx, steps)

	s.mu.Lock()
	s.report = report
	close(s.done)
	s.mu.Unlock()

	if report.Err != nil {
		s.logger.Error("shutdown_incomplete", map[string]interface{}{
			"error":  report.Err.Error(),
			"failed": report.FailedSteps(),
		})
	} else {
		s.logger.Info("shutdown_complete", map[string]interface{}{
			"duration": report.Duration.String(),
		})
	}
	return report.Err
}

// Done is closed once Shutdown has finished.
func (s *Sequencer) Done() <-chan struct{} {
	return s.done
}

// Err returns the shutdown error, or nil while shutdown has not finished.
func (s *Sequencer) Err() error {
	if r := s.Report(); r != nil {
		return r.Err
	}
	return nil
}

// Report returns the shutdown report, or nil while shutdown has not finished.
func (s *Sequencer) Report() *Report {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.report
	default:
		return nil
	}
}

func (s *Sequencer) runPhases(ctx context.Context, steps []step) *Report {
	start := time.Now()
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].phase < steps[j].phase
	})

	report := &Report{Steps: make([]StepResult, 0, len(steps))}
	var failed []error

	for _, group := range groupByPhase(steps) {
		if ctx.Err() != nil {
			report.Err = ErrTimeout
			report.Duration = time.Since(start)
			return report
		}

		results := s.runPhase(ctx, group)
		report.Steps = append(report.Steps, results...)

		phaseFailed := false
		for _, r := range results {
			if r.Err != nil {
				failed = append(failed, fmt.Errorf("%s: %w", r.Name, r.Err))
				phaseFailed = true
			}
		}
		if phaseFailed && s.stopOnError {
			break
		}
	}

	if len(failed) > 0 {
		report.Err = errors.Join(append([]error{ErrStepFailed}, failed...)...)
	}
	report.Duration = time.Since(start)
	return report
}

func (s *Sequencer) runPhase(ctx context.Context, group []step) []StepResult {
	results := make([]StepResult, len(group))
	var wg sync.WaitGroup
	for i, st := range group {
		wg.Add(1)
		go func(i int, st step) {
			defer wg.Done()
			began := time.Now()
			err := st.step.Stop(ctx)
			results[i] = StepResult{
				Name:     st.name,
				Phase:    st.phase,
				Duration: time.Since(began),
				Err:      err,
			}

			fields := map[string]interface{}{
				"step":     st.name,
				"phase":    st.phase,
				"duration": results[i].Duration.String(),
			}
			if err != nil {
				fields["error"] = err.Error()
				s.logger.Warn("step_failed", fields)
				return
			}
			s.logger.Debug("step_stopped", fields)
		}(i, st)
	}
	wg.Wait()
	return results
}

// groupByPhase splits phase-sorted steps into runs of equal phase.
func groupByPhase(steps []step) [][]step {
	var groups [][]step
	for i := 0; i < len(steps); {
		j := i
		for j < len(steps) && steps[j].phase == steps[i].phase {
			j++
		}
		groups = append(groups, steps[i:j])
		i = j
	}
	return groups
}
