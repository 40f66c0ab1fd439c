// Package retry runs agent operations with bounded retries and exponential
// backoff, classifying failures through agenterr.
//
// A Runner owns the error/loading state for one logical operation at a time:
//
//	IDLE -> SUBMITTING -> { SUCCESS, RETRYING -> SUBMITTING, EXHAUSTED }
//
// SUCCESS and EXHAUSTED are terminal for an invocation. Execute never panics
// on operation failure and never returns the error directly; it reports
// success with a boolean and leaves the final error in State and OnError.
package retry

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/GoCodeAlone/lexagent/agenterr"
	"github.com/GoCodeAlone/lexagent/internal/metrics"
)

// Phase is the position of an invocation in the retry state machine.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhaseSubmitting Phase = "SUBMITTING"
	PhaseRetrying   Phase = "RETRYING"
	PhaseSuccess    Phase = "SUCCESS"
	PhaseExhausted  Phase = "EXHAUSTED"
)

// State is the ephemeral error/loading view of the current invocation.
type State struct {
	Phase      Phase
	Err        error
	RetryCount int
	Loading    bool
}

// HasError reports whether the last attempt failed.
func (s State) HasError() bool { return s.Err != nil }

// Options configures a Runner.
type Options struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RetryDelay is the wait before the first retry.
	RetryDelay time.Duration
	// BackoffFactor multiplies the delay after each retry. Defaults to 2.
	BackoffFactor float64
	// OperationName labels logs and metrics.
	OperationName string

	OnSuccess     func(result any)
	OnError       func(err error)
	OnRetry       func(attempt int, err error, delay time.Duration)
	OnStateChange func(State)
}

// DefaultOptions returns three retries starting at one second, doubling.
func DefaultOptions(operation string) Options {
	return Options{
		MaxRetries:    3,
		RetryDelay:    time.Second,
		BackoffFactor: 2,
		OperationName: operation,
	}
}

// schedule returns the delay sequence RetryDelay * BackoffFactor^k.
func (o Options) schedule() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.RetryDelay
	b.Multiplier = o.BackoffFactor
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Runner executes operations and tracks their State.
type Runner struct {
	opts   Options
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	state State
}

// New creates a Runner. A nil logger disables logging.
func New(opts Options, logger *zap.Logger) *Runner {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.BackoffFactor <= 0 {
		opts.BackoffFactor = 2
	}
	if opts.OperationName == "" {
		opts.OperationName = "operation"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		opts:   opts,
		logger: logger.With(zap.String("operation", opts.OperationName)),
		sleep:  sleepContext,
		state:  State{Phase: PhaseIdle},
	}
}

// State returns a snapshot of the current invocation state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Reset returns the runner to IDLE and clears any recorded error.
func (r *Runner) Reset() {
	r.update(func(s *State) { *s = State{Phase: PhaseIdle} })
}

func (r *Runner) update(fn func(s *State)) {
	r.mu.Lock()
	fn(&r.state)
	snapshot := r.state
	r.mu.Unlock()
	if r.opts.OnStateChange != nil {
		r.opts.OnStateChange(snapshot)
	}
}

// Do is Execute for operations without a result value.
func (r *Runner) Do(ctx context.Context, op func(ctx context.Context) error) bool {
	_, ok := Execute(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return ok
}

// Execute runs op, retrying transient failures up to MaxRetries times with
// exponential backoff. Non-retryable failures end after a single attempt. On
// failure it returns the zero value and false; the final error is available
// from r.State().Err and is passed to OnError.
func Execute[T any](ctx context.Context, r *Runner, op func(ctx context.Context) (T, error)) (T, bool) {
	var zero T
	sched := r.opts.schedule()
	r.update(func(s *State) { *s = State{Phase: PhaseSubmitting, Loading: true} })

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			r.update(func(s *State) { s.Phase = PhaseSubmitting })
		}

		result, err := op(ctx)
		if err == nil {
			r.update(func(s *State) {
				s.Phase = PhaseSuccess
				s.Err = nil
				s.Loading = false
			})
			r.logger.Debug("operation succeeded", zap.Int("attempts", attempt+1))
			if r.opts.OnSuccess != nil {
				r.opts.OnSuccess(result)
			}
			return result, true
		}

		if !agenterr.IsRetryable(err) || attempt >= r.opts.MaxRetries || ctx.Err() != nil {
			r.fail(err, attempt+1)
			return zero, false
		}

		delay := sched.NextBackOff()
		r.update(func(s *State) {
			s.Phase = PhaseRetrying
			s.Err = err
			s.RetryCount = attempt + 1
		})
		metrics.RetryAttempts.WithLabelValues(r.opts.OperationName).Inc()
		r.logger.Warn("operation failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if r.opts.OnRetry != nil {
			r.opts.OnRetry(attempt+1, err, delay)
		}

		if err := r.sleep(ctx, delay); err != nil {
			r.fail(err, attempt+1)
			return zero, false
		}
	}
}

func (r *Runner) fail(err error, attempts int) {
	r.update(func(s *State) {
		s.Phase = PhaseExhausted
		s.Err = err
		s.Loading = false
	})
	metrics.RetryExhausted.WithLabelValues(r.opts.OperationName).Inc()
	r.logger.Error("operation failed",
		zap.Int("attempts", attempts),
		zap.Bool("retryable", agenterr.IsRetryable(err)),
		zap.Error(err))
	if r.opts.OnError != nil {
		r.opts.OnError(err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
