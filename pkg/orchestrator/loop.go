package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/replheald/replheald/pkg/config"
)

// SinglePassRunner abstracts the single-pass orchestration runner for reuse in the loop.
type SinglePassRunner interface {
	RunOnce(ctx context.Context) (RunSummary, error)
}

// Loop drives repeated orchestration passes until the context is cancelled.
// A failed pass backs off exponentially instead of aborting the daemon.
type Loop struct {
	cfg           *config.Config
	runner        SinglePassRunner
	interval      time.Duration
	sleep         func(time.Duration)
	iterationHook func(RunSummary)
	errorHandler  func(error)
	errorBackoff  time.Duration
	errorMinDelay time.Duration
	errorMaxDelay time.Duration
}

// LoopOption customises loop behaviour.
type LoopOption func(*Loop)

// WithLoopSleepFunc overrides the sleep implementation between iterations.
func WithLoopSleepFunc(fn func(time.Duration)) LoopOption {
	return func(l *Loop) {
		l.sleep = fn
	}
}

// WithLoopIterationHook registers a callback invoked after each successful pass.
func WithLoopIterationHook(fn func(RunSummary)) LoopOption {
	return func(l *Loop) {
		l.iterationHook = fn
	}
}

// WithLoopInterval forces a custom interval between passes, overriding the configuration value.
func WithLoopInterval(d time.Duration) LoopOption {
	return func(l *Loop) {
		l.interval = d
	}
}

// WithLoopErrorHandler registers a callback for retryable orchestration errors.
func WithLoopErrorHandler(fn func(error)) LoopOption {
	return func(l *Loop) {
		l.errorHandler = fn
	}
}

// WithLoopErrorBackoff overrides the retry backoff window applied after errors.
func WithLoopErrorBackoff(min, max time.Duration) LoopOption {
	return func(l *Loop) {
		l.errorMinDelay = min
		l.errorMaxDelay = max
	}
}

// NewLoop constructs a Loop backed by the provided runner.
func NewLoop(cfg *config.Config, runner SinglePassRunner, opts ...LoopOption) (*Loop, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if runner == nil {
		return nil, errors.New("runner must not be nil")
	}

	minDelay, maxDelay := cfg.BackoffBounds()
	loop := &Loop{
		cfg:           cfg,
		runner:        runner,
		interval:      cfg.RunInterval(),
		sleep:         time.Sleep,
		errorMinDelay: minDelay,
		errorMaxDelay: maxDelay,
	}

	for _, opt := range opts {
		opt(loop)
	}

	if loop.sleep == nil {
		loop.sleep = time.Sleep
	}
	if loop.interval <= 0 {
		loop.interval = cfg.RunInterval()
	}
	if loop.interval <= 0 {
		loop.interval = time.Hour
	}
	if loop.errorMinDelay <= 0 {
		loop.errorMinDelay = 5 * time.Second
	}
	if loop.errorMaxDelay < loop.errorMinDelay {
		loop.errorMaxDelay = loop.errorMinDelay
	}

	return loop, nil
}

// Run executes orchestration passes until the context is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		summary, err := l.runner.RunOnce(ctx)
		if err != nil {
			if l.errorHandler != nil {
				l.errorHandler(err)
			}
			if delay := l.nextErrorDelay(); delay > 0 {
				if sleepErr := l.sleepWithContext(ctx, delay); sleepErr != nil {
					return sleepErr
				}
			}
			continue
		}
		l.resetErrorBackoff()

		if l.iterationHook != nil {
			l.iterationHook(summary)
		}

		if err := l.sleepWithContext(ctx, l.interval); err != nil {
			return err
		}
	}
}

func (l *Loop) nextErrorDelay() time.Duration {
	if l.errorMinDelay <= 0 {
		return 0
	}
	if l.errorBackoff <= 0 {
		l.errorBackoff = l.errorMinDelay
	} else {
		l.errorBackoff *= 2
		if l.errorBackoff < l.errorMinDelay {
			l.errorBackoff = l.errorMinDelay
		}
	}
	if l.errorBackoff > l.errorMaxDelay {
		l.errorBackoff = l.errorMaxDelay
	}
	return l.errorBackoff
}

func (l *Loop) resetErrorBackoff() {
	l.errorBackoff = 0
}

func (l *Loop) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		l.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
