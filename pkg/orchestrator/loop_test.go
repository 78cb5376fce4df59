package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/replheald/replheald/pkg/config"
)

type scriptedRunner struct {
	summaries []RunSummary
	errs      []error
	calls     int
}

func (s *scriptedRunner) RunOnce(ctx context.Context) (RunSummary, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.summaries) {
		idx = len(s.summaries) - 1
	}
	var err error
	if idx < len(s.errs) {
		err = s.errs[idx]
	}
	return s.summaries[idx], err
}

func loopConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		RunIntervalSec: 60,
		BackoffMinSec:  1,
		BackoffMaxSec:  4,
		KillSwitchFile: filepath.Join(t.TempDir(), "disable"),
	}
}

func TestLoopInvokesHookAndSleepsBetweenPasses(t *testing.T) {
	runner := &scriptedRunner{summaries: []RunSummary{{Status: StatusSuccess}}}
	var sleeps []time.Duration
	var summaries []RunSummary

	ctx, cancel := context.WithCancel(context.Background())
	loop, err := NewLoop(loopConfig(t), runner,
		WithLoopInterval(30*time.Second),
		WithLoopSleepFunc(func(d time.Duration) {
			sleeps = append(sleeps, d)
		}),
		WithLoopIterationHook(func(s RunSummary) {
			summaries = append(summaries, s)
			if len(summaries) == 2 {
				cancel()
			}
		}))
	if err != nil {
		t.Fatalf("construct loop: %v", err)
	}

	if err := loop.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(summaries) < 2 {
		t.Fatalf("expected at least two passes, got %d", len(summaries))
	}
	if len(sleeps) == 0 || sleeps[0] != 30*time.Second {
		t.Fatalf("expected configured interval between passes, got %v", sleeps)
	}
}

func TestLoopBacksOffAfterErrors(t *testing.T) {
	runner := &scriptedRunner{
		summaries: []RunSummary{{}, {}, {Status: StatusSuccess}},
		errs:      []error{errors.New("boom"), errors.New("boom again"), nil},
	}
	var delays []time.Duration
	var loopErrs []error

	ctx, cancel := context.WithCancel(context.Background())
	loop, err := NewLoop(loopConfig(t), runner,
		WithLoopErrorBackoff(time.Second, 8*time.Second),
		WithLoopSleepFunc(func(d time.Duration) {
			delays = append(delays, d)
		}),
		WithLoopErrorHandler(func(err error) {
			loopErrs = append(loopErrs, err)
		}),
		WithLoopIterationHook(func(RunSummary) { cancel() }))
	if err != nil {
		t.Fatalf("construct loop: %v", err)
	}

	if err := loop.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(loopErrs) != 2 {
		t.Fatalf("expected two handled errors, got %v", loopErrs)
	}
	if len(delays) < 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("expected doubling error backoff, got %v", delays)
	}
}

func TestLoopStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &scriptedRunner{summaries: []RunSummary{{Status: StatusSuccess}}}
	loop, err := NewLoop(loopConfig(t), runner)
	if err != nil {
		t.Fatalf("construct loop: %v", err)
	}
	if err := loop.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	if runner.calls != 0 {
		t.Fatalf("cancelled loop must not run passes, got %d", runner.calls)
	}
}
