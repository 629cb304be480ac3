package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunnerRunsJob(t *testing.T) {
	var runs atomic.Int64
	r := NewRunner(nil)
	r.Add(Job{
		Name:  "tick",
		Every: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	r.Start(context.Background())
	time.Sleep(80 * time.Millisecond)
	r.Stop()

	if runs.Load() < 2 {
		t.Errorf("expected at least 2 runs, got %d", runs.Load())
	}
}

func TestRunnerSurvivesErrorAndPanic(t *testing.T) {
	var runs atomic.Int64
	r := NewRunner(nil)
	r.Add(Job{
		Name:  "flaky",
		Every: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			n := runs.Add(1)
			if n == 1 {
				return errors.New("boom")
			}
			if n == 2 {
				panic("worse boom")
			}
			return nil
		},
	})

	r.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	r.Stop()

	if runs.Load() < 3 {
		t.Errorf("expected job to keep running after error and panic, got %d runs", runs.Load())
	}
}

func TestRunnerStopIsIdempotentBeforeStart(t *testing.T) {
	r := NewRunner(nil)
	r.Stop() // must not block or panic
}
