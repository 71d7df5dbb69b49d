package jobs

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunnerRunsJobsOnInterval(t *testing.T) {
	t.Parallel()
	var runs atomic.Int64
	r := NewRunner(nil)
	r.Add("tick", 5*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	r.Start(context.Background())
	defer r.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 3 },
		2*time.Second, 5*time.Millisecond)
}

func TestRunnerSurvivesPanicsAndErrors(t *testing.T) {
	t.Parallel()
	var runs atomic.Int64
	r := NewRunner(nil)
	r.Add("flaky", 5*time.Millisecond, func(context.Context) error {
		n := runs.Add(1)
		if n == 1 {
			panic("boom")
		}
		if n == 2 {
			return fmt.Errorf("transient")
		}
		return nil
	})
	r.Start(context.Background())
	defer r.Stop()

	// The panic on the first run must not kill the schedule.
	assert.Eventually(t, func() bool { return runs.Load() >= 3 },
		2*time.Second, 5*time.Millisecond)
}

func TestRunnerStopHaltsJobs(t *testing.T) {
	t.Parallel()
	var runs atomic.Int64
	r := NewRunner(nil)
	r.Add("tick", time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	r.Start(context.Background())

	assert.Eventually(t, func() bool { return runs.Load() > 0 },
		time.Second, time.Millisecond)
	r.Stop()
	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestAddAfterStartIsIgnored(t *testing.T) {
	t.Parallel()
	var runs atomic.Int64
	r := NewRunner(nil)
	r.Start(context.Background())
	defer r.Stop()

	r.Add("late", time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, runs.Load())
}
