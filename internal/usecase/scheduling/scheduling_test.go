package scheduling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAddTaskRequiresRegisteredAction(t *testing.T) {
	s := NewScheduler(newTestLogger())

	err := s.AddTask(ScheduledTask{Name: "sweep", Schedule: "1h", Action: ActionMailboxSweep})
	require.ErrorContains(t, err, "unregistered action")
}

func TestAddTaskRejectsBadSchedule(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionMailboxSweep, func(context.Context) error { return nil })

	for _, schedule := range []string{"", "never", "-5s", "0s"} {
		err := s.AddTask(ScheduledTask{Name: "sweep", Schedule: schedule, Action: ActionMailboxSweep})
		require.Error(t, err, "schedule %q", schedule)
	}
}

func TestTaskFiresOnInterval(t *testing.T) {
	s := NewScheduler(newTestLogger())

	var runs atomic.Int32
	s.RegisterAction(ActionDispatcherRun, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, s.AddTask(ScheduledTask{Name: "poll", Schedule: "10ms", Action: ActionDispatcherRun}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestFailingTaskKeepsFiring(t *testing.T) {
	s := NewScheduler(newTestLogger())

	var runs atomic.Int32
	s.RegisterAction(ActionBlobSweep, func(context.Context) error {
		runs.Add(1)
		return errors.New("disk full")
	})
	require.NoError(t, s.AddTask(ScheduledTask{Name: "blob-sweep", Schedule: "10ms", Action: ActionBlobSweep}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestStopHaltsFiring(t *testing.T) {
	s := NewScheduler(newTestLogger())

	var runs atomic.Int32
	s.RegisterAction(ActionConvoJanitor, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, s.AddTask(ScheduledTask{Name: "janitor", Schedule: "10ms", Action: ActionConvoJanitor}))

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())

	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	require.LessOrEqual(t, runs.Load(), after+1, "tasks kept firing after Stop")
}

func TestParentContextCancelSkipsRuns(t *testing.T) {
	s := NewScheduler(newTestLogger())

	var runs atomic.Int32
	s.RegisterAction(ActionRecorderReap, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, s.AddTask(ScheduledTask{Name: "reap", Schedule: "10ms", Action: ActionRecorderReap}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	cancel()
	time.Sleep(30 * time.Millisecond)
	before := runs.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, before, runs.Load(), "tasks ran after parent context was cancelled")
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	s := NewScheduler(newTestLogger())

	require.NoError(t, s.Stop()) // never started
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestParseScheduleAcceptsCronExpression(t *testing.T) {
	sched, err := parseSchedule("*/5 * * * *")
	require.NoError(t, err)

	base := time.Date(2026, 8, 2, 12, 1, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 8, 2, 12, 5, 0, 0, time.UTC), sched.Next(base))
}

func TestParseScheduleSubSecondInterval(t *testing.T) {
	sched, err := parseSchedule("250ms")
	require.NoError(t, err)

	base := time.Now()
	require.Equal(t, base.Add(250*time.Millisecond), sched.Next(base))
}
