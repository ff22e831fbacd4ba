// Package scheduling runs the relay's periodic maintenance workers:
// the mailbox TTL sweep, the blob sweep, the dispatcher poll loop, the
// session-registry janitor, the Flight Recorder session reaper, and the
// bridge heartbeat sweep. All of them go through one cron-backed
// Scheduler so shutdown has a single thing to stop.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduledAction names a registered worker.
type ScheduledAction string

const (
	ActionMailboxSweep  ScheduledAction = "mailbox_sweep"
	ActionBlobSweep     ScheduledAction = "blob_sweep"
	ActionDispatcherRun ScheduledAction = "dispatcher_run"
	ActionConvoJanitor  ScheduledAction = "convo_janitor"
	ActionRecorderReap  ScheduledAction = "recorder_reap"
	ActionBridgeSweep   ScheduledAction = "bridge_sweep"
)

// taskTimeout bounds a single worker run. A sweep that cannot finish
// inside this window is wedged, not slow.
const taskTimeout = 5 * time.Minute

// ScheduledTask binds a registered action to a schedule.
type ScheduledTask struct {
	Name     string
	Schedule string // duration ("5s", "1h") or cron expression
	Action   ScheduledAction
}

// Scheduler owns the cron runner and the action registry. Tasks must be
// added before Start; actions may be registered in any order before
// their task is added.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	actions map[ScheduledAction]func(ctx context.Context) error
	logger  *slog.Logger

	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		actions: make(map[ScheduledAction]func(ctx context.Context) error),
		logger:  logger,
	}
}

// RegisterAction binds a worker function to an action name.
func (s *Scheduler) RegisterAction(action ScheduledAction, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// AddTask schedules a registered action. Unknown actions and
// unparseable schedules are configuration errors.
func (s *Scheduler) AddTask(task ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.actions[task.Action]
	if !ok {
		return fmt.Errorf("scheduler: task %q names unregistered action %q", task.Name, task.Action)
	}
	sched, err := parseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: task %q: %w", task.Name, err)
	}

	s.cron.Schedule(sched, cron.FuncJob(func() {
		s.runTask(task.Name, fn)
	}))
	s.logger.Debug("task scheduled", "task", task.Name, "schedule", task.Schedule)
	return nil
}

func (s *Scheduler) runTask(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	start := time.Now()
	if err := fn(ctx); err != nil {
		s.logger.Warn("scheduled task failed", "task", name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("scheduled task done", "task", name, "duration", time.Since(start))
}

// Start begins firing tasks. Task runs inherit ctx; cancelling it (or
// calling Stop) ends them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop cancels in-flight runs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.started = false
	return nil
}

// parseSchedule accepts a plain duration first ("5s" dispatcher polls,
// "1h" sweeps), falling back to a standard 5-field cron expression for
// operators who want wall-clock alignment.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	if d, err := time.ParseDuration(schedule); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("schedule %q must be a positive interval", schedule)
		}
		return everyInterval(d), nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("schedule %q is neither a duration nor a cron expression", schedule)
	}
	return sched, nil
}

// everyInterval returns a fixed-interval schedule. cron.Every rounds up
// to whole seconds, which would turn a sub-second test interval into 1s.
func everyInterval(d time.Duration) cron.Schedule {
	return intervalSchedule(d)
}

type intervalSchedule time.Duration

func (d intervalSchedule) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}
