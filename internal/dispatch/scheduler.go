// Package dispatch runs the periodic passes that advance dispatchable tasks
// (READY to DOING, gated REVIEW to APPROVAL) and sweep expired capabilities.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/clawgov/internal/bus"
	"github.com/basket/clawgov/internal/governance"
	"github.com/basket/clawgov/internal/persistence"
	"github.com/basket/clawgov/internal/shared"
	"github.com/basket/clawgov/internal/telemetry"
)

const (
	DefaultSchedule      = "@every 30s"
	DefaultSweepSchedule = "@every 5m"
	defaultBatch         = 100
)

// scheduleParser accepts 5-field expressions and descriptors such as @every.
var scheduleParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Sweeper deactivates expired capabilities and fails ext_calls abandoned by
// a crashed process.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
	RecoverAbandoned(ctx context.Context) (int, error)
}

// Config holds the dependencies for the Scheduler.
type Config struct {
	Kernel  *governance.Kernel
	Sweeper Sweeper // optional
	Logger  *slog.Logger
	// Schedule and SweepSchedule are cron expressions; empty means the default.
	Schedule      string
	SweepSchedule string
	// Batch caps how many tasks a single pass considers.
	Batch int
	// WakeOnTransition runs an extra pass whenever a task lands in READY or
	// REVIEW.
	WakeOnTransition bool
}

// Scheduler owns the dispatch and sweep jobs.
type Scheduler struct {
	kernel  *governance.Kernel
	sweeper Sweeper
	logger  *slog.Logger
	batch   int
	wake    bool

	cron *cronlib.Cron
	runs sync.Mutex // serializes passes

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Kernel == nil {
		return nil, fmt.Errorf("dispatch: kernel is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dispatch")
	batch := cfg.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	s := &Scheduler{
		kernel:  cfg.Kernel,
		sweeper: cfg.Sweeper,
		logger:  logger,
		batch:   batch,
		wake:    cfg.WakeOnTransition,
	}

	cl := cronLogger{logger}
	s.cron = cronlib.New(
		cronlib.WithParser(scheduleParser),
		cronlib.WithLogger(cl),
		cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
	)
	schedule := orDefault(cfg.Schedule, DefaultSchedule)
	if _, err := s.cron.AddFunc(schedule, s.dispatchJob); err != nil {
		return nil, fmt.Errorf("dispatch schedule %q: %w", schedule, err)
	}
	if s.sweeper != nil {
		sweep := orDefault(cfg.SweepSchedule, DefaultSweepSchedule)
		if _, err := s.cron.AddFunc(sweep, s.sweepJob); err != nil {
			return nil, fmt.Errorf("sweep schedule %q: %w", sweep, err)
		}
	}
	return s, nil
}

// ValidateSchedule reports whether expr parses.
func ValidateSchedule(expr string) error {
	_, err := scheduleParser.Parse(expr)
	return err
}

// NextRun returns the next time expr fires after t.
func NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Start runs one pass immediately, then hands off to the cron jobs.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("initial dispatch pass failed", "error", err)
	}
	s.cron.Start()
	if s.wake {
		if events := s.kernel.Events(); events != nil {
			sub := events.Subscribe(bus.TopicTaskTransitioned)
			s.wg.Add(1)
			go s.watch(ctx, events, sub)
		}
	}
	s.logger.Info("dispatch scheduler started", "entries", len(s.cron.Entries()))
}

// Stop halts the cron jobs and waits for running passes to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("dispatch scheduler stopped")
}

func (s *Scheduler) watch(ctx context.Context, events *bus.Bus, sub *bus.Subscription) {
	defer s.wg.Done()
	defer events.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			tr, _ := ev.Payload.(bus.TaskTransitionedEvent)
			if tr.To != string(persistence.StateReady) && tr.To != string(persistence.StateReview) {
				continue
			}
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("wake dispatch pass failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) dispatchJob() {
	ctx := shared.EnsureTraceID(context.Background())
	if _, err := s.RunOnce(ctx); err != nil {
		telemetry.FromContext(ctx, s.logger).Error("dispatch pass failed", "error", err)
	}
}

func (s *Scheduler) sweepJob() {
	ctx := shared.EnsureTraceID(context.Background())
	logger := telemetry.FromContext(ctx, s.logger)
	if n, err := s.sweeper.SweepExpired(ctx); err != nil {
		logger.Error("capability sweep failed", "error", err)
	} else if n > 0 {
		logger.Info("capability sweep", "expired", n)
	}
	if n, err := s.sweeper.RecoverAbandoned(ctx); err != nil {
		logger.Error("abandoned call sweep failed", "error", err)
	} else if n > 0 {
		logger.Warn("abandoned ext_calls failed", "calls", n)
	}
}

// Target maps a dispatchable state to the state a dispatch moves it into.
func Target(state persistence.GovState) (persistence.GovState, bool) {
	switch state {
	case persistence.StateReady:
		return persistence.StateDoing, true
	case persistence.StateReview:
		return persistence.StateApproval, true
	default:
		return "", false
	}
}

// RunOnce performs a single dispatch pass and returns how many tasks it
// advanced. Running it twice over an unchanged set advances nothing the
// second time.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	s.runs.Lock()
	defer s.runs.Unlock()
	return Pass(ctx, s.kernel, s.batch, s.logger)
}

// Pass is RunOnce without the scheduler, for one-shot CLI use.
func Pass(ctx context.Context, k *governance.Kernel, batch int, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tasks, err := k.Dispatchable(ctx, batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		to, ok := Target(task.State)
		if !ok {
			continue
		}
		dispatched, err := k.Dispatch(ctx, task, to)
		if err != nil {
			logger.Error("dispatch failed", "task_id", task.ID, "from", task.State, "to", to, "error", err)
			continue
		}
		if !dispatched {
			continue
		}
		n++
		k.Events().Publish(bus.TopicTaskDispatched, bus.TaskTransitionedEvent{
			TaskID: task.ID, From: string(task.State), To: string(to), Version: task.Version + 1, Actor: governance.SchedulerActor,
		})
		logger.Info("task dispatched", "task_id", task.ID, "from", task.State, "to", to, "group", task.AssignedGroup)
	}
	return n, nil
}

// cronLogger adapts slog to the cron library's logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
