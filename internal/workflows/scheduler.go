package workflows

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mexc_sniper/internal/core"
	"mexc_sniper/pkg/concurrency"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/robfig/cron/v3"
)

// TargetNotifier announces prepared targets to operator channels
type TargetNotifier interface {
	TargetReady(ctx context.Context, vcoinID string, targetID int64, launch time.Time)
}

// Scheduler drives the durable workflows: a cron trigger for the calendar
// poll and an event dispatcher for per-symbol rechecks. Identical pending
// events per vcoin are collapsed.
type Scheduler struct {
	dbosCtx      dbos.DBOSContext
	workflows    *SniperWorkflows
	cronSpec     string
	recheckDelay time.Duration
	cron         *cron.Cron
	pool         *concurrency.WorkerPool
	notifier     TargetNotifier
	logger       core.ILogger

	mu       sync.Mutex
	inFlight map[string]bool
	stopCh   chan struct{}
	stopped  bool
}

// SchedulerOptions configures the scheduler
type SchedulerOptions struct {
	CronSpec     string        // calendar poll schedule, default */5 * * * *
	RecheckDelay time.Duration // wait before a rescheduled symbol recheck
	PoolWorkers  int
	PoolCapacity int
}

// NewScheduler creates the scheduler. Call Start to launch the DBOS runtime
// and the cron trigger.
func NewScheduler(dbosCtx dbos.DBOSContext, w *SniperWorkflows, opts SchedulerOptions, logger core.ILogger) *Scheduler {
	if opts.CronSpec == "" {
		opts.CronSpec = "*/5 * * * *"
	}
	if opts.RecheckDelay == 0 {
		opts.RecheckDelay = 30 * time.Second
	}
	if opts.PoolWorkers == 0 {
		opts.PoolWorkers = 4
	}
	if opts.PoolCapacity == 0 {
		opts.PoolCapacity = 256
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "event_dispatch",
		MaxWorkers:  opts.PoolWorkers,
		MaxCapacity: opts.PoolCapacity,
		NonBlocking: true,
	}, logger)

	return &Scheduler{
		dbosCtx:      dbosCtx,
		workflows:    w,
		cronSpec:     opts.CronSpec,
		recheckDelay: opts.RecheckDelay,
		cron:         cron.New(),
		pool:         pool,
		logger:       logger.WithField("component", "scheduler"),
		inFlight:     make(map[string]bool),
		stopCh:       make(chan struct{}),
	}
}

// SetNotifier attaches an optional operator notifier
func (s *Scheduler) SetNotifier(n TargetNotifier) {
	s.notifier = n
}

// Start launches the DBOS runtime and arms the cron trigger
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.dbosCtx.Launch(); err != nil {
		return fmt.Errorf("failed to launch workflow runtime: %w", err)
	}

	_, err := s.cron.AddFunc(s.cronSpec, func() {
		ev := NewEvent(EventCalendarPollRequested, map[string]interface{}{
			"triggered_by": "cron",
			"timestamp":    time.Now().UTC().Format(time.RFC3339),
		})
		if err := s.Publish(context.Background(), ev); err != nil {
			s.logger.Error("Failed to dispatch scheduled calendar poll", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", s.cronSpec, err)
	}

	s.cron.Start()
	s.logger.Info("Scheduler started", "cron", s.cronSpec)
	return nil
}

// TriggerPoll requests an on-demand calendar poll
func (s *Scheduler) TriggerPoll(ctx context.Context, triggeredBy string) error {
	return s.Publish(ctx, NewEvent(EventCalendarPollRequested, map[string]interface{}{
		"triggered_by": triggeredBy,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}))
}

// Publish routes an event to its workflow. Implements Publisher. Delivery is
// asynchronous through the dispatch pool; pending duplicates per vcoin are
// collapsed.
func (s *Scheduler) Publish(ctx context.Context, ev Event) error {
	switch ev.Name {
	case EventCalendarPollRequested:
		return s.dispatch(ev.Name+":"+ev.ID.String(), 0, s.workflows.PollCalendar, map[string]interface{}{
			"triggered_by": payloadString(ev.Data, "triggered_by"),
			"timestamp":    payloadString(ev.Data, "timestamp"),
		})

	case EventNewListingDiscovered:
		vcoin := payloadString(ev.Data, "vcoin_id")
		return s.dispatch("watch:"+vcoin, 0, s.workflows.WatchSymbol, ev.Data)

	case EventSymbolRecheckNeeded:
		vcoin := payloadString(ev.Data, "vcoin_id")
		return s.dispatch("watch:"+vcoin, s.recheckDelay, s.workflows.WatchSymbol, ev.Data)

	case EventTargetReady:
		vcoin := payloadString(ev.Data, "vcoin_id")
		launchISO := payloadString(ev.Data, "launch_time_utc_iso")
		s.logger.Info("Target ready",
			"target_id", ev.Data["target_id"],
			"vcoin_id", vcoin,
			"launch", launchISO)
		if s.notifier != nil {
			launch, _ := time.Parse(time.RFC3339, launchISO)
			s.notifier.TargetReady(ctx, vcoin, payloadInt64(ev.Data, "target_id"), launch)
		}
		return nil

	default:
		return fmt.Errorf("unknown event: %s", ev.Name)
	}
}

// dispatch enqueues a workflow run, collapsing on key while one is pending
func (s *Scheduler) dispatch(key string, delay time.Duration, fn func(dbos.DBOSContext, any) (any, error), input map[string]interface{}) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("scheduler stopped")
	}
	if s.inFlight[key] {
		s.mu.Unlock()
		s.logger.Debug("Collapsing duplicate pending event", "key", key)
		return nil
	}
	s.inFlight[key] = true
	s.mu.Unlock()

	err := s.pool.Submit(func() {
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, key)
			s.mu.Unlock()
		}()

		if delay > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(delay):
			}
		}

		handle, err := s.dbosCtx.RunWorkflow(s.dbosCtx, fn, input)
		if err != nil {
			s.logger.Error("Failed to start workflow", "key", key, "error", err)
			return
		}
		if _, err := handle.GetResult(); err != nil {
			s.logger.Error("Workflow failed", "key", key, "error", err)
		}
	})
	if err != nil {
		s.mu.Lock()
		delete(s.inFlight, key)
		s.mu.Unlock()
		return fmt.Errorf("event dispatch rejected: %w", err)
	}
	return nil
}

// Stop halts the cron trigger, drains the dispatch pool, and shuts down the
// workflow runtime
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	s.pool.Stop()
	s.dbosCtx.Shutdown(30 * time.Second)
	s.logger.Info("Scheduler stopped")
}
