// Package discovery implements the pattern discovery engine: the state
// machine that correlates the calendar and symbol feeds and records snipe
// targets with a minimum advance-notice guarantee.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mexc_sniper/internal/core"
	"mexc_sniper/internal/mexc"
	"mexc_sniper/internal/store"
	apperrors "mexc_sniper/pkg/errors"
	"mexc_sniper/pkg/telemetry"
)

// scheduleLeadTime is the minimum remaining lead for a pending target to be
// schedulable; at or below this the launch is considered missed.
const scheduleLeadTime = 10 * time.Second

// MarketData is the slice of the upstream adapter the engine consumes
type MarketData interface {
	GetCalendar(ctx context.Context) ([]mexc.CalendarEntry, error)
	GetSymbols(ctx context.Context, vcoinID string) ([]mexc.SymbolV2Entry, error)
}

// Options are the engine's tunables
type Options struct {
	ReadyPattern       [3]int
	TargetAdvanceHours float64
	PollInterval       time.Duration
	ErrorSleep         time.Duration
	DefaultBuyAmount   float64
}

func (o *Options) applyDefaults() {
	if o.ReadyPattern == ([3]int{}) {
		o.ReadyPattern = [3]int{2, 2, 4}
	}
	if o.TargetAdvanceHours == 0 {
		o.TargetAdvanceHours = 3.5
	}
	if o.PollInterval == 0 {
		o.PollInterval = 300 * time.Second
	}
	if o.ErrorSleep == 0 {
		o.ErrorSleep = 60 * time.Second
	}
	if o.DefaultBuyAmount == 0 {
		o.DefaultBuyAmount = 100
	}
}

// ListingRef identifies a newly-created listing for event fan-out
type ListingRef struct {
	VcoinID     string    `json:"vcoin_id"`
	SymbolName  string    `json:"symbol_name"`
	ProjectName string    `json:"project_name"`
	LaunchTime  time.Time `json:"launch_time"`
}

// Result summarizes one discovery cycle
type Result struct {
	NewListings      int          `json:"new_listings"`
	ReadyTargets     int          `json:"ready_targets"`
	ScheduledTargets int          `json:"scheduled_targets"`
	Errors           []string     `json:"errors"`
	NewListingRefs   []ListingRef `json:"-"`
	Timestamp        time.Time    `json:"timestamp"`
}

// Engine drives the discovery cycle and the background loop. In-memory stats
// are advisory; the store is the source of truth.
type Engine struct {
	opts    Options
	client  MarketData
	store   store.Store
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
	now     func() time.Time

	mu                sync.Mutex
	running           bool
	totalCycles       int64
	totalNewListings  int64
	totalTargets      int64
	errorCount        int64
	lastError         string
	lastCalendarCheck time.Time
	startedAt         time.Time
}

// NewEngine creates the discovery engine
func NewEngine(opts Options, client MarketData, st store.Store, logger core.ILogger) *Engine {
	opts.applyDefaults()
	return &Engine{
		opts:    opts,
		client:  client,
		store:   st,
		logger:  logger.WithField("component", "discovery"),
		metrics: telemetry.GetGlobalMetrics(),
		now:     time.Now,
	}
}

// RunDiscoveryCycle executes one idempotent pass: calendar ingest, ready-state
// scan, schedule. Per-listing failures are collected, never fatal.
func (e *Engine) RunDiscoveryCycle(ctx context.Context) (*Result, error) {
	now := e.now().UTC()
	e.mu.Lock()
	e.totalCycles++
	e.lastCalendarCheck = now
	e.mu.Unlock()

	result := &Result{Timestamp: now, Errors: []string{}}

	if err := e.ingestCalendar(ctx, result); err != nil {
		return nil, err
	}
	e.scanReadyStates(ctx, result)
	e.scheduleTargets(ctx, result)

	e.mu.Lock()
	e.totalNewListings += int64(result.NewListings)
	e.totalTargets += int64(result.ReadyTargets)
	if len(result.Errors) > 0 {
		e.errorCount += int64(len(result.Errors))
		e.lastError = result.Errors[len(result.Errors)-1]
	}
	e.mu.Unlock()

	if e.metrics.DiscoveryCyclesTotal != nil {
		e.metrics.DiscoveryCyclesTotal.Add(ctx, 1)
		e.metrics.NewListingsTotal.Add(ctx, int64(result.NewListings))
		e.metrics.DiscoveryErrorsTotal.Add(ctx, int64(len(result.Errors)))
	}

	e.logger.Info("Discovery cycle complete",
		"new_listings", result.NewListings,
		"ready_targets", result.ReadyTargets,
		"scheduled_targets", result.ScheduledTargets,
		"errors", len(result.Errors))
	return result, nil
}

// ingestCalendar creates a monitoring listing for every future calendar entry
// not seen before. Past entries are skipped.
func (e *Engine) ingestCalendar(ctx context.Context, result *Result) error {
	entries, err := e.client.GetCalendar(ctx)
	if err != nil {
		e.recordError(err)
		return fmt.Errorf("calendar fetch failed: %w", err)
	}

	now := e.now().UTC()
	for _, entry := range entries {
		launch := entry.LaunchTime()
		if !launch.After(now) {
			continue
		}

		existing, err := e.store.GetListing(ctx, entry.VcoinID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("lookup %s: %v", entry.VcoinID, err))
			continue
		}
		if existing != nil {
			continue
		}

		created, err := e.store.CreateListing(ctx, &store.MonitoredListing{
			VcoinID:           entry.VcoinID,
			SymbolName:        entry.Symbol,
			ProjectName:       entry.ProjectName,
			AnnouncedLaunchMs: entry.FirstOpenTime,
			AnnouncedLaunch:   launch,
			Status:            store.ListingMonitoring,
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("create listing %s: %v", entry.VcoinID, err))
			continue
		}
		if created {
			result.NewListings++
			result.NewListingRefs = append(result.NewListingRefs, ListingRef{
				VcoinID:     entry.VcoinID,
				SymbolName:  entry.Symbol,
				ProjectName: entry.ProjectName,
				LaunchTime:  launch,
			})
			e.logger.Info("New listing discovered",
				"vcoin_id", entry.VcoinID, "symbol", entry.Symbol, "launch", launch)
		}
	}
	return nil
}

// scanReadyStates checks every monitoring listing for the ready triple and
// attempts target creation when trading metadata is complete
func (e *Engine) scanReadyStates(ctx context.Context, result *Result) {
	listings, err := e.store.ListMonitoring(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list monitoring: %v", err))
		return
	}

	e.metrics.SetListingsMonitored(int64(len(listings)))

	for _, listing := range listings {
		symbols, err := e.client.GetSymbols(ctx, listing.VcoinID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("symbols %s: %v", listing.VcoinID, err))
			continue
		}

		for _, sym := range symbols {
			if !sym.MatchesReadyPattern(e.opts.ReadyPattern) {
				continue
			}
			if !sym.HasCompleteData() {
				e.logger.Warn("Symbol ready but trading metadata incomplete",
					"vcoin_id", listing.VcoinID, "symbol", listing.SymbolName)
				continue
			}

			target, err := e.CreateReadyTarget(ctx, listing.VcoinID, sym)
			if err != nil {
				if errors.Is(err, apperrors.ErrPrecondition) {
					continue // advance notice too short, already logged
				}
				result.Errors = append(result.Errors, fmt.Sprintf("target %s: %v", listing.VcoinID, err))
				continue
			}
			if target != nil {
				result.ReadyTargets++
			}
		}
	}
}

// CreateReadyTarget atomically records a snipe target for a ready symbol and
// advances the owning listing. Returns (nil, nil) when a target already
// exists; returns ErrPrecondition when the advance notice is too short.
func (e *Engine) CreateReadyTarget(ctx context.Context, vcoinID string, sym mexc.SymbolV2Entry) (*store.SnipeTarget, error) {
	existing, err := e.store.GetTarget(ctx, vcoinID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, nil
	}

	if !sym.HasCompleteData() {
		return nil, fmt.Errorf("%w: symbol %s missing trading metadata", apperrors.ErrValidation, vcoinID)
	}

	discoveredAt := e.now().UTC()
	actualLaunch := sym.LaunchTime()
	advanceHours := actualLaunch.Sub(discoveredAt).Hours()

	if advanceHours < e.opts.TargetAdvanceHours {
		e.logger.Warn("Advance notice too short for snipe target",
			"vcoin_id", vcoinID, "advance_hours", advanceHours,
			"required_hours", e.opts.TargetAdvanceHours)
		if e.metrics.TargetsMissedTotal != nil {
			e.metrics.TargetsMissedTotal.Add(ctx, 1)
		}
		return nil, fmt.Errorf("%w: advance notice %.2fh below %.2fh",
			apperrors.ErrPrecondition, advanceHours, e.opts.TargetAdvanceHours)
	}

	target := &store.SnipeTarget{
		VcoinID:            vcoinID,
		Contract:           sym.Ca,
		PricePrecision:     *sym.Ps,
		QtyPrecision:       *sym.Qs,
		ActualLaunchMs:     *sym.Ot,
		ActualLaunch:       actualLaunch,
		DiscoveredAt:       discoveredAt,
		HoursAdvanceNotice: advanceHours,
		BuyAmountQuote:     e.opts.DefaultBuyAmount,
		OrderParams: core.OrderParams{
			Symbol:        sym.Ca,
			Side:          "BUY",
			Type:          "MARKET",
			QuoteOrderQty: e.opts.DefaultBuyAmount,
		},
		ExecutionStatus: store.TargetPending,
	}

	created, err := e.store.CreateTargetAndMarkReady(ctx, target)
	if err != nil {
		return nil, err
	}
	if !created {
		// Concurrent creator won the race
		return nil, nil
	}

	if e.metrics.TargetsCreatedTotal != nil {
		e.metrics.TargetsCreatedTotal.Add(ctx, 1)
	}
	e.metrics.RecordAdvanceNotice(ctx, sym.Ca, advanceHours)

	e.logger.Info("Snipe target created",
		"vcoin_id", vcoinID, "contract", sym.Ca,
		"launch", actualLaunch, "advance_hours", fmt.Sprintf("%.2f", advanceHours))
	return target, nil
}

// scheduleTargets advances pending targets to scheduled when enough lead
// remains, missed otherwise. The lead threshold is strict.
func (e *Engine) scheduleTargets(ctx context.Context, result *Result) {
	targets, err := e.store.ListPendingTargets(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list pending: %v", err))
		return
	}

	e.metrics.SetTargetsPending(int64(len(targets)))

	now := e.now().UTC()
	for _, target := range targets {
		if target.ExecutionStatus != store.TargetPending {
			continue
		}

		lead := target.ActualLaunch.Sub(now)
		status := store.TargetMissed
		listingStatus := store.ListingMissed
		if lead > scheduleLeadTime {
			status = store.TargetScheduled
			listingStatus = store.ListingScheduled
		}

		if err := e.store.UpdateTargetStatus(ctx, target.ID, status, nil, nil); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("schedule target %d: %v", target.ID, err))
			continue
		}
		if err := e.store.UpdateListingStatus(ctx, target.VcoinID, listingStatus); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("advance listing %s: %v", target.VcoinID, err))
		}

		if status == store.TargetScheduled {
			result.ScheduledTargets++
			e.logger.Info("Target scheduled", "vcoin_id", target.VcoinID, "lead", lead)
		} else {
			e.logger.Warn("Target missed, launch too close", "vcoin_id", target.VcoinID, "lead", lead)
		}
	}
}

// Run drives the background loop until ctx is cancelled. On cycle failure it
// logs and sleeps the error interval; an in-flight cycle finishes before
// shutdown completes.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("%w: discovery loop already running", apperrors.ErrPrecondition)
	}
	e.running = true
	e.startedAt = e.now().UTC()
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	e.logger.Info("Discovery loop started", "poll_interval", e.opts.PollInterval)

	for {
		sleep := e.opts.PollInterval
		if _, err := e.RunDiscoveryCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.recordError(err)
			e.logger.Error("Discovery cycle failed", "error", err)
			sleep = e.opts.ErrorSleep
		}

		select {
		case <-ctx.Done():
			e.logger.Info("Discovery loop stopped")
			return nil
		case <-time.After(sleep):
		}
	}
}

// Status returns the running flag, durable counts, configuration snapshot,
// and advisory stats
func (e *Engine) Status(ctx context.Context) (map[string]interface{}, error) {
	counts, err := e.store.StatusCounts(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	status := map[string]interface{}{
		"running":             e.running,
		"monitoring_listings": counts.Monitoring,
		"pending_targets":     counts.Pending,
		"scheduled_targets":   counts.Scheduled,
		"config": map[string]interface{}{
			"ready_state_pattern":  fmt.Sprintf("(%d,%d,%d)", e.opts.ReadyPattern[0], e.opts.ReadyPattern[1], e.opts.ReadyPattern[2]),
			"target_advance_hours": e.opts.TargetAdvanceHours,
			"poll_interval":        e.opts.PollInterval.String(),
			"default_buy_amount":   e.opts.DefaultBuyAmount,
		},
		"stats": map[string]interface{}{
			"total_cycles":       e.totalCycles,
			"total_new_listings": e.totalNewListings,
			"total_targets":      e.totalTargets,
			"error_count":        e.errorCount,
			"last_error":         e.lastError,
		},
	}
	if !e.lastCalendarCheck.IsZero() {
		status["last_calendar_check"] = e.lastCalendarCheck.Format(time.RFC3339)
	}
	if !e.startedAt.IsZero() {
		status["uptime"] = e.now().UTC().Sub(e.startedAt).String()
	}
	return status, nil
}

func (e *Engine) recordError(err error) {
	e.mu.Lock()
	e.errorCount++
	e.lastError = err.Error()
	e.mu.Unlock()
}

// ReadyPattern exposes the configured pattern for collaborators
func (e *Engine) ReadyPattern() [3]int {
	return e.opts.ReadyPattern
}
