package workflows

import (
	"context"
	"fmt"
	"time"

	"mexc_sniper/internal/core"
	"mexc_sniper/internal/discovery"
	"mexc_sniper/internal/mexc"
	"mexc_sniper/internal/store"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
)

// DefaultMaxRecheckAttempts bounds the per-symbol recheck workflow
const DefaultMaxRecheckAttempts = 10

// DiscoveryEngine is the slice of the discovery engine the workflows consume
type DiscoveryEngine interface {
	RunDiscoveryCycle(ctx context.Context) (*discovery.Result, error)
	CreateReadyTarget(ctx context.Context, vcoinID string, sym mexc.SymbolV2Entry) (*store.SnipeTarget, error)
	ReadyPattern() [3]int
}

// SymbolFeed is the slice of the upstream adapter the recheck workflow uses
type SymbolFeed interface {
	GetSymbols(ctx context.Context, vcoinID string) ([]mexc.SymbolV2Entry, error)
}

// Publisher delivers follow-up events to the scheduler
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// symbolCheck is the recorded result of the check-symbol-status step
type symbolCheck struct {
	Ready           bool                `json:"ready"`
	HasCompleteData bool                `json:"has_complete_data"`
	Symbol          *mexc.SymbolV2Entry `json:"symbol,omitempty"`
	SymbolsFound    int                 `json:"symbols_found"`
}

// SniperWorkflows defines the durable workflows of the discovery scheduler
type SniperWorkflows struct {
	engine      DiscoveryEngine
	feed        SymbolFeed
	publisher   Publisher
	logger      core.ILogger
	maxAttempts int
	now         func() time.Time
}

// NewSniperWorkflows creates the workflow set. maxAttempts <= 0 selects the
// default cap of 10.
func NewSniperWorkflows(engine DiscoveryEngine, feed SymbolFeed, publisher Publisher, logger core.ILogger, maxAttempts int) *SniperWorkflows {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxRecheckAttempts
	}
	return &SniperWorkflows{
		engine:      engine,
		feed:        feed,
		publisher:   publisher,
		logger:      logger.WithField("component", "workflows"),
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// SetPublisher wires the event publisher after construction. The scheduler is
// both the workflow driver and the publisher, so it is attached late.
func (w *SniperWorkflows) SetPublisher(p Publisher) {
	w.publisher = p
}

// PollCalendar is the durable calendar poll workflow. It never propagates an
// error to the driver; failures come back as a {status: error} summary.
func (w *SniperWorkflows) PollCalendar(ctx dbos.DBOSContext, input any) (any, error) {
	trigger := "cron"
	if payload, ok := input.(map[string]interface{}); ok {
		if t := payloadString(payload, "triggered_by"); t != "" {
			trigger = t
		}
	}

	// 1. run-calendar-discovery
	resultRaw, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return w.engine.RunDiscoveryCycle(stepCtx)
	}, dbos.WithStepName("run-calendar-discovery"))
	if err != nil {
		return w.pollError(err, trigger), nil
	}
	result, ok := resultRaw.(*discovery.Result)
	if !ok || result == nil {
		return w.pollError(fmt.Errorf("discovery returned no result"), trigger), nil
	}

	// 2. process-discovery-results
	eventsRaw, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		events := make([]Event, 0, len(result.NewListingRefs))
		for _, ref := range result.NewListingRefs {
			events = append(events, NewEvent(EventNewListingDiscovered, map[string]interface{}{
				"vcoin_id":     ref.VcoinID,
				"symbol_name":  ref.SymbolName,
				"project_name": ref.ProjectName,
				"launch_time":  ref.LaunchTime.Format(time.RFC3339),
			}))
		}
		return events, nil
	}, dbos.WithStepName("process-discovery-results"))
	if err != nil {
		return w.pollError(err, trigger), nil
	}
	events, _ := eventsRaw.([]Event)

	// 3. send-follow-up-events (skipped when there are none)
	sent := 0
	if len(events) > 0 {
		sentRaw, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
			n := 0
			for _, ev := range events {
				if err := w.publisher.Publish(stepCtx, ev); err != nil {
					w.logger.Error("Failed to publish follow-up event",
						"event", ev.Name, "vcoin_id", payloadString(ev.Data, "vcoin_id"), "error", err)
					continue
				}
				n++
			}
			return n, nil
		}, dbos.WithStepName("send-follow-up-events"))
		if err != nil {
			return w.pollError(err, trigger), nil
		}
		sent, _ = sentRaw.(int)
	}

	// 4. log-results
	_, err = ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		w.logger.Info("Calendar poll complete",
			"trigger", trigger,
			"new_listings", result.NewListings,
			"ready_targets", result.ReadyTargets,
			"scheduled_targets", result.ScheduledTargets,
			"errors", len(result.Errors),
			"follow_up_events_sent", sent)
		return nil, nil
	}, dbos.WithStepName("log-results"))
	if err != nil {
		return w.pollError(err, trigger), nil
	}

	return map[string]interface{}{
		"status":                "success",
		"trigger":               trigger,
		"new_listings":          result.NewListings,
		"ready_targets":         result.ReadyTargets,
		"scheduled_targets":     result.ScheduledTargets,
		"errors":                result.Errors,
		"follow_up_events_sent": sent,
		"timestamp":             w.now().UTC().Format(time.RFC3339),
	}, nil
}

func (w *SniperWorkflows) pollError(err error, trigger string) map[string]interface{} {
	w.logger.Error("Calendar poll workflow failed", "trigger", trigger, "error", err)
	return map[string]interface{}{
		"status":    "error",
		"error":     err.Error(),
		"trigger":   trigger,
		"timestamp": w.now().UTC().Format(time.RFC3339),
	}
}

// WatchSymbol is the durable per-symbol recheck workflow, bounded by the
// attempt cap. Triggered by new-listing and recheck events.
func (w *SniperWorkflows) WatchSymbol(ctx dbos.DBOSContext, input any) (any, error) {
	payload, _ := input.(map[string]interface{})
	vcoinID := payloadString(payload, "vcoin_id")
	if vcoinID == "" {
		return map[string]interface{}{
			"status": "error",
			"error":  "missing vcoin_id",
		}, nil
	}
	attempt := payloadInt(payload, "attempt", 1)

	// 1. check-symbol-status
	checkRaw, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		symbols, err := w.feed.GetSymbols(stepCtx, vcoinID)
		if err != nil {
			return nil, err
		}
		pattern := w.engine.ReadyPattern()
		for _, sym := range symbols {
			if sym.MatchesReadyPattern(pattern) {
				s := sym
				return symbolCheck{
					Ready:           true,
					HasCompleteData: sym.HasCompleteData(),
					Symbol:          &s,
					SymbolsFound:    len(symbols),
				}, nil
			}
		}
		return symbolCheck{Ready: false, SymbolsFound: len(symbols)}, nil
	}, dbos.WithStepName("check-symbol-status"))
	if err != nil {
		return map[string]interface{}{
			"status":   "error",
			"error":    err.Error(),
			"vcoin_id": vcoinID,
			"attempt":  attempt,
		}, nil
	}
	check, _ := checkRaw.(symbolCheck)

	// 2. process-symbol-status
	return ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return w.processSymbolStatus(stepCtx, vcoinID, attempt, check)
	}, dbos.WithStepName("process-symbol-status"))
}

func (w *SniperWorkflows) processSymbolStatus(ctx context.Context, vcoinID string, attempt int, check symbolCheck) (any, error) {
	if !check.Ready {
		if attempt >= w.maxAttempts {
			w.logger.Warn("Symbol recheck attempt budget exhausted",
				"vcoin_id", vcoinID, "attempts", attempt)
			return map[string]interface{}{
				"status":               "success",
				"vcoin_id":             vcoinID,
				"ready":                false,
				"max_attempts_reached": true,
			}, nil
		}

		ev := NewEvent(EventSymbolRecheckNeeded, map[string]interface{}{
			"vcoin_id": vcoinID,
			"attempt":  attempt + 1,
		})
		if err := w.publisher.Publish(ctx, ev); err != nil {
			return nil, fmt.Errorf("failed to schedule recheck: %w", err)
		}
		return map[string]interface{}{
			"status":               "success",
			"vcoin_id":             vcoinID,
			"ready":                false,
			"attempt":              attempt,
			"next_check_scheduled": true,
		}, nil
	}

	if !check.HasCompleteData {
		w.logger.Warn("Symbol ready but trading metadata incomplete", "vcoin_id", vcoinID)
		return map[string]interface{}{
			"status":         "success",
			"vcoin_id":       vcoinID,
			"ready":          true,
			"target_created": false,
		}, nil
	}

	target, err := w.engine.CreateReadyTarget(ctx, vcoinID, *check.Symbol)
	if err != nil {
		return nil, err
	}
	if target == nil {
		// Target already exists or the race was lost
		return map[string]interface{}{
			"status":         "success",
			"vcoin_id":       vcoinID,
			"ready":          true,
			"target_created": false,
		}, nil
	}

	ev := NewEvent(EventTargetReady, map[string]interface{}{
		"target_id":           target.ID,
		"vcoin_id":            vcoinID,
		"launch_time_utc_iso": target.ActualLaunch.Format(time.RFC3339),
	})
	if err := w.publisher.Publish(ctx, ev); err != nil {
		w.logger.Error("Failed to publish target-ready event", "vcoin_id", vcoinID, "error", err)
	}

	return map[string]interface{}{
		"status":         "success",
		"vcoin_id":       vcoinID,
		"ready":          true,
		"target_created": true,
		"target_id":      target.ID,
	}, nil
}

// payloadString extracts a string field from an event payload
func payloadString(payload map[string]interface{}, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// payloadInt64 extracts an int64 field, tolerating JSON float decoding
func payloadInt64(payload map[string]interface{}, key string) int64 {
	switch v := payload[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// payloadInt extracts an integer field, tolerating JSON float decoding
func payloadInt(payload map[string]interface{}, key string, fallback int) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
