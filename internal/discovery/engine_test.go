package discovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"mexc_sniper/internal/mexc"
	"mexc_sniper/internal/store"
	apperrors "mexc_sniper/pkg/errors"
	"mexc_sniper/pkg/logging"
)

// fakeMarket scripts the upstream feeds per test
type fakeMarket struct {
	calendar    []mexc.CalendarEntry
	calendarErr error
	symbols     map[string][]mexc.SymbolV2Entry
	symbolsErr  error
}

func (f *fakeMarket) GetCalendar(ctx context.Context) ([]mexc.CalendarEntry, error) {
	return f.calendar, f.calendarErr
}

func (f *fakeMarket) GetSymbols(ctx context.Context, vcoinID string) ([]mexc.SymbolV2Entry, error) {
	if f.symbolsErr != nil {
		return nil, f.symbolsErr
	}
	return f.symbols[vcoinID], nil
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

func readySymbol(vcoin, contract string, openTime time.Time) mexc.SymbolV2Entry {
	return mexc.SymbolV2Entry{
		Cd: vcoin, Ca: contract,
		Ps: intPtr(8), Qs: intPtr(6),
		Sts: 2, St: 2, Tt: 4,
		Ot: int64Ptr(openTime.UnixMilli()),
	}
}

func newTestEngine(t *testing.T, market *fakeMarket, now time.Time) (*Engine, *store.SQLStore) {
	t.Helper()
	logger, _ := logging.NewZapLogger("ERROR")
	st, err := store.Open(context.Background(), fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=UTC", t.Name()), logger)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	e := NewEngine(Options{}, market, st, logger)
	e.now = func() time.Time { return now }
	return e, st
}

func calendarEntry(vcoin string, launch time.Time) mexc.CalendarEntry {
	return mexc.CalendarEntry{
		VcoinID:       vcoin,
		Symbol:        vcoin + "COIN",
		ProjectName:   "Project " + vcoin,
		FirstOpenTime: launch.UnixMilli(),
	}
}

func TestHappyPath(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	market := &fakeMarket{
		calendar: []mexc.CalendarEntry{calendarEntry("A", now.Add(6*time.Hour))},
		symbols: map[string][]mexc.SymbolV2Entry{
			"A": {readySymbol("A", "AUSDT", now.Add(4*time.Hour))},
		},
	}
	engine, st := newTestEngine(t, market, now)

	result, err := engine.RunDiscoveryCycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}

	if result.NewListings != 1 || result.ReadyTargets != 1 || result.ScheduledTargets != 1 {
		t.Fatalf("Unexpected result: %+v", result)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("Unexpected errors: %v", result.Errors)
	}

	target, err := st.GetTarget(context.Background(), "A")
	if err != nil || target == nil {
		t.Fatalf("Target missing: %v", err)
	}
	if target.HoursAdvanceNotice < 3.99 || target.HoursAdvanceNotice > 4.01 {
		t.Errorf("Expected ~4h advance notice, got %f", target.HoursAdvanceNotice)
	}
	if target.OrderParams.Symbol != "AUSDT" || target.OrderParams.Side != "BUY" ||
		target.OrderParams.Type != "MARKET" || target.OrderParams.QuoteOrderQty != 100 {
		t.Errorf("Unexpected order params: %+v", target.OrderParams)
	}
	if target.ExecutionStatus != store.TargetScheduled {
		t.Errorf("Expected scheduled, got %s", target.ExecutionStatus)
	}
}

func TestNotReadyThenReady(t *testing.T) {
	now := time.Now().UTC()
	notReady := mexc.SymbolV2Entry{Cd: "A", Sts: 1, St: 1, Tt: 1}
	market := &fakeMarket{
		calendar: []mexc.CalendarEntry{calendarEntry("A", now.Add(6 * time.Hour))},
		symbols:  map[string][]mexc.SymbolV2Entry{"A": {notReady}},
	}
	engine, st := newTestEngine(t, market, now)
	ctx := context.Background()

	// Cycle 1: symbol not ready
	result, err := engine.RunDiscoveryCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.ReadyTargets != 0 {
		t.Fatalf("Expected no targets on cycle 1, got %d", result.ReadyTargets)
	}
	listing, _ := st.GetListing(ctx, "A")
	if listing.Status != store.ListingMonitoring {
		t.Fatalf("Expected monitoring, got %s", listing.Status)
	}

	// Cycle 2: ready with complete data
	market.symbols["A"] = []mexc.SymbolV2Entry{readySymbol("A", "AUSDT", now.Add(5 * time.Hour))}
	result, err = engine.RunDiscoveryCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.ReadyTargets != 1 {
		t.Fatalf("Expected 1 target on cycle 2, got %d", result.ReadyTargets)
	}
	if result.NewListings != 0 {
		t.Errorf("Cycle 2 should not rediscover the listing")
	}
}

func TestTooShortAdvanceNotice(t *testing.T) {
	now := time.Now().UTC()
	market := &fakeMarket{
		calendar: []mexc.CalendarEntry{calendarEntry("A", now.Add(6 * time.Hour))},
		symbols: map[string][]mexc.SymbolV2Entry{
			"A": {readySymbol("A", "AUSDT", now.Add(1 * time.Hour))},
		},
	}
	engine, st := newTestEngine(t, market, now)
	ctx := context.Background()

	result, err := engine.RunDiscoveryCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.ReadyTargets != 0 {
		t.Fatalf("Expected no target, got %d", result.ReadyTargets)
	}

	listing, _ := st.GetListing(ctx, "A")
	if listing.Status != store.ListingMonitoring {
		t.Errorf("Expected listing to remain monitoring, got %s", listing.Status)
	}
	if target, _ := st.GetTarget(ctx, "A"); target != nil {
		t.Error("Target should not exist")
	}
}

func TestAdvanceNoticeBoundaryInclusive(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	// Exactly 3.5 hours: non-strict threshold, target is created
	market := &fakeMarket{
		calendar: []mexc.CalendarEntry{calendarEntry("A", now.Add(6 * time.Hour))},
		symbols: map[string][]mexc.SymbolV2Entry{
			"A": {readySymbol("A", "AUSDT", now.Add(3*time.Hour + 30*time.Minute))},
		},
	}
	engine, _ := newTestEngine(t, market, now)

	result, err := engine.RunDiscoveryCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.ReadyTargets != 1 {
		t.Fatalf("Expected target at exactly 3.5h advance, got %d", result.ReadyTargets)
	}
}

func TestIncompleteDataNoTarget(t *testing.T) {
	now := time.Now().UTC()
	incomplete := mexc.SymbolV2Entry{Cd: "A", Sts: 2, St: 2, Tt: 4} // ready triple, no metadata
	market := &fakeMarket{
		calendar: []mexc.CalendarEntry{calendarEntry("A", now.Add(6 * time.Hour))},
		symbols:  map[string][]mexc.SymbolV2Entry{"A": {incomplete}},
	}
	engine, st := newTestEngine(t, market, now)

	result, err := engine.RunDiscoveryCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.ReadyTargets != 0 {
		t.Fatal("Incomplete symbol must not produce a target")
	}
	listing, _ := st.GetListing(context.Background(), "A")
	if listing.Status != store.ListingMonitoring {
		t.Errorf("Expected monitoring, got %s", listing.Status)
	}
}

func TestMissedSchedule(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	engine, st := newTestEngine(t, &fakeMarket{}, now)
	ctx := context.Background()

	launch := now.Add(5 * time.Second)
	st.CreateListing(ctx, &store.MonitoredListing{
		VcoinID: "A", SymbolName: "ACOIN", ProjectName: "A",
		AnnouncedLaunchMs: launch.UnixMilli(), AnnouncedLaunch: launch,
		Status: store.ListingMonitoring,
	})
	st.CreateTargetAndMarkReady(ctx, &store.SnipeTarget{
		VcoinID: "A", Contract: "AUSDT", PricePrecision: 8, QtyPrecision: 6,
		ActualLaunchMs: launch.UnixMilli(), ActualLaunch: launch,
		DiscoveredAt: now.Add(-4 * time.Hour), HoursAdvanceNotice: 4,
		BuyAmountQuote: 100, ExecutionStatus: store.TargetPending,
	})

	result := &Result{Errors: []string{}}
	engine.scheduleTargets(ctx, result)

	target, _ := st.GetTarget(ctx, "A")
	if target.ExecutionStatus != store.TargetMissed {
		t.Errorf("Expected missed, got %s", target.ExecutionStatus)
	}
}

func TestScheduleBoundaryStrict(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	engine, st := newTestEngine(t, &fakeMarket{}, now)
	ctx := context.Background()

	// Exactly 10 seconds of lead: strict threshold, target is missed
	launch := now.Add(scheduleLeadTime)
	st.CreateListing(ctx, &store.MonitoredListing{
		VcoinID: "A", SymbolName: "ACOIN", ProjectName: "A",
		AnnouncedLaunchMs: launch.UnixMilli(), AnnouncedLaunch: launch,
		Status: store.ListingMonitoring,
	})
	st.CreateTargetAndMarkReady(ctx, &store.SnipeTarget{
		VcoinID: "A", Contract: "AUSDT", PricePrecision: 8, QtyPrecision: 6,
		ActualLaunchMs: launch.UnixMilli(), ActualLaunch: launch,
		DiscoveredAt: now.Add(-4 * time.Hour), HoursAdvanceNotice: 4,
		BuyAmountQuote: 100, ExecutionStatus: store.TargetPending,
	})

	result := &Result{Errors: []string{}}
	engine.scheduleTargets(ctx, result)

	target, _ := st.GetTarget(ctx, "A")
	if target.ExecutionStatus != store.TargetMissed {
		t.Errorf("Expected missed at exactly 10s lead, got %s", target.ExecutionStatus)
	}
}

func TestDuplicateCalendarIdempotent(t *testing.T) {
	now := time.Now().UTC()
	market := &fakeMarket{
		calendar: []mexc.CalendarEntry{calendarEntry("A", now.Add(6 * time.Hour))},
		symbols: map[string][]mexc.SymbolV2Entry{
			"A": {readySymbol("A", "AUSDT", now.Add(4 * time.Hour))},
		},
	}
	engine, _ := newTestEngine(t, market, now)
	ctx := context.Background()

	first, err := engine.RunDiscoveryCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := engine.RunDiscoveryCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if first.NewListings != 1 || first.ReadyTargets != 1 {
		t.Fatalf("Unexpected first cycle: %+v", first)
	}
	if second.NewListings != 0 || second.ReadyTargets != 0 {
		t.Fatalf("Second cycle must be a no-op: %+v", second)
	}
}

func TestPastCalendarEntriesSkipped(t *testing.T) {
	now := time.Now().UTC()
	market := &fakeMarket{
		calendar: []mexc.CalendarEntry{calendarEntry("OLD", now.Add(-1 * time.Hour))},
	}
	engine, st := newTestEngine(t, market, now)

	result, err := engine.RunDiscoveryCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.NewListings != 0 {
		t.Errorf("Past entry must not create a listing")
	}
	if listing, _ := st.GetListing(context.Background(), "OLD"); listing != nil {
		t.Error("Past listing persisted")
	}
}

func TestCalendarFailureAborts(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeMarket{calendarErr: errors.New("down")}, time.Now().UTC())

	if _, err := engine.RunDiscoveryCycle(context.Background()); err == nil {
		t.Fatal("Expected cycle to fail on calendar fetch")
	}
}

func TestSymbolFailureIsPerListing(t *testing.T) {
	now := time.Now().UTC()
	market := &fakeMarket{
		calendar:   []mexc.CalendarEntry{calendarEntry("A", now.Add(6 * time.Hour))},
		symbolsErr: errors.New("feed down"),
	}
	engine, _ := newTestEngine(t, market, now)

	result, err := engine.RunDiscoveryCycle(context.Background())
	if err != nil {
		t.Fatalf("Per-listing failure must not abort the cycle: %v", err)
	}
	if len(result.Errors) == 0 {
		t.Error("Expected errors to be collected")
	}
}

func TestCreateReadyTargetExisting(t *testing.T) {
	now := time.Now().UTC()
	market := &fakeMarket{
		calendar: []mexc.CalendarEntry{calendarEntry("A", now.Add(6 * time.Hour))},
		symbols: map[string][]mexc.SymbolV2Entry{
			"A": {readySymbol("A", "AUSDT", now.Add(4 * time.Hour))},
		},
	}
	engine, _ := newTestEngine(t, market, now)
	ctx := context.Background()

	if _, err := engine.RunDiscoveryCycle(ctx); err != nil {
		t.Fatal(err)
	}

	// Second creation attempt for the same vcoin is a silent no-op
	target, err := engine.CreateReadyTarget(ctx, "A", readySymbol("A", "AUSDT", now.Add(4*time.Hour)))
	if err != nil {
		t.Fatalf("Expected no error for existing target, got %v", err)
	}
	if target != nil {
		t.Error("Expected nil target when one already exists")
	}
}

func TestCreateReadyTargetPrecondition(t *testing.T) {
	now := time.Now().UTC()
	engine, st := newTestEngine(t, &fakeMarket{}, now)
	ctx := context.Background()

	launch := now.Add(6 * time.Hour)
	st.CreateListing(ctx, &store.MonitoredListing{
		VcoinID: "A", SymbolName: "ACOIN", ProjectName: "A",
		AnnouncedLaunchMs: launch.UnixMilli(), AnnouncedLaunch: launch,
		Status: store.ListingMonitoring,
	})

	_, err := engine.CreateReadyTarget(ctx, "A", readySymbol("A", "AUSDT", now.Add(30*time.Minute)))
	if !errors.Is(err, apperrors.ErrPrecondition) {
		t.Fatalf("Expected ErrPrecondition, got %v", err)
	}
}

func TestStatusQuery(t *testing.T) {
	now := time.Now().UTC()
	market := &fakeMarket{
		calendar: []mexc.CalendarEntry{calendarEntry("A", now.Add(6 * time.Hour))},
		symbols:  map[string][]mexc.SymbolV2Entry{"A": {{Cd: "A", Sts: 1, St: 1, Tt: 1}}},
	}
	engine, _ := newTestEngine(t, market, now)
	ctx := context.Background()

	if _, err := engine.RunDiscoveryCycle(ctx); err != nil {
		t.Fatal(err)
	}

	status, err := engine.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status["monitoring_listings"] != 1 {
		t.Errorf("Expected 1 monitoring listing, got %v", status["monitoring_listings"])
	}
	if status["running"] != false {
		t.Errorf("Expected running=false, got %v", status["running"])
	}
	if _, ok := status["last_calendar_check"]; !ok {
		t.Error("last_calendar_check must be set after a cycle")
	}
	cfg, ok := status["config"].(map[string]interface{})
	if !ok || cfg["ready_state_pattern"] != "(2,2,4)" {
		t.Errorf("Unexpected config snapshot: %v", status["config"])
	}
}
