package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"mexc_sniper/internal/core"
	"mexc_sniper/pkg/logging"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	logger, _ := logging.NewZapLogger("ERROR")
	s, err := Open(context.Background(), "file:"+t.Name()+"?mode=memory&cache=shared&_loc=UTC", logger)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testListing(vcoin string, launch time.Time) *MonitoredListing {
	return &MonitoredListing{
		VcoinID:           vcoin,
		SymbolName:        vcoin + "COIN",
		ProjectName:       "Project " + vcoin,
		AnnouncedLaunchMs: launch.UnixMilli(),
		AnnouncedLaunch:   launch,
		Status:            ListingMonitoring,
	}
}

func testTarget(vcoin string, launch time.Time) *SnipeTarget {
	return &SnipeTarget{
		VcoinID:            vcoin,
		Contract:           vcoin + "USDT",
		PricePrecision:     8,
		QtyPrecision:       6,
		ActualLaunchMs:     launch.UnixMilli(),
		ActualLaunch:       launch,
		DiscoveredAt:       time.Now().UTC(),
		HoursAdvanceNotice: 4.0,
		BuyAmountQuote:     100,
		OrderParams: core.OrderParams{
			Symbol:        vcoin + "USDT",
			Side:          "BUY",
			Type:          "MARKET",
			QuoteOrderQty: 100,
		},
		ExecutionStatus: TargetPending,
	}
}

func TestCreateListingIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	launch := time.Now().UTC().Add(6 * time.Hour).Truncate(time.Second)

	created, err := s.CreateListing(ctx, testListing("A", launch))
	if err != nil || !created {
		t.Fatalf("Expected first create to succeed, created=%v err=%v", created, err)
	}

	// Duplicate vcoin loses the race cleanly
	created, err = s.CreateListing(ctx, testListing("A", launch))
	if err != nil {
		t.Fatalf("Duplicate create errored: %v", err)
	}
	if created {
		t.Error("Duplicate create reported success")
	}

	got, err := s.GetListing(ctx, "A")
	if err != nil {
		t.Fatalf("GetListing failed: %v", err)
	}
	if got == nil || got.Status != ListingMonitoring {
		t.Fatalf("Unexpected listing: %+v", got)
	}
	if !got.AnnouncedLaunch.Equal(launch) {
		t.Errorf("Launch time mismatch: want %v, got %v", launch, got.AnnouncedLaunch)
	}
}

func TestGetListingAbsent(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetListing(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetListing failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil for absent listing, got %+v", got)
	}
}

func TestListMonitoring(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	launch := time.Now().UTC().Add(6 * time.Hour)

	for _, v := range []string{"A", "B", "C"} {
		if _, err := s.CreateListing(ctx, testListing(v, launch)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UpdateListingStatus(ctx, "B", ListingReady); err != nil {
		t.Fatal(err)
	}

	monitoring, err := s.ListMonitoring(ctx)
	if err != nil {
		t.Fatalf("ListMonitoring failed: %v", err)
	}
	if len(monitoring) != 2 {
		t.Fatalf("Expected 2 monitoring listings, got %d", len(monitoring))
	}
}

func TestCreateTargetMarksListingReady(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	launch := time.Now().UTC().Add(6 * time.Hour).Truncate(time.Second)

	if _, err := s.CreateListing(ctx, testListing("A", launch)); err != nil {
		t.Fatal(err)
	}

	created, err := s.CreateTargetAndMarkReady(ctx, testTarget("A", launch))
	if err != nil || !created {
		t.Fatalf("Expected target create to succeed, created=%v err=%v", created, err)
	}

	listing, _ := s.GetListing(ctx, "A")
	if listing.Status != ListingReady {
		t.Errorf("Expected listing ready, got %s", listing.Status)
	}

	target, err := s.GetTarget(ctx, "A")
	if err != nil {
		t.Fatalf("GetTarget failed: %v", err)
	}
	if target == nil || target.ID == 0 {
		t.Fatalf("Target not persisted: %+v", target)
	}
	if target.OrderParams.QuoteOrderQty != 100 {
		t.Errorf("Order params lost in round trip: %+v", target.OrderParams)
	}

	byID, err := s.GetTargetByID(ctx, target.ID)
	if err != nil || byID == nil || byID.VcoinID != "A" {
		t.Fatalf("GetTargetByID failed: %+v err=%v", byID, err)
	}
}

func TestTargetUniquenessPerVcoin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	launch := time.Now().UTC().Add(6 * time.Hour)

	if _, err := s.CreateListing(ctx, testListing("A", launch)); err != nil {
		t.Fatal(err)
	}
	if created, err := s.CreateTargetAndMarkReady(ctx, testTarget("A", launch)); err != nil || !created {
		t.Fatalf("First target create failed: created=%v err=%v", created, err)
	}

	created, err := s.CreateTargetAndMarkReady(ctx, testTarget("A", launch))
	if err != nil {
		t.Fatalf("Duplicate target create errored: %v", err)
	}
	if created {
		t.Error("Duplicate target create reported success")
	}
}

func TestUpdateTargetStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	launch := time.Now().UTC().Add(6 * time.Hour)

	s.CreateListing(ctx, testListing("A", launch))
	s.CreateTargetAndMarkReady(ctx, testTarget("A", launch))

	target, _ := s.GetTarget(ctx, "A")

	resp, _ := json.Marshal(map[string]string{"orderId": "42"})
	respStr := string(resp)
	executedAt := time.Now().UTC().Truncate(time.Second)

	if err := s.UpdateTargetStatus(ctx, target.ID, TargetSuccess, &respStr, &executedAt); err != nil {
		t.Fatalf("UpdateTargetStatus failed: %v", err)
	}

	updated, _ := s.GetTargetByID(ctx, target.ID)
	if updated.ExecutionStatus != TargetSuccess {
		t.Errorf("Expected success, got %s", updated.ExecutionStatus)
	}
	if updated.ExecutionResponse == nil || *updated.ExecutionResponse != respStr {
		t.Error("Execution response not persisted")
	}
	if updated.ExecutedAt == nil || !updated.ExecutedAt.Equal(executedAt) {
		t.Errorf("Executed-at not persisted: %v", updated.ExecutedAt)
	}
}

func TestListPendingTargets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	launch := time.Now().UTC().Add(6 * time.Hour)

	for _, v := range []string{"A", "B", "C"} {
		s.CreateListing(ctx, testListing(v, launch))
		s.CreateTargetAndMarkReady(ctx, testTarget(v, launch))
	}

	tb, _ := s.GetTarget(ctx, "B")
	s.UpdateTargetStatus(ctx, tb.ID, TargetScheduled, nil, nil)
	tc, _ := s.GetTarget(ctx, "C")
	s.UpdateTargetStatus(ctx, tc.ID, TargetMissed, nil, nil)

	pending, err := s.ListPendingTargets(ctx)
	if err != nil {
		t.Fatalf("ListPendingTargets failed: %v", err)
	}
	// pending + scheduled, missed excluded
	if len(pending) != 2 {
		t.Fatalf("Expected 2 pending/scheduled targets, got %d", len(pending))
	}

	counts, err := s.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("StatusCounts failed: %v", err)
	}
	if counts.Pending != 1 || counts.Scheduled != 1 {
		t.Errorf("Unexpected counts: %+v", counts)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	unique := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}
	if !isUniqueViolation(unique) {
		t.Error("Unique constraint not recognized")
	}
	pk := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}
	if !isUniqueViolation(pk) {
		t.Error("Primary-key constraint not recognized")
	}

	// Other constraint classes are genuine errors, not lost races
	notNull := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintNotNull}
	if isUniqueViolation(notNull) {
		t.Error("NOT NULL violation must not be treated as a duplicate")
	}
	check := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintCheck}
	if isUniqueViolation(check) {
		t.Error("CHECK violation must not be treated as a duplicate")
	}

	if !isUniqueViolation(&pgconn.PgError{Code: pgerrcode.UniqueViolation}) {
		t.Error("Postgres unique violation not recognized")
	}
	if isUniqueViolation(&pgconn.PgError{Code: pgerrcode.NotNullViolation}) {
		t.Error("Postgres NOT NULL violation must not be treated as a duplicate")
	}

	// Wrapped errors still match
	wrapped := fmt.Errorf("insert failed: %w", unique)
	if !isUniqueViolation(wrapped) {
		t.Error("Wrapped unique violation not recognized")
	}
	if isUniqueViolation(errors.New("plain failure")) {
		t.Error("Arbitrary error treated as a duplicate")
	}
}

func TestAppendExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orderID := "42"
	filled := 1.5
	if err := s.AppendExecution(ctx, &ExecutionRecord{
		VcoinID:        "A",
		Contract:       "AUSDT",
		ExecutionType:  ExecutionSnipe,
		BuyAmountQuote: 100,
		Success:        true,
		OrderID:        &orderID,
		FilledQty:      &filled,
	}); err != nil {
		t.Fatalf("AppendExecution failed: %v", err)
	}
}
