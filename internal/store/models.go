package store

import (
	"time"

	"mexc_sniper/internal/core"
)

// ListingStatus is the lifecycle state of a monitored listing
type ListingStatus string

const (
	ListingMonitoring      ListingStatus = "monitoring"
	ListingReady           ListingStatus = "ready"
	ListingScheduled       ListingStatus = "scheduled"
	ListingExecutedSuccess ListingStatus = "executed_success"
	ListingExecutedFailed  ListingStatus = "executed_failed"
	ListingMissed          ListingStatus = "missed"
	ListingError           ListingStatus = "error"
)

// TargetStatus is the execution state of a snipe target
type TargetStatus string

const (
	TargetPending   TargetStatus = "pending"
	TargetScheduled TargetStatus = "scheduled"
	TargetExecuting TargetStatus = "executing"
	TargetSuccess   TargetStatus = "success"
	TargetFailed    TargetStatus = "failed"
	TargetCancelled TargetStatus = "cancelled"
	TargetMissed    TargetStatus = "missed"
)

// ExecutionType classifies an execution history record
type ExecutionType string

const (
	ExecutionSnipe  ExecutionType = "snipe"
	ExecutionManual ExecutionType = "manual"
	ExecutionTest   ExecutionType = "test"
)

// MonitoredListing is a durable record of a calendar sighting, one per vcoin
type MonitoredListing struct {
	VcoinID           string
	SymbolName        string
	ProjectName       string
	AnnouncedLaunchMs int64
	AnnouncedLaunch   time.Time
	Status            ListingStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SnipeTarget is a fully-parameterized intent to buy at launch, at most one
// per vcoin
type SnipeTarget struct {
	ID                 int64
	VcoinID            string
	Contract           string
	PricePrecision     int
	QtyPrecision       int
	ActualLaunchMs     int64
	ActualLaunch       time.Time
	DiscoveredAt       time.Time
	HoursAdvanceNotice float64
	BuyAmountQuote     float64
	OrderParams        core.OrderParams
	ExecutionStatus    TargetStatus
	ExecutionResponse  *string
	ExecutedAt         *time.Time
}

// ExecutionRecord is an append-only record of one execution attempt
type ExecutionRecord struct {
	ID             int64
	VcoinID        string
	Contract       string
	ExecutedAt     time.Time
	ExecutionType  ExecutionType
	BuyAmountQuote float64
	Success        bool
	OrderID        *string
	FilledQty      *float64
	AvgPrice       *float64
	TotalCostQuote *float64
	DurationMs     *int64
	ErrorKind      *string
	ErrorMessage   *string
}

// StatusCounts is the aggregate snapshot used by the discovery status query
type StatusCounts struct {
	Monitoring int
	Pending    int
	Scheduled  int
}
