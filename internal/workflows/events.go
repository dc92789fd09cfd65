// Package workflows implements the durable work scheduler: cron-triggered
// calendar polls and event-triggered per-symbol rechecks on DBOS.
package workflows

import (
	"time"

	"github.com/google/uuid"
)

// Event names are part of the external contract
const (
	EventCalendarPollRequested = "admin.calendar.poll.requested"
	EventNewListingDiscovered  = "mexc.new_listing_discovered"
	EventSymbolRecheckNeeded   = "mexc.symbol_recheck_needed"
	EventTargetReady           = "mexc.target_ready"
)

// Event is one internal bus message. Delivery is at-least-once; handlers must
// be idempotent.
type Event struct {
	ID        uuid.UUID              `json:"id"`
	Name      string                 `json:"name"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvent creates an event with a fresh id and UTC timestamp
func NewEvent(name string, data map[string]interface{}) Event {
	return Event{
		ID:        uuid.New(),
		Name:      name,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}
