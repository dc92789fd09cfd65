// Package mexc implements the upstream exchange adapter: calendar and symbol
// feeds, signed order placement, rate limiting, and response caching.
package mexc

import (
	"time"

	"github.com/shopspring/decimal"
)

// CalendarEntry is one announced listing from the new-coin calendar feed
type CalendarEntry struct {
	VcoinID       string `json:"vcoinId"`
	Symbol        string `json:"symbol"`
	ProjectName   string `json:"projectName"`
	FirstOpenTime int64  `json:"firstOpenTime"` // ms epoch
}

// Valid reports whether the entry carries the fields the discovery engine
// joins on
func (e CalendarEntry) Valid() bool {
	return e.VcoinID != "" && e.Symbol != "" && e.FirstOpenTime > 0
}

// LaunchTime converts the announced launch instant to UTC
func (e CalendarEntry) LaunchTime() time.Time {
	return time.UnixMilli(e.FirstOpenTime).UTC()
}

// SymbolV2Entry is one symbol record from the symbolsV2 feed. Optional fields
// are pointers so absence is distinguishable from zero.
type SymbolV2Entry struct {
	Cd  string `json:"cd"` // vcoin id
	Ca  string `json:"ca"` // contract / tradeable symbol
	Ps  *int   `json:"ps"` // price scale
	Qs  *int   `json:"qs"` // qty scale
	Sts int    `json:"sts"`
	St  int    `json:"st"`
	Tt  int    `json:"tt"`
	Ot  *int64 `json:"ot"` // open time, ms epoch
}

// MatchesReadyPattern reports whether the state triple equals the ready
// pattern (sts, st, tt)
func (s SymbolV2Entry) MatchesReadyPattern(pattern [3]int) bool {
	return s.Sts == pattern[0] && s.St == pattern[1] && s.Tt == pattern[2]
}

// HasCompleteData reports whether all trading metadata needed for a snipe
// target is present
func (s SymbolV2Entry) HasCompleteData() bool {
	return s.Ca != "" && s.Ps != nil && s.Qs != nil && s.Ot != nil
}

// LaunchTime converts the open time to UTC; zero time when absent
func (s SymbolV2Entry) LaunchTime() time.Time {
	if s.Ot == nil {
		return time.Time{}
	}
	return time.UnixMilli(*s.Ot).UTC()
}

// OrderResponse is the exchange's reply to a placed order
type OrderResponse struct {
	Symbol              string          `json:"symbol"`
	OrderID             string          `json:"orderId"`
	OrderListID         int64           `json:"orderListId"`
	Price               decimal.Decimal `json:"price"`
	OrigQty             decimal.Decimal `json:"origQty"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Status              string          `json:"status"`
	Type                string          `json:"type"`
	Side                string          `json:"side"`
	TransactTime        int64           `json:"transactTime"`
}

// Balance is one asset balance in the account snapshot
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// AccountInfo is the signed account endpoint response
type AccountInfo struct {
	CanTrade    bool      `json:"canTrade"`
	CanWithdraw bool      `json:"canWithdraw"`
	CanDeposit  bool      `json:"canDeposit"`
	AccountType string    `json:"accountType"`
	Balances    []Balance `json:"balances"`
}

// calendarResponse is the raw calendar endpoint envelope
type calendarResponse struct {
	Data []CalendarEntry `json:"data"`
}

// symbolsResponse is the raw symbolsV2 endpoint envelope
type symbolsResponse struct {
	Data struct {
		Symbols []SymbolV2Entry `json:"symbols"`
	} `json:"data"`
}

// serverTimeResponse is the /api/v3/time envelope
type serverTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}
