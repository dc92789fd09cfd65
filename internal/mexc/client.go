package mexc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mexc_sniper/internal/core"
	apperrors "mexc_sniper/pkg/errors"
	httpclient "mexc_sniper/pkg/http"

	"golang.org/x/time/rate"
)

// Endpoint paths
const (
	PathCalendar  = "/api/operation/new_coin_calendar"
	PathSymbolsV2 = "/api/platform/spot/market-v2/web/symbolsV2"
	PathPing      = "/api/v3/ping"
	PathTime      = "/api/v3/time"
	PathAccount   = "/api/v3/account"
	PathOrder     = "/api/v3/order"
)

// Cache types and their TTLs
const (
	CacheTypeSymbols    = "symbols"
	CacheTypeCalendar   = "calendar"
	CacheTypeAccount    = "account"
	CacheTypeServerTime = "server_time"
)

// ClientOptions configures the adapter
type ClientOptions struct {
	BaseURL        string
	APIKey         string
	SecretKey      string
	CalendarPath   string
	SymbolsPath    string
	RequestTimeout time.Duration
	MinSpacing     time.Duration // minimum inter-request spacing
	TTLSymbols     time.Duration
	TTLCalendar    time.Duration
	TTLAccount     time.Duration
}

func (o *ClientOptions) applyDefaults() {
	if o.CalendarPath == "" {
		o.CalendarPath = PathCalendar
	}
	if o.SymbolsPath == "" {
		o.SymbolsPath = PathSymbolsV2
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.MinSpacing == 0 {
		o.MinSpacing = 100 * time.Millisecond
	}
	if o.TTLSymbols == 0 {
		o.TTLSymbols = 5 * time.Second
	}
	if o.TTLCalendar == 0 {
		o.TTLCalendar = 30 * time.Second
	}
	if o.TTLAccount == 0 {
		o.TTLAccount = 60 * time.Second
	}
}

// Client is the upstream adapter. One instance owns the HTTP connection pool
// and the rate-limit clock; safe for concurrent use.
type Client struct {
	opts    ClientOptions
	public  *httpclient.Client
	private *httpclient.Client
	cache   core.ICache
	limiter *rate.Limiter
	logger  core.ILogger
	now     func() time.Time
}

// NewClient creates the adapter. cache may be a no-op implementation; the
// adapter never fails on cache faults.
func NewClient(opts ClientOptions, cache core.ICache, logger core.ILogger) *Client {
	opts.applyDefaults()

	var signer httpclient.Signer
	if opts.SecretKey != "" {
		signer = NewSigner(opts.APIKey, opts.SecretKey)
	}

	return &Client{
		opts:    opts,
		public:  httpclient.NewClient(opts.BaseURL, opts.RequestTimeout, nil),
		private: httpclient.NewClient(opts.BaseURL, opts.RequestTimeout, signer),
		cache:   cache,
		limiter: rate.NewLimiter(rate.Every(opts.MinSpacing), 1),
		logger:  logger.WithField("component", "mexc_client"),
		now:     time.Now,
	}
}

// Configured reports whether signed endpoints are usable
func (c *Client) Configured() bool {
	return c.opts.APIKey != "" && c.opts.SecretKey != ""
}

// GetCalendar fetches the announced-listings calendar. Entries failing
// per-record validation are dropped individually.
func (c *Client) GetCalendar(ctx context.Context) ([]CalendarEntry, error) {
	var raw []CalendarEntry
	if c.cache.Get(ctx, "calendar", &raw) {
		return c.validCalendarEntries(raw), nil
	}

	body, err := c.get(ctx, c.public, c.opts.CalendarPath, nil)
	if err != nil {
		return nil, err
	}

	var resp calendarResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: calendar response: %v", apperrors.ErrUpstreamDecode, err)
	}

	c.cache.Set(ctx, "calendar", resp.Data, c.opts.TTLCalendar, CacheTypeCalendar)
	return c.validCalendarEntries(resp.Data), nil
}

func (c *Client) validCalendarEntries(raw []CalendarEntry) []CalendarEntry {
	entries := make([]CalendarEntry, 0, len(raw))
	for _, e := range raw {
		if !e.Valid() {
			c.logger.Debug("Dropping invalid calendar entry", "vcoin_id", e.VcoinID, "symbol", e.Symbol)
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// GetSymbols fetches the symbolsV2 feed. A non-empty vcoinID filters the
// result client-side by the cd field; the cache key includes the filter.
func (c *Client) GetSymbols(ctx context.Context, vcoinID string) ([]SymbolV2Entry, error) {
	cacheKey := "symbols:all"
	if vcoinID != "" {
		cacheKey = "symbols:" + vcoinID
	}

	var cached []SymbolV2Entry
	if c.cache.Get(ctx, cacheKey, &cached) {
		return cached, nil
	}

	body, err := c.get(ctx, c.public, c.opts.SymbolsPath, nil)
	if err != nil {
		return nil, err
	}

	var resp symbolsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: symbols response: %v", apperrors.ErrUpstreamDecode, err)
	}

	symbols := resp.Data.Symbols
	if vcoinID != "" {
		filtered := make([]SymbolV2Entry, 0, 1)
		for _, s := range symbols {
			if s.Cd == vcoinID {
				filtered = append(filtered, s)
			}
		}
		symbols = filtered
	}

	c.cache.Set(ctx, cacheKey, symbols, c.opts.TTLSymbols, CacheTypeSymbols)
	return symbols, nil
}

// Ping checks upstream reachability
func (c *Client) Ping(ctx context.Context) bool {
	_, err := c.get(ctx, c.public, PathPing, nil)
	return err == nil
}

// ServerTime returns the upstream clock in ms epoch, falling back to the
// local clock when the endpoint is unreachable. TTL 10s.
func (c *Client) ServerTime(ctx context.Context) int64 {
	var cached int64
	if c.cache.Get(ctx, "server_time", &cached) {
		return cached
	}

	body, err := c.get(ctx, c.public, PathTime, nil)
	if err != nil {
		c.logger.Warn("Server time unavailable, using local clock", "error", err)
		return c.now().UnixMilli()
	}

	var resp serverTimeResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.ServerTime == 0 {
		c.logger.Warn("Server time response invalid, using local clock")
		return c.now().UnixMilli()
	}

	c.cache.Set(ctx, "server_time", resp.ServerTime, 10*time.Second, CacheTypeServerTime)
	return resp.ServerTime
}

// AccountInfo fetches the signed account snapshot. TTL 60s.
func (c *Client) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%w: exchange credentials not configured", apperrors.ErrConfigMissing)
	}

	var cached AccountInfo
	if c.cache.Get(ctx, "account", &cached) {
		return &cached, nil
	}

	body, err := c.get(ctx, c.private, PathAccount, nil)
	if err != nil {
		return nil, err
	}

	var info AccountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("%w: account response: %v", apperrors.ErrUpstreamDecode, err)
	}

	c.cache.Set(ctx, "account", info, c.opts.TTLAccount, CacheTypeAccount)
	return &info, nil
}

// PlaceMarketBuy submits a signed market buy spending quoteQty of the quote
// asset. Never cached, never retried past the transport layer.
func (c *Client) PlaceMarketBuy(ctx context.Context, symbol string, quoteQty float64) (*OrderResponse, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%w: exchange credentials not configured", apperrors.ErrConfigMissing)
	}
	if symbol == "" || quoteQty <= 0 {
		return nil, fmt.Errorf("%w: invalid order parameters", apperrors.ErrValidation)
	}

	params := map[string]string{
		"symbol":        symbol,
		"side":          "BUY",
		"type":          "MARKET",
		"quoteOrderQty": fmt.Sprintf("%.8f", quoteQty),
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrCancelled, err)
	}

	body, err := c.private.Post(ctx, PathOrder, params)
	if err != nil {
		return nil, c.mapError(err)
	}

	var resp OrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: order response: %v", apperrors.ErrUpstreamDecode, err)
	}

	c.logger.Info("Market buy placed", "symbol", symbol, "quote_qty", quoteQty, "order_id", resp.OrderID)
	return &resp, nil
}

// get performs a rate-limited GET via the given client, mapping failures to
// the adapter error kinds
func (c *Client) get(ctx context.Context, client *httpclient.Client, path string, params map[string]string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrCancelled, err)
	}

	body, err := client.Get(ctx, path, params)
	if err != nil {
		return nil, c.mapError(err)
	}
	return body, nil
}

// mapError maps transport and HTTP failures onto the error taxonomy
func (c *Client) mapError(err error) error {
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 {
			return fmt.Errorf("%w: status=%d body=%s", apperrors.ErrRateLimited, apiErr.StatusCode, apiErr.Body)
		}
		return fmt.Errorf("%w: status=%d body=%s", apperrors.ErrUpstreamHTTP, apiErr.StatusCode, apiErr.Body)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", apperrors.ErrCancelled, err)
	}
	return fmt.Errorf("%w: %v", apperrors.ErrUpstreamNetwork, err)
}
