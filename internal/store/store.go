// Package store implements durable persistence for monitored listings, snipe
// targets, and execution history on database/sql. SQLite is the default
// backend; a postgres:// DATABASE_URL switches to pgx.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mexc_sniper/internal/core"
	apperrors "mexc_sniper/pkg/errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

// Store is the persistence contract consumed by the discovery engine and the
// workflows. All operations are transactional; creators are conflict-tolerant.
type Store interface {
	GetListing(ctx context.Context, vcoinID string) (*MonitoredListing, error)
	CreateListing(ctx context.Context, listing *MonitoredListing) (bool, error)
	ListMonitoring(ctx context.Context) ([]*MonitoredListing, error)
	UpdateListingStatus(ctx context.Context, vcoinID string, status ListingStatus) error

	GetTarget(ctx context.Context, vcoinID string) (*SnipeTarget, error)
	GetTargetByID(ctx context.Context, id int64) (*SnipeTarget, error)
	CreateTargetAndMarkReady(ctx context.Context, target *SnipeTarget) (bool, error)
	UpdateTargetStatus(ctx context.Context, id int64, status TargetStatus, response *string, executedAt *time.Time) error
	ListPendingTargets(ctx context.Context) ([]*SnipeTarget, error)

	AppendExecution(ctx context.Context, record *ExecutionRecord) error

	StatusCounts(ctx context.Context) (*StatusCounts, error)
	Close() error
}

// SQLStore implements Store on database/sql
type SQLStore struct {
	db       *sql.DB
	postgres bool
	logger   core.ILogger
}

// Open connects to the configured database and ensures the schema exists
func Open(ctx context.Context, databaseURL string, logger core.ILogger) (*SQLStore, error) {
	var (
		db       *sql.DB
		postgres bool
		err      error
	)

	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		db, err = sql.Open("pgx", databaseURL)
		postgres = true
	} else {
		dsn := databaseURL
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000&_loc=UTC"
		}
		db, err = sql.Open("sqlite3", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", apperrors.ErrDBUnavailable, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: database unreachable: %v", apperrors.ErrDBUnavailable, err)
	}

	s := &SQLStore{
		db:       db,
		postgres: postgres,
		logger:   logger.WithField("component", "store"),
	}

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.logger.Info("Store opened", "backend", s.backend())
	return s, nil
}

func (s *SQLStore) backend() string {
	if s.postgres {
		return "postgres"
	}
	return "sqlite"
}

func (s *SQLStore) migrate(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.postgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS monitored_listings (
			vcoin_id            TEXT PRIMARY KEY,
			symbol_name         TEXT NOT NULL,
			project_name        TEXT NOT NULL,
			announced_launch_ms BIGINT NOT NULL,
			announced_launch    TIMESTAMP NOT NULL,
			status              TEXT NOT NULL,
			created_at          TIMESTAMP NOT NULL,
			updated_at          TIMESTAMP NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS snipe_targets (
			id                   %s,
			vcoin_id             TEXT NOT NULL UNIQUE REFERENCES monitored_listings(vcoin_id),
			contract             TEXT NOT NULL,
			price_precision      INTEGER NOT NULL,
			qty_precision        INTEGER NOT NULL,
			actual_launch_ms     BIGINT NOT NULL,
			actual_launch        TIMESTAMP NOT NULL,
			discovered_at        TIMESTAMP NOT NULL,
			hours_advance_notice DOUBLE PRECISION NOT NULL,
			buy_amount_quote     DOUBLE PRECISION NOT NULL,
			order_params         TEXT NOT NULL,
			execution_status     TEXT NOT NULL,
			execution_response   TEXT,
			executed_at          TIMESTAMP
		)`, serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS execution_history (
			id               %s,
			vcoin_id         TEXT NOT NULL,
			contract         TEXT NOT NULL,
			executed_at      TIMESTAMP NOT NULL,
			execution_type   TEXT NOT NULL,
			buy_amount_quote DOUBLE PRECISION NOT NULL,
			success          BOOLEAN NOT NULL,
			order_id         TEXT,
			filled_qty       DOUBLE PRECISION,
			avg_price        DOUBLE PRECISION,
			total_cost_quote DOUBLE PRECISION,
			duration_ms      BIGINT,
			error_kind       TEXT,
			error_message    TEXT
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_listings_status ON monitored_listings(status)`,
		`CREATE INDEX IF NOT EXISTS idx_targets_status ON snipe_targets(execution_status)`,
		`CREATE INDEX IF NOT EXISTS idx_history_vcoin ON execution_history(vcoin_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: migration failed: %v", apperrors.ErrDBUnavailable, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// withTx runs fn inside a transaction with commit on success and rollback on
// error or panic
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin failed: %v", apperrors.ErrDBUnavailable, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit failed: %v", apperrors.ErrDBUnavailable, err)
	}
	return nil
}

// isUniqueViolation reports whether err is a unique-key conflict on either
// backend
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return false
}

// GetListing returns the listing for vcoinID, or nil when absent
func (s *SQLStore) GetListing(ctx context.Context, vcoinID string) (*MonitoredListing, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT vcoin_id, symbol_name, project_name, announced_launch_ms,
		        announced_launch, status, created_at, updated_at
		 FROM monitored_listings WHERE vcoin_id = ?`), vcoinID)
	return scanListing(row)
}

// CreateListing inserts a listing. Returns false without error when a listing
// for the same vcoin already exists (the other creator won the race).
func (s *SQLStore) CreateListing(ctx context.Context, listing *MonitoredListing) (bool, error) {
	now := time.Now().UTC()
	if listing.CreatedAt.IsZero() {
		listing.CreatedAt = now
	}
	listing.UpdatedAt = now
	if listing.Status == "" {
		listing.Status = ListingMonitoring
	}

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO monitored_listings
		 (vcoin_id, symbol_name, project_name, announced_launch_ms, announced_launch, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		listing.VcoinID, listing.SymbolName, listing.ProjectName,
		listing.AnnouncedLaunchMs, listing.AnnouncedLaunch.UTC(),
		string(listing.Status), listing.CreatedAt, listing.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: insert listing failed: %v", apperrors.ErrDBUnavailable, err)
	}
	return true, nil
}

// ListMonitoring returns all listings still in the monitoring state
func (s *SQLStore) ListMonitoring(ctx context.Context) ([]*MonitoredListing, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT vcoin_id, symbol_name, project_name, announced_launch_ms,
		        announced_launch, status, created_at, updated_at
		 FROM monitored_listings WHERE status = ? ORDER BY announced_launch`),
		string(ListingMonitoring))
	if err != nil {
		return nil, fmt.Errorf("%w: list monitoring failed: %v", apperrors.ErrDBUnavailable, err)
	}
	defer rows.Close()

	var listings []*MonitoredListing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// UpdateListingStatus advances a listing's lifecycle state
func (s *SQLStore) UpdateListingStatus(ctx context.Context, vcoinID string, status ListingStatus) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE monitored_listings SET status = ?, updated_at = ? WHERE vcoin_id = ?`),
		string(status), time.Now().UTC(), vcoinID)
	if err != nil {
		return fmt.Errorf("%w: update listing failed: %v", apperrors.ErrDBUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: listing %s not found", apperrors.ErrValidation, vcoinID)
	}
	return nil
}

// GetTarget returns the target for vcoinID, or nil when absent
func (s *SQLStore) GetTarget(ctx context.Context, vcoinID string) (*SnipeTarget, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(targetSelect+` WHERE vcoin_id = ?`), vcoinID)
	return scanTarget(row)
}

// GetTargetByID returns the target with the given surrogate id, or nil
func (s *SQLStore) GetTargetByID(ctx context.Context, id int64) (*SnipeTarget, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(targetSelect+` WHERE id = ?`), id)
	return scanTarget(row)
}

// CreateTargetAndMarkReady inserts a target and advances the owning listing
// to ready in the same transaction. Returns false without error when a target
// for the same vcoin already exists.
func (s *SQLStore) CreateTargetAndMarkReady(ctx context.Context, target *SnipeTarget) (bool, error) {
	params, err := json.Marshal(target.OrderParams)
	if err != nil {
		return false, fmt.Errorf("%w: encode order params: %v", apperrors.ErrInternal, err)
	}
	if target.ExecutionStatus == "" {
		target.ExecutionStatus = TargetPending
	}

	var created bool
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO snipe_targets
			 (vcoin_id, contract, price_precision, qty_precision, actual_launch_ms,
			  actual_launch, discovered_at, hours_advance_notice, buy_amount_quote,
			  order_params, execution_status)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			target.VcoinID, target.Contract, target.PricePrecision, target.QtyPrecision,
			target.ActualLaunchMs, target.ActualLaunch.UTC(), target.DiscoveredAt.UTC(),
			target.HoursAdvanceNotice, target.BuyAmountQuote,
			string(params), string(target.ExecutionStatus))
		if err != nil {
			if isUniqueViolation(err) {
				return apperrors.ErrDBConflict
			}
			return fmt.Errorf("%w: insert target failed: %v", apperrors.ErrDBUnavailable, err)
		}

		if !s.postgres {
			target.ID, _ = res.LastInsertId()
		} else {
			row := tx.QueryRowContext(ctx, s.rebind(
				`SELECT id FROM snipe_targets WHERE vcoin_id = ?`), target.VcoinID)
			if err := row.Scan(&target.ID); err != nil {
				return fmt.Errorf("%w: read target id: %v", apperrors.ErrDBUnavailable, err)
			}
		}

		if _, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE monitored_listings SET status = ?, updated_at = ? WHERE vcoin_id = ?`),
			string(ListingReady), time.Now().UTC(), target.VcoinID); err != nil {
			return fmt.Errorf("%w: mark listing ready: %v", apperrors.ErrDBUnavailable, err)
		}

		created = true
		return nil
	})
	if errors.Is(err, apperrors.ErrDBConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return created, nil
}

// UpdateTargetStatus advances a target's execution state, optionally recording
// the execution response and completion time
func (s *SQLStore) UpdateTargetStatus(ctx context.Context, id int64, status TargetStatus, response *string, executedAt *time.Time) error {
	var execAt interface{}
	if executedAt != nil {
		t := executedAt.UTC()
		execAt = t
	}

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE snipe_targets
		 SET execution_status = ?,
		     execution_response = COALESCE(?, execution_response),
		     executed_at = COALESCE(?, executed_at)
		 WHERE id = ?`),
		string(status), response, execAt, id)
	if err != nil {
		return fmt.Errorf("%w: update target failed: %v", apperrors.ErrDBUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: target %d not found", apperrors.ErrValidation, id)
	}
	return nil
}

// ListPendingTargets returns targets awaiting execution (pending or scheduled)
func (s *SQLStore) ListPendingTargets(ctx context.Context) ([]*SnipeTarget, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		targetSelect+` WHERE execution_status IN (?, ?) ORDER BY actual_launch`),
		string(TargetPending), string(TargetScheduled))
	if err != nil {
		return nil, fmt.Errorf("%w: list pending targets failed: %v", apperrors.ErrDBUnavailable, err)
	}
	defer rows.Close()

	var targets []*SnipeTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// AppendExecution records one execution attempt
func (s *SQLStore) AppendExecution(ctx context.Context, record *ExecutionRecord) error {
	if record.ExecutedAt.IsZero() {
		record.ExecutedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO execution_history
		 (vcoin_id, contract, executed_at, execution_type, buy_amount_quote, success,
		  order_id, filled_qty, avg_price, total_cost_quote, duration_ms, error_kind, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		record.VcoinID, record.Contract, record.ExecutedAt.UTC(), string(record.ExecutionType),
		record.BuyAmountQuote, record.Success,
		record.OrderID, record.FilledQty, record.AvgPrice, record.TotalCostQuote,
		record.DurationMs, record.ErrorKind, record.ErrorMessage)
	if err != nil {
		return fmt.Errorf("%w: append execution failed: %v", apperrors.ErrDBUnavailable, err)
	}
	return nil
}

// StatusCounts returns the aggregate counts backing the status query
func (s *SQLStore) StatusCounts(ctx context.Context) (*StatusCounts, error) {
	counts := &StatusCounts{}

	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM monitored_listings WHERE status = ?`),
		string(ListingMonitoring))
	if err := row.Scan(&counts.Monitoring); err != nil {
		return nil, fmt.Errorf("%w: count monitoring failed: %v", apperrors.ErrDBUnavailable, err)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT execution_status, COUNT(*) FROM snipe_targets
		 WHERE execution_status IN (?, ?) GROUP BY execution_status`),
		string(TargetPending), string(TargetScheduled))
	if err != nil {
		return nil, fmt.Errorf("%w: count targets failed: %v", apperrors.ErrDBUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("%w: scan target counts: %v", apperrors.ErrDBUnavailable, err)
		}
		switch TargetStatus(status) {
		case TargetPending:
			counts.Pending = n
		case TargetScheduled:
			counts.Scheduled = n
		}
	}
	return counts, rows.Err()
}

// Close releases the database handle
func (s *SQLStore) Close() error {
	return s.db.Close()
}

const targetSelect = `SELECT id, vcoin_id, contract, price_precision, qty_precision,
       actual_launch_ms, actual_launch, discovered_at, hours_advance_notice,
       buy_amount_quote, order_params, execution_status, execution_response, executed_at
  FROM snipe_targets`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanListing(row rowScanner) (*MonitoredListing, error) {
	var l MonitoredListing
	var status string
	err := row.Scan(&l.VcoinID, &l.SymbolName, &l.ProjectName, &l.AnnouncedLaunchMs,
		&l.AnnouncedLaunch, &status, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan listing failed: %v", apperrors.ErrDBUnavailable, err)
	}
	l.Status = ListingStatus(status)
	l.AnnouncedLaunch = l.AnnouncedLaunch.UTC()
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}

func scanTarget(row rowScanner) (*SnipeTarget, error) {
	var t SnipeTarget
	var status, params string
	var executedAt sql.NullTime
	err := row.Scan(&t.ID, &t.VcoinID, &t.Contract, &t.PricePrecision, &t.QtyPrecision,
		&t.ActualLaunchMs, &t.ActualLaunch, &t.DiscoveredAt, &t.HoursAdvanceNotice,
		&t.BuyAmountQuote, &params, &status, &t.ExecutionResponse, &executedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan target failed: %v", apperrors.ErrDBUnavailable, err)
	}
	t.ExecutionStatus = TargetStatus(status)
	t.ActualLaunch = t.ActualLaunch.UTC()
	t.DiscoveredAt = t.DiscoveredAt.UTC()
	if executedAt.Valid {
		at := executedAt.Time.UTC()
		t.ExecutedAt = &at
	}
	if err := json.Unmarshal([]byte(params), &t.OrderParams); err != nil {
		return nil, fmt.Errorf("%w: decode order params: %v", apperrors.ErrInternal, err)
	}
	return &t, nil
}
