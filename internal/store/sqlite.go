package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"optbot/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ LedgerStore = (*SQLiteStore)(nil)
var _ TickerStore = (*SQLiteStore)(nil)

// SQLiteStore implements LedgerStore and TickerStore backed by a SQLite
// database. Timestamps are stored as Unix milliseconds; zero means unset.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id              TEXT PRIMARY KEY,
	ticker          TEXT NOT NULL,
	contract_symbol TEXT NOT NULL,
	option_type     TEXT NOT NULL,
	strike          REAL NOT NULL,
	expiration      TEXT NOT NULL,
	entry_price     REAL NOT NULL CHECK (entry_price > 0),
	current_price   REAL NOT NULL CHECK (current_price >= 0),
	quantity        INTEGER NOT NULL CHECK (quantity > 0),
	entry_time      INTEGER NOT NULL,
	status          TEXT NOT NULL,
	open_price_ref  REAL NOT NULL DEFAULT 0,
	order_id        TEXT NOT NULL DEFAULT '',
	exit_price      REAL NOT NULL DEFAULT 0,
	exit_time       INTEGER NOT NULL DEFAULT 0,
	realized_pnl    REAL NOT NULL DEFAULT 0,
	last_marked     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status, ticker);

CREATE TABLE IF NOT EXISTS trades (
	id              TEXT PRIMARY KEY,
	position_id     TEXT REFERENCES positions(id),
	ticker          TEXT NOT NULL,
	contract_symbol TEXT NOT NULL,
	option_type     TEXT NOT NULL,
	strike          REAL NOT NULL,
	expiration      TEXT NOT NULL,
	action          TEXT NOT NULL,
	price           REAL NOT NULL,
	quantity        INTEGER NOT NULL,
	timestamp       INTEGER NOT NULL,
	status          TEXT NOT NULL,
	realized_pnl    REAL,
	order_id        TEXT NOT NULL DEFAULT '',
	note            TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trades_timestamp ON trades(timestamp);

CREATE TABLE IF NOT EXISTS ticker_configs (
	symbol            TEXT PRIMARY KEY,
	threshold         REAL NOT NULL,
	enabled           INTEGER NOT NULL,
	max_positions     INTEGER NOT NULL,
	capital_per_trade REAL NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns
// a ready-to-use SQLiteStore with its tables created.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	dsn := "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection serialises writers and keeps transactions simple.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// LedgerStore implementation
// ---------------------------------------------------------------------------

const positionColumns = `id, ticker, contract_symbol, option_type, strike, expiration,
	entry_price, current_price, quantity, entry_time, status, open_price_ref,
	order_id, exit_price, exit_time, realized_pnl, last_marked`

const tradeColumns = `id, position_id, ticker, contract_symbol, option_type, strike,
	expiration, action, price, quantity, timestamp, status, realized_pnl, order_id, note`

// OpenPosition inserts the position and its opening trade in one transaction.
func (s *SQLiteStore) OpenPosition(ctx context.Context, pos *domain.Position, trade *domain.Trade) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.ID, pos.Ticker, pos.Contract.Symbol, string(pos.Contract.Type), pos.Contract.Strike,
		pos.Contract.Expiration, pos.EntryPrice, pos.CurrentPrice, pos.Quantity,
		toMillis(pos.EntryTime), string(pos.Status), pos.OpenPriceRef, pos.OrderID,
		pos.ExitPrice, toMillis(pos.ExitTime), pos.RealizedPnL, toMillis(pos.LastMarkedTime))
	if err != nil {
		return fmt.Errorf("inserting position %s: %w", pos.ID, err)
	}
	if err := insertTrade(ctx, tx, trade); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdatePositionPrice stores the latest mark for an OPEN position.
func (s *SQLiteStore) UpdatePositionPrice(ctx context.Context, pos *domain.Position) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE positions SET current_price = ?, last_marked = ? WHERE id = ? AND status = ?`,
		pos.CurrentPrice, toMillis(pos.LastMarkedTime), pos.ID, string(domain.PositionOpen))
	if err != nil {
		return fmt.Errorf("updating position %s: %w", pos.ID, err)
	}
	return s.checkTransition(ctx, s.db, res, pos.ID, "update")
}

// ClosePosition flips an OPEN position to CLOSED and appends the closing
// trade in one transaction. The status predicate on the update prevents a
// second close from booking P&L twice.
func (s *SQLiteStore) ClosePosition(ctx context.Context, pos *domain.Position, trade *domain.Trade) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE positions
		SET status = ?, current_price = ?, exit_price = ?, exit_time = ?, realized_pnl = ?, last_marked = ?
		WHERE id = ? AND status = ?`,
		string(domain.PositionClosed), pos.CurrentPrice, pos.ExitPrice, toMillis(pos.ExitTime),
		pos.RealizedPnL, toMillis(pos.LastMarkedTime), pos.ID, string(domain.PositionOpen))
	if err != nil {
		return fmt.Errorf("closing position %s: %w", pos.ID, err)
	}
	if err := s.checkTransition(ctx, tx, res, pos.ID, "close"); err != nil {
		return err
	}
	if err := insertTrade(ctx, tx, trade); err != nil {
		return err
	}
	return tx.Commit()
}

// GetPosition retrieves a position by ID.
func (s *SQLiteStore) GetPosition(ctx context.Context, id string) (*domain.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading position %s: %w", id, err)
	}
	return p, nil
}

// ListPositions returns positions matching filter ordered by entry time,
// newest first.
func (s *SQLiteStore) ListPositions(ctx context.Context, filter domain.PositionFilter) ([]domain.Position, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "position_id IN (SELECT id FROM positions WHERE status = ?)")
		args = append(args, string(filter.Status))
	}
	if filter.Ticker != "" {
		where = append(where, "ticker = ?")
		args = append(args, filter.Ticker)
	}
	q := `SELECT ` + positionColumns + ` FROM positions` + whereClause(where) +
		` ORDER BY entry_time DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning position: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ListTrades returns trades matching filter ordered by timestamp, newest first.
func (s *SQLiteStore) ListTrades(ctx context.Context, filter domain.TradeFilter) ([]domain.Trade, error) {
	var (
		where []string
		args  []any
	)
	if filter.PositionStatus != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.PositionStatus))
	}
	if filter.Ticker != "" {
		where = append(where, "ticker = ?")
		args = append(args, filter.Ticker)
	}
	if filter.PositionID != "" {
		where = append(where, "position_id = ?")
		args = append(args, filter.PositionID)
	}
	q := `SELECT ` + tradeColumns + ` FROM trades` + whereClause(where) +
		` ORDER BY timestamp DESC, id DESC`
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing trades: %w", err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning trade: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// TickerStore implementation
// ---------------------------------------------------------------------------

const tickerColumns = `symbol, threshold, enabled, max_positions, capital_per_trade, created_at, updated_at`

// ListTickers returns every ticker ordered by symbol.
func (s *SQLiteStore) ListTickers(ctx context.Context) ([]domain.TickerConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tickerColumns+` FROM ticker_configs ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("listing tickers: %w", err)
	}
	defer rows.Close()

	var out []domain.TickerConfig
	for rows.Next() {
		tc, err := scanTicker(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ticker: %w", err)
		}
		out = append(out, *tc)
	}
	return out, rows.Err()
}

// GetTicker retrieves a ticker by symbol.
func (s *SQLiteStore) GetTicker(ctx context.Context, symbol string) (*domain.TickerConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tickerColumns+` FROM ticker_configs WHERE symbol = ?`, symbol)
	tc, err := scanTicker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticker %s: %w", symbol, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading ticker %s: %w", symbol, err)
	}
	return tc, nil
}

// UpsertTicker creates or replaces a ticker, preserving created_at.
func (s *SQLiteStore) UpsertTicker(ctx context.Context, tc *domain.TickerConfig) error {
	now := time.Now()
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = now
	}
	tc.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `INSERT INTO ticker_configs (`+tickerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			threshold = excluded.threshold,
			enabled = excluded.enabled,
			max_positions = excluded.max_positions,
			capital_per_trade = excluded.capital_per_trade,
			updated_at = excluded.updated_at`,
		tc.Symbol, tc.Threshold, boolToInt(tc.Enabled), tc.MaxPositions, tc.CapitalPerTrade,
		toMillis(tc.CreatedAt), toMillis(tc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting ticker %s: %w", tc.Symbol, err)
	}
	return nil
}

// SeedTicker inserts tc only if the symbol is not configured yet.
func (s *SQLiteStore) SeedTicker(ctx context.Context, tc *domain.TickerConfig) (bool, error) {
	now := time.Now()
	tc.CreatedAt, tc.UpdatedAt = now, now
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO ticker_configs (`+tickerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tc.Symbol, tc.Threshold, boolToInt(tc.Enabled), tc.MaxPositions, tc.CapitalPerTrade,
		toMillis(now), toMillis(now))
	if err != nil {
		return false, fmt.Errorf("seeding ticker %s: %w", tc.Symbol, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteTicker removes a ticker by symbol.
func (s *SQLiteStore) DeleteTicker(ctx context.Context, symbol string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ticker_configs WHERE symbol = ?`, symbol)
	if err != nil {
		return fmt.Errorf("deleting ticker %s: %w", symbol, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("ticker %s: %w", symbol, domain.ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// checkTransition turns a conditional update that matched no rows into
// ErrNotFound or an InvalidStateError carrying the current status.
func (s *SQLiteStore) checkTransition(ctx context.Context, q querier, res sql.Result, id, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var status string
	err = q.QueryRowContext(ctx, `SELECT status FROM positions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("position %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading position %s: %w", id, err)
	}
	return &domain.InvalidStateError{PositionID: id, Status: domain.PositionStatus(status), Op: op}
}

func insertTrade(ctx context.Context, tx *sql.Tx, t *domain.Trade) error {
	var positionID any
	if t.PositionID != "" {
		positionID = t.PositionID
	}
	var pnl any
	if t.RealizedPnL != nil {
		pnl = *t.RealizedPnL
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, positionID, t.Ticker, t.Contract.Symbol, string(t.Contract.Type), t.Contract.Strike,
		t.Contract.Expiration, string(t.Action), t.Price, t.Quantity, toMillis(t.Timestamp),
		string(t.Status), pnl, t.OrderID, t.Note)
	if err != nil {
		return fmt.Errorf("inserting trade %s: %w", t.ID, err)
	}
	return nil
}

func scanPosition(sc scanner) (*domain.Position, error) {
	var (
		p                   domain.Position
		optType, status     string
		entry, exit, marked int64
	)
	err := sc.Scan(&p.ID, &p.Ticker, &p.Contract.Symbol, &optType, &p.Contract.Strike,
		&p.Contract.Expiration, &p.EntryPrice, &p.CurrentPrice, &p.Quantity, &entry, &status,
		&p.OpenPriceRef, &p.OrderID, &p.ExitPrice, &exit, &p.RealizedPnL, &marked)
	if err != nil {
		return nil, err
	}
	p.Contract.Underlying = p.Ticker
	p.Contract.Type = domain.OptionType(optType)
	p.Status = domain.PositionStatus(status)
	p.EntryTime = fromMillis(entry)
	p.ExitTime = fromMillis(exit)
	p.LastMarkedTime = fromMillis(marked)
	return &p, nil
}

func scanTrade(sc scanner) (*domain.Trade, error) {
	var (
		t                       domain.Trade
		positionID              sql.NullString
		optType, action, status string
		ts                      int64
		pnl                     sql.NullFloat64
	)
	err := sc.Scan(&t.ID, &positionID, &t.Ticker, &t.Contract.Symbol, &optType, &t.Contract.Strike,
		&t.Contract.Expiration, &action, &t.Price, &t.Quantity, &ts, &status, &pnl, &t.OrderID, &t.Note)
	if err != nil {
		return nil, err
	}
	t.PositionID = positionID.String
	t.Contract.Underlying = t.Ticker
	t.Contract.Type = domain.OptionType(optType)
	t.Action = domain.Action(action)
	t.Status = domain.TradeStatus(status)
	t.Timestamp = fromMillis(ts)
	if pnl.Valid {
		v := pnl.Float64
		t.RealizedPnL = &v
	}
	return &t, nil
}

func scanTicker(sc scanner) (*domain.TickerConfig, error) {
	var (
		tc               domain.TickerConfig
		enabled          int
		created, updated int64
	)
	err := sc.Scan(&tc.Symbol, &tc.Threshold, &enabled, &tc.MaxPositions, &tc.CapitalPerTrade, &created, &updated)
	if err != nil {
		return nil, err
	}
	tc.Enabled = enabled != 0
	tc.CreatedAt = fromMillis(created)
	tc.UpdatedAt = fromMillis(updated)
	return &tc, nil
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
