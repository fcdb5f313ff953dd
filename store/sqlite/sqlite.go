/*
Package sqlite provides a SQLite-backed implementation of the coupon stores.

PURPOSE:
  Implements coupon.Store (instruments + usage history) and
  coupon.OrderSource (the storefront's order snapshots) using SQLite. The
  same schema works on PostgreSQL with minor dialect changes.

KEY TABLES:
  instruments:        One row per balance coupon, with the version counter
  usage_records:      Settlement history, ordered by seq within a code
  orders:             Order snapshots reported by the storefront
  order_coupon_lines: Discount each order attributed to each coupon

COMPARE-AND-SWAP:
  Save runs, in one SQL transaction:
    UPDATE instruments SET ..., version = version + 1
     WHERE code = ? AND version = ?
    DELETE + INSERT of the instrument's usage_records
  Zero affected rows means another writer got there first, and Save returns
  generic.ErrConcurrentModification without touching the history.

AMOUNTS AND TIMES:
  Decimals are stored as TEXT and parsed at this edge into generic.Amount.
  Times are RFC3339 with nanoseconds, so the synthetic "expired one
  nanosecond ago" expiry survives a round trip.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety on top of SQLite's single writer.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/coupons.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - coupon/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/coupon-ledger/coupon"
	"github.com/warp/coupon-ledger/generic"
)

// Store implements coupon.Store and coupon.OrderSource using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS instruments (
		code TEXT PRIMARY KEY,
		initial_balance TEXT NOT NULL,
		current_balance TEXT NOT NULL,
		expires_at TEXT,
		customer_email TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_instruments_customer
		ON instruments(customer_email) WHERE customer_email <> '';

	-- Usage history. Rewritten as a whole by Save inside the CAS transaction.
	CREATE TABLE IF NOT EXISTS usage_records (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL REFERENCES instruments(code) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		order_ref TEXT NOT NULL,
		amount_used TEXT NOT NULL,
		amount_debited TEXT NOT NULL,
		remaining_balance TEXT NOT NULL,
		settled_at TEXT NOT NULL,
		UNIQUE(code, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_usage_records_order
		ON usage_records(order_ref);

	-- Orders as reported by the storefront
	CREATE TABLE IF NOT EXISTS orders (
		ref TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS order_coupon_lines (
		order_ref TEXT NOT NULL REFERENCES orders(ref) ON DELETE CASCADE,
		line_no INTEGER NOT NULL,
		code TEXT NOT NULL,
		discount TEXT NOT NULL,
		PRIMARY KEY (order_ref, line_no)
	);

	CREATE INDEX IF NOT EXISTS idx_order_coupon_lines_code
		ON order_coupon_lines(code);
	`

	_, err := s.db.Exec(schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// INSTRUMENT STORE (coupon.Store interface)
// =============================================================================

// Get returns the instrument with its full history.
func (s *Store) Get(ctx context.Context, code coupon.Code) (coupon.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, err := scanInstrument(s.db.QueryRowContext(ctx, selectInstrument+` WHERE code = ?`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return coupon.Instrument{}, fmt.Errorf("%w: %s", generic.ErrInstrumentNotFound, code)
	}
	if err != nil {
		return coupon.Instrument{}, generic.Persistence("get instrument", string(code), err)
	}

	inst.History, err = s.loadHistory(ctx, s.db, code)
	if err != nil {
		return coupon.Instrument{}, generic.Persistence("load history", string(code), err)
	}
	return inst, nil
}

// Create inserts a new instrument at version 1.
func (s *Store) Create(ctx context.Context, inst coupon.Instrument) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = inst.CreatedAt
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO instruments
			(code, initial_balance, current_balance, expires_at, customer_email, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		`,
			inst.Code,
			inst.InitialBalance.Value.String(),
			inst.CurrentBalance.Value.String(),
			nullTime(inst.ExpiresAt),
			inst.CustomerEmail,
			formatTime(inst.CreatedAt),
			formatTime(inst.UpdatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%w: %s", generic.ErrDuplicateCode, inst.Code)
			}
			return generic.Persistence("create instrument", string(inst.Code), err)
		}
		return s.writeHistory(ctx, tx, inst.Code, inst.History)
	})
}

// Save is a compare-and-swap on inst.Version.
func (s *Store) Save(ctx context.Context, inst coupon.Instrument) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = time.Now().UTC()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE instruments
			SET initial_balance = ?, current_balance = ?, expires_at = ?, customer_email = ?,
			    version = version + 1, updated_at = ?
			WHERE code = ? AND version = ?
		`,
			inst.InitialBalance.Value.String(),
			inst.CurrentBalance.Value.String(),
			nullTime(inst.ExpiresAt),
			inst.CustomerEmail,
			formatTime(inst.UpdatedAt),
			inst.Code,
			inst.Version,
		)
		if err != nil {
			return generic.Persistence("save instrument", string(inst.Code), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return generic.Persistence("save instrument", string(inst.Code), err)
		}
		if n == 0 {
			var stored int64
			err := tx.QueryRowContext(ctx, `SELECT version FROM instruments WHERE code = ?`, inst.Code).Scan(&stored)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", generic.ErrInstrumentNotFound, inst.Code)
			}
			if err != nil {
				return generic.Persistence("save instrument", string(inst.Code), err)
			}
			return fmt.Errorf("%w: %s at version %d, write based on %d",
				generic.ErrConcurrentModification, inst.Code, stored, inst.Version)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM usage_records WHERE code = ?`, inst.Code); err != nil {
			return generic.Persistence("save history", string(inst.Code), err)
		}
		return s.writeHistory(ctx, tx, inst.Code, inst.History)
	})
}

// List returns instruments filtered by customer and code, sorted as asked.
func (s *Store) List(ctx context.Context, q coupon.ListQuery) ([]coupon.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email := strings.ToLower(strings.TrimSpace(q.CustomerEmail))
	search := string(coupon.NormalizeCode(q.Search))

	query := selectInstrument + `
		WHERE (? = '' OR customer_email = ?)
		  AND (? = '' OR instr(code, ?) > 0)
		ORDER BY ` + orderClause(q.SortBy, q.Desc)

	rows, err := s.db.QueryContext(ctx, query, email, email, search, search)
	if err != nil {
		return nil, generic.Persistence("list instruments", "", err)
	}
	var result []coupon.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			rows.Close()
			return nil, generic.Persistence("list instruments", "", err)
		}
		result = append(result, inst)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, generic.Persistence("list instruments", "", err)
	}
	rows.Close()

	for i := range result {
		result[i].History, err = s.loadHistory(ctx, s.db, result[i].Code)
		if err != nil {
			return nil, generic.Persistence("load history", string(result[i].Code), err)
		}
	}
	return result, nil
}

// orderClause builds a fixed ORDER BY. Instruments without expiry sort last.
func orderClause(by coupon.SortField, desc bool) string {
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	switch by {
	case coupon.SortByCurrentBalance:
		return "CAST(current_balance AS REAL) " + dir + ", code ASC"
	case coupon.SortByExpiresAt:
		return "expires_at IS NULL, expires_at " + dir + ", code ASC"
	}
	return "code " + dir
}

const selectInstrument = `
	SELECT code, initial_balance, current_balance, expires_at, customer_email, version, created_at, updated_at
	FROM instruments`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstrument(row rowScanner) (coupon.Instrument, error) {
	var (
		inst                   coupon.Instrument
		code, initial, current string
		expires                sql.NullString
		createdAt, updatedAt   string
	)
	if err := row.Scan(&code, &initial, &current, &expires, &inst.CustomerEmail, &inst.Version, &createdAt, &updatedAt); err != nil {
		return coupon.Instrument{}, err
	}
	inst.Code = coupon.Code(code)

	var err error
	if inst.InitialBalance, err = generic.ParseAmount(initial); err != nil {
		return coupon.Instrument{}, fmt.Errorf("initial_balance of %s: %w", code, err)
	}
	if inst.CurrentBalance, err = generic.ParseAmount(current); err != nil {
		return coupon.Instrument{}, fmt.Errorf("current_balance of %s: %w", code, err)
	}
	if expires.Valid {
		t, err := parseTime(expires.String)
		if err != nil {
			return coupon.Instrument{}, fmt.Errorf("expires_at of %s: %w", code, err)
		}
		inst.ExpiresAt = &t
	}
	inst.CreatedAt, _ = parseTime(createdAt)
	inst.UpdatedAt, _ = parseTime(updatedAt)
	return inst, nil
}

func (s *Store) loadHistory(ctx context.Context, db querier, code coupon.Code) ([]coupon.UsageRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, order_ref, amount_used, amount_debited, remaining_balance, settled_at
		FROM usage_records
		WHERE code = ?
		ORDER BY seq ASC
	`, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []coupon.UsageRecord
	for rows.Next() {
		var (
			rec                     coupon.UsageRecord
			orderRef, used, debited string
			remaining, settledAt    string
		)
		if err := rows.Scan(&rec.ID, &orderRef, &used, &debited, &remaining, &settledAt); err != nil {
			return nil, err
		}
		rec.OrderRef = coupon.OrderRef(orderRef)
		if rec.AmountUsed, err = generic.ParseAmount(used); err != nil {
			return nil, err
		}
		if rec.AmountDebited, err = generic.ParseAmount(debited); err != nil {
			return nil, err
		}
		if rec.RemainingBalance, err = generic.ParseAmount(remaining); err != nil {
			return nil, err
		}
		if rec.Timestamp, err = parseTime(settledAt); err != nil {
			return nil, err
		}
		history = append(history, rec)
	}
	return history, rows.Err()
}

func (s *Store) writeHistory(ctx context.Context, db execer, code coupon.Code, history []coupon.UsageRecord) error {
	for seq, rec := range history {
		_, err := db.ExecContext(ctx, `
			INSERT INTO usage_records
			(id, code, seq, order_ref, amount_used, amount_debited, remaining_balance, settled_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			rec.ID,
			code,
			seq,
			rec.OrderRef,
			rec.AmountUsed.Value.String(),
			rec.AmountDebited.Value.String(),
			rec.RemainingBalance.Value.String(),
			formatTime(rec.Timestamp),
		)
		if err != nil {
			return generic.Persistence("write history", string(code), err)
		}
	}
	return nil
}

// =============================================================================
// ORDERS (coupon.OrderSource interface)
// =============================================================================

// SaveOrder records or replaces an order snapshot and its coupon lines.
func (s *Store) SaveOrder(ctx context.Context, order coupon.Order) error {
	if order.Ref == "" {
		return fmt.Errorf("%w: empty order reference", generic.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(time.Now().UTC())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (ref, status, created_at, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(ref) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at
		`, order.Ref, order.Status, now, now)
		if err != nil {
			return generic.Persistence("save order", string(order.Ref), err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM order_coupon_lines WHERE order_ref = ?`, order.Ref); err != nil {
			return generic.Persistence("save order lines", string(order.Ref), err)
		}
		for i, l := range order.Coupons {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO order_coupon_lines (order_ref, line_no, code, discount) VALUES (?, ?, ?, ?)
			`, order.Ref, i, coupon.NormalizeCode(string(l.Code)), l.Discount.Value.String())
			if err != nil {
				return generic.Persistence("save order lines", string(order.Ref), err)
			}
		}
		return nil
	})
}

// GetOrder returns the order snapshot.
func (s *Store) GetOrder(ctx context.Context, ref coupon.OrderRef) (coupon.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order := coupon.Order{Ref: ref}
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE ref = ?`, ref).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return coupon.Order{}, fmt.Errorf("%w: %s", generic.ErrOrderNotFound, ref)
	}
	if err != nil {
		return coupon.Order{}, generic.Persistence("get order", string(ref), err)
	}
	order.Status = coupon.OrderStatus(status)

	rows, err := s.db.QueryContext(ctx, `
		SELECT code, discount FROM order_coupon_lines WHERE order_ref = ? ORDER BY line_no
	`, ref)
	if err != nil {
		return coupon.Order{}, generic.Persistence("get order lines", string(ref), err)
	}
	defer rows.Close()
	for rows.Next() {
		var code, discount string
		if err := rows.Scan(&code, &discount); err != nil {
			return coupon.Order{}, generic.Persistence("get order lines", string(ref), err)
		}
		amount, err := generic.ParseAmount(discount)
		if err != nil {
			return coupon.Order{}, generic.Persistence("get order lines", string(ref), err)
		}
		order.Coupons = append(order.Coupons, coupon.OrderCouponLine{Code: coupon.Code(code), Discount: amount})
	}
	return order, rows.Err()
}

// SetOrderStatus records the latest lifecycle status of an order.
func (s *Store) SetOrderStatus(ctx context.Context, ref coupon.OrderRef, status coupon.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE orders SET status = ?, updated_at = ? WHERE ref = ?`,
		status, formatTime(time.Now().UTC()), ref)
	if err != nil {
		return generic.Persistence("set order status", string(ref), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", generic.ErrOrderNotFound, ref)
	}
	return nil
}

func (s *Store) AppliedCodes(ctx context.Context, ref coupon.OrderRef) ([]coupon.Code, error) {
	order, err := s.GetOrder(ctx, ref)
	if err != nil {
		return nil, err
	}
	codes := make([]coupon.Code, 0, len(order.Coupons))
	for _, l := range order.Coupons {
		codes = append(codes, l.Code)
	}
	return codes, nil
}

// CouponDiscount returns the discount of the order's first line for code.
func (s *Store) CouponDiscount(ctx context.Context, ref coupon.OrderRef, code coupon.Code) (generic.Amount, error) {
	order, err := s.GetOrder(ctx, ref)
	if err != nil {
		return generic.ZeroAmount(), err
	}
	for _, l := range order.Coupons {
		if l.Code == code {
			return l.Discount, nil
		}
	}
	return generic.ZeroAmount(), nil
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset clears all data (for demo/testing).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"usage_records", "order_coupon_lines", "orders", "instruments"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// withTx runs fn in a transaction. Callers hold s.mu.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return generic.Persistence("begin", "", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return generic.Persistence("commit", "", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}
