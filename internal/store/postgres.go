package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/friendsbets/ledger/internal/model"
)

// Transient PostgreSQL error codes that are safe to retry by re-running the
// whole transaction.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeCheckViolation       = "23514"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC(18,2) for exact decimal precision.
type PostgresStore struct {
	pool       *pgxpool.Pool
	maxRetries uint64
	maxBackoff time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:       pool,
		maxRetries: 5,
		maxBackoff: 30 * time.Second,
	}
}

// queryable is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx runs fn in a read-committed transaction. Serialization failures and
// deadlocks re-run fn from the start with exponential backoff; every other
// error is returned as-is.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = s.maxBackoff
	policy.MaxElapsedTime = 0
	retrying := backoff.WithContext(backoff.WithMaxRetries(policy, s.maxRetries), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			slog.Warn("transient transaction failure, retrying", "attempt", attempt, "err", err)
			return err
		}
		return backoff.Permanent(err)
	}, retrying)
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
				slog.Error("rollback failed", "err", err)
			}
		}
	}()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// --- Reads ---

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, s.pool, id, "")
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, display_name, balance::TEXT, created_at
		 FROM users ORDER BY display_name, id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		var balance string
		if err := rows.Scan(&u.ID, &u.DisplayName, &balance, &u.CreatedAt); err != nil {
			return nil, err
		}
		if u.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, fmt.Errorf("parse balance of user %s: %w", u.ID, err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return getEvent(ctx, s.pool, id, "")
}

func (s *PostgresStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(eventDest(&e)...); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) ListTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 ORDER BY created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) ListTradesByEvent(ctx context.Context, eventID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE event_id = $1 ORDER BY created_at DESC, id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list trades for event %s: %w", eventID, err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE user_id = $1 ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list trades for user %s: %w", userID, err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	return listPositions(ctx, s.pool, `SELECT `+positionColumns+` FROM positions ORDER BY id`)
}

func (s *PostgresStore) ListPositionsByEvent(ctx context.Context, eventID string) ([]model.Position, error) {
	return listPositions(ctx, s.pool,
		`SELECT `+positionColumns+` FROM positions WHERE event_id = $1 ORDER BY id`, eventID)
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return listPositions(ctx, s.pool,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY id`, userID)
}

// --- Transaction ---

type pgTx struct {
	q queryable
}

func (t *pgTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, t.q, id, "")
}

func (t *pgTx) GetUserForUpdate(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, t.q, id, "FOR UPDATE")
}

func (t *pgTx) GetEventForShare(ctx context.Context, id string) (*model.Event, error) {
	return getEvent(ctx, t.q, id, "FOR SHARE")
}

func (t *pgTx) GetEventForUpdate(ctx context.Context, id string) (*model.Event, error) {
	return getEvent(ctx, t.q, id, "FOR UPDATE")
}

func (t *pgTx) InsertUser(ctx context.Context, u *model.User) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO users (id, display_name, balance, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		u.ID, u.DisplayName, u.Balance.String(), u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert user %s: %w", u.ID, classify(err))
	}
	return nil
}

func (t *pgTx) InsertEvent(ctx context.Context, e *model.Event) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO events (id, title, description, created_by_id, status, outcome, created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Title, e.Description, e.CreatedByID, e.Status, e.Outcome, e.CreatedAt, e.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, classify(err))
	}
	return nil
}

func (t *pgTx) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance string
	err := t.q.QueryRow(ctx,
		`UPDATE users SET balance = balance + $2::NUMERIC
		 WHERE id = $1
		 RETURNING balance::TEXT`,
		userID, delta.String(),
	).Scan(&balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("adjust balance of user %s: %w", userID, classify(err))
	}
	return decimal.NewFromString(balance)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO trades (id, event_id, user_id, prediction, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)`,
		tr.ID, tr.EventID, tr.UserID, tr.Prediction, tr.Amount.String(), tr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", tr.ID, classify(err))
	}
	return nil
}

// UpsertPosition relies on the unique (event_id, user_id, prediction) index
// so the increment-or-create is one statement.
func (t *pgTx) UpsertPosition(ctx context.Context, pos *model.Position) (*model.Position, error) {
	var p model.Position
	var amount string
	err := t.q.QueryRow(ctx,
		`INSERT INTO positions (id, event_id, user_id, prediction, amount)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC)
		 ON CONFLICT (event_id, user_id, prediction)
		 DO UPDATE SET amount = positions.amount + EXCLUDED.amount
		 RETURNING `+positionColumns,
		pos.ID, pos.EventID, pos.UserID, pos.Prediction, pos.Amount.String(),
	).Scan(&p.ID, &p.EventID, &p.UserID, &p.Prediction, &amount)
	if err != nil {
		return nil, fmt.Errorf("upsert position %s/%s/%t: %w", pos.EventID, pos.UserID, pos.Prediction, classify(err))
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse position amount: %w", err)
	}
	return &p, nil
}

func (t *pgTx) MarkEventResolved(ctx context.Context, id string, outcome bool, at time.Time) (*model.Event, error) {
	var e model.Event
	err := t.q.QueryRow(ctx,
		`UPDATE events SET status = $2, outcome = $3, resolved_at = $4
		 WHERE id = $1 AND status = $5
		 RETURNING `+eventColumns,
		id, model.StatusResolved, outcome, at, model.StatusOpen,
	).Scan(eventDest(&e)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("resolve event %s: %w", id, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve event %s: %w", id, err)
	}
	return &e, nil
}

func (t *pgTx) ListPositionsByEvent(ctx context.Context, eventID string) ([]model.Position, error) {
	return listPositions(ctx, t.q,
		`SELECT `+positionColumns+` FROM positions WHERE event_id = $1 ORDER BY id`, eventID)
}

// --- Shared queries ---

const (
	eventColumns    = `id, title, description, created_by_id, status, outcome, created_at, resolved_at`
	tradeColumns    = `id, event_id, user_id, prediction, amount::TEXT, created_at`
	positionColumns = `id, event_id, user_id, prediction, amount::TEXT`
)

func getUser(ctx context.Context, q queryable, id, lock string) (*model.User, error) {
	var u model.User
	var balance string
	err := q.QueryRow(ctx,
		`SELECT id, display_name, balance::TEXT, created_at
		 FROM users WHERE id = $1 `+lock, id).
		Scan(&u.ID, &u.DisplayName, &balance, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	if u.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse balance of user %s: %w", id, err)
	}
	return &u, nil
}

func getEvent(ctx context.Context, q queryable, id, lock string) (*model.Event, error) {
	var e model.Event
	err := q.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1 `+lock, id).
		Scan(eventDest(&e)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return &e, nil
}

func eventDest(e *model.Event) []any {
	return []any{&e.ID, &e.Title, &e.Description, &e.CreatedByID, &e.Status, &e.Outcome, &e.CreatedAt, &e.ResolvedAt}
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var tr model.Trade
		var amount string
		if err := rows.Scan(&tr.ID, &tr.EventID, &tr.UserID, &tr.Prediction, &amount, &tr.CreatedAt); err != nil {
			return nil, err
		}
		var err error
		if tr.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount of trade %s: %w", tr.ID, err)
		}
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

func listPositions(ctx context.Context, q queryable, sql string, args ...any) ([]model.Position, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var amount string
		if err := rows.Scan(&p.ID, &p.EventID, &p.UserID, &p.Prediction, &amount); err != nil {
			return nil, err
		}
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount of position %s: %w", p.ID, err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// classify maps constraint violations onto the store's sentinel errors.
func classify(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeUniqueViolation:
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	case codeForeignKeyViolation:
		return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
	case codeCheckViolation:
		if pgErr.ConstraintName == "users_balance_non_negative" {
			return ErrNegativeBalance
		}
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return false
}
