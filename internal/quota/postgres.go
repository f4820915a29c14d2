// internal/quota/postgres.go
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"generation-core/internal/common/config"
	apperrors "generation-core/internal/common/errors"

	_ "github.com/lib/pq"
)

// PostgresAuthority implements the Authority contract on Postgres. The whole
// check-and-increment runs in one transaction with the row locked, so two
// devices racing for the last unit serialize on the row and only one wins.
type PostgresAuthority struct {
	DB *sql.DB
}

// NewPostgres opens a PostgreSQL-backed quota authority.
func NewPostgres(cfg config.PostgresConfig) (*PostgresAuthority, error) {
	dsn := cfg.GetDSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &PostgresAuthority{DB: db}, nil
}

// NewPostgresFromDB wraps an existing handle (used by tests with sqlmock).
func NewPostgresFromDB(db *sql.DB) *PostgresAuthority {
	return &PostgresAuthority{DB: db}
}

// Ping tests the database connection
func (a *PostgresAuthority) Ping(ctx context.Context) error {
	return a.DB.PingContext(ctx)
}

// Close closes the database connection
func (a *PostgresAuthority) Close() error {
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}

const selectForUpdate = `SELECT count, quota_limit, next_reset_date, last_usage_date, transaction_reference FROM usage_records WHERE user_id = $1 FOR UPDATE`

const insertRecord = `INSERT INTO usage_records (user_id, count, plan_type, quota_limit, billing_cycle_start, next_reset_date, last_usage_date, transaction_reference) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

const updateRecord = `UPDATE usage_records SET count = $2, plan_type = $3, quota_limit = $4, billing_cycle_start = $5, next_reset_date = $6, last_usage_date = $7, transaction_reference = $8 WHERE user_id = $1`

const decrementRecord = `UPDATE usage_records SET count = count - 1 WHERE user_id = $1 AND count > 0`

// CheckAndIncrement loads or lazily creates the usage record, resets it when
// the billing cycle has rolled over, and increments the counter only when
// every limit check passes. A denied verdict with a nil error is a
// definitive rejection, not a failure.
func (a *PostgresAuthority) CheckAndIncrement(ctx context.Context, req CheckRequest) (Verdict, error) {
	denyCycle := Verdict{Reason: apperrors.QuotaReasonCycleLimit}
	denyDaily := Verdict{Reason: apperrors.QuotaReasonDailyLimit}

	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return Verdict{}, fmt.Errorf("begin quota tx: %w", err)
	}
	defer tx.Rollback()

	var (
		count         int
		limit         int
		nextReset     time.Time
		lastUsageDate sql.NullString
		txRef         sql.NullString
	)

	err = tx.QueryRowContext(ctx, selectForUpdate, req.UserID).Scan(
		&count, &limit, &nextReset, &lastUsageDate, &txRef,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First usage for this user: create the record with one unit
		// consumed, provided the plan allows any at all.
		if req.Limit < 1 {
			return denyCycle, nil
		}
		if _, err := tx.ExecContext(ctx, insertRecord,
			req.UserID, 1, string(req.PlanType), req.Limit,
			req.CycleStart, req.NextReset, req.Today, req.TransactionReference,
		); err != nil {
			return Verdict{}, fmt.Errorf("create usage record: %w", err)
		}
		return Verdict{Allowed: true}, tx.Commit()

	case err != nil:
		return Verdict{}, fmt.Errorf("load usage record: %w", err)
	}

	// Cycle rollover: a new transaction reference means a renewal or
	// resubscription, and a stored record without one predates reference
	// tracking; otherwise the stored reset date decides. An anonymous
	// reservation (no incoming reference) never resets, or accounts without
	// a receipt would reset on every call.
	storedRef := ""
	if txRef.Valid {
		storedRef = txRef.String
	}
	if (req.TransactionReference != "" && storedRef != req.TransactionReference) ||
		!req.Now.Before(nextReset) {
		count = 0
		lastUsageDate = sql.NullString{}
	}

	if count >= req.Limit {
		return denyCycle, nil
	}
	if req.DailyLimit && lastUsageDate.Valid && lastUsageDate.String == req.Today {
		return denyDaily, nil
	}

	if _, err := tx.ExecContext(ctx, updateRecord,
		req.UserID, count+1, string(req.PlanType), req.Limit,
		req.CycleStart, req.NextReset, req.Today, req.TransactionReference,
	); err != nil {
		return Verdict{}, fmt.Errorf("increment usage record: %w", err)
	}
	return Verdict{Allowed: true}, tx.Commit()
}

// Rollback decrements the counter by one, floored at zero. It never touches
// last_usage_date. Returns false when there was nothing to reverse.
func (a *PostgresAuthority) Rollback(ctx context.Context, userID string) (bool, error) {
	res, err := a.DB.ExecContext(ctx, decrementRecord, userID)
	if err != nil {
		return false, fmt.Errorf("rollback usage record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

var _ Authority = (*PostgresAuthority)(nil)
