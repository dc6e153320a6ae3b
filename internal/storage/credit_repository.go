package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/scan-orchestrator/internal/errors"
	"github.com/scan-orchestrator/internal/models"
	"github.com/scan-orchestrator/internal/types"
)

const reservationColumns = `
	id, user_id, project_id, scan_id, reserved_cents, consumed_cents,
	status, release_reason, created_at, settled_at`

// Credit transaction kinds
const (
	TxReserve = "reserve"
	TxConsume = "consume"
	TxRefund  = "refund"
	TxExcess  = "excess"
	TxRelease = "release"
)

// CreditRepository persists balances, reservations and the credit audit trail
type CreditRepository struct {
	db *PostgresDB
}

// NewCreditRepository creates a new credit repository
func NewCreditRepository(db *PostgresDB) *CreditRepository {
	return &CreditRepository{db: db}
}

func scanReservation(row pgx.Row) (*models.CreditReservation, error) {
	var r models.CreditReservation
	err := row.Scan(
		&r.ID,
		&r.UserID,
		&r.ProjectID,
		&r.ScanID,
		&r.ReservedCents,
		&r.ConsumedCents,
		&r.Status,
		&r.ReleaseReason,
		&r.CreatedAt,
		&r.SettledAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetAccount retrieves the billing view of a user
func (r *CreditRepository) GetAccount(ctx context.Context, userID string) (*models.UserAccount, error) {
	var a models.UserAccount
	err := r.db.Pool().QueryRow(ctx, `SELECT id, tier, balance_cents FROM accounts WHERE id = $1`, userID).
		Scan(&a.ID, &a.Tier, &a.BalanceCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("account", userID)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

// Reserve decrements the balance and records an active reservation in one
// transaction. The decrement only applies when the balance covers the full
// amount, so concurrent reservations can never overdraw.
func (r *CreditRepository) Reserve(ctx context.Context, res *models.CreditReservation) (int64, error) {
	var balance int64
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE accounts
			SET balance_cents = balance_cents - $2, updated_at = NOW()
			WHERE id = $1 AND balance_cents >= $2
			RETURNING balance_cents
		`, res.UserID, res.ReservedCents).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.NewInsufficientCreditsError(res.UserID, res.ReservedCents)
			}
			return fmt.Errorf("failed to debit balance: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO credit_reservations (id, user_id, project_id, reserved_cents, status, created_at)
			VALUES ($1, $2, $3, $4, 'active', $5)
		`, res.ID, res.UserID, res.ProjectID, res.ReservedCents, res.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert reservation: %w", err)
		}

		return insertCreditTx(ctx, tx, res.UserID, res.ID, TxReserve, -res.ReservedCents, balance)
	})
	if err != nil {
		return 0, err
	}

	res.Status = types.ReservationActive
	return balance, nil
}

// GetReservation retrieves a reservation by ID
func (r *CreditRepository) GetReservation(ctx context.Context, id string) (*models.CreditReservation, error) {
	res, err := scanReservation(r.db.Pool().QueryRow(ctx, `SELECT `+reservationColumns+` FROM credit_reservations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("reservation", id)
		}
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return res, nil
}

// Settle locks an active reservation, asks decide how to resolve it, then
// applies the refund and status change in the same transaction.
func (r *CreditRepository) Settle(
	ctx context.Context,
	reservationID string,
	decide func(res *models.CreditReservation) (*models.SettleDecision, error),
) (*models.Settlement, error) {
	var out *models.Settlement

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		res, err := scanReservation(tx.QueryRow(ctx,
			`SELECT `+reservationColumns+` FROM credit_reservations WHERE id = $1 FOR UPDATE`, reservationID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.NewNotFoundError("reservation", reservationID)
			}
			return fmt.Errorf("failed to lock reservation: %w", err)
		}
		if res.Status != types.ReservationActive {
			return fmt.Errorf("reservation %s is %s: %w", res.ID, res.Status, apperrors.ErrReservationSettled)
		}

		d, err := decide(res)
		if err != nil {
			return err
		}

		var balance int64
		err = tx.QueryRow(ctx, `
			UPDATE accounts
			SET balance_cents = balance_cents + $2, updated_at = NOW()
			WHERE id = $1
			RETURNING balance_cents
		`, res.UserID, d.RefundCents).Scan(&balance)
		if err != nil {
			return fmt.Errorf("failed to refund balance: %w", err)
		}

		now := time.Now().UTC()
		_, err = tx.Exec(ctx, `
			UPDATE credit_reservations
			SET status = $2, consumed_cents = $3, scan_id = COALESCE($4, scan_id),
				release_reason = $5, settled_at = $6
			WHERE id = $1
		`, res.ID, d.Status, d.ConsumedCents, d.ScanID, d.Reason, now)
		if err != nil {
			return fmt.Errorf("failed to settle reservation: %w", err)
		}

		if err := recordSettlement(ctx, tx, res, d, balance); err != nil {
			return err
		}

		out = &models.Settlement{
			ReservationID: res.ID,
			ReservedCents: res.ReservedCents,
			RefundedCents: d.RefundCents,
			ExcessCents:   d.ExcessCents,
			BalanceCents:  balance,
		}
		if d.ConsumedCents != nil {
			out.ActualCents = *d.ConsumedCents
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func recordSettlement(ctx context.Context, tx pgx.Tx, res *models.CreditReservation, d *models.SettleDecision, balance int64) error {
	if d.Status == types.ReservationReleased {
		return insertCreditTx(ctx, tx, res.UserID, res.ID, TxRelease, d.RefundCents, balance)
	}

	var consumed int64
	if d.ConsumedCents != nil {
		consumed = *d.ConsumedCents
	}
	if err := insertCreditTx(ctx, tx, res.UserID, res.ID, TxConsume, -consumed, balance); err != nil {
		return err
	}
	if d.RefundCents > 0 {
		if err := insertCreditTx(ctx, tx, res.UserID, res.ID, TxRefund, d.RefundCents, balance); err != nil {
			return err
		}
	}
	if d.ExcessCents > 0 {
		if err := insertCreditTx(ctx, tx, res.UserID, res.ID, TxExcess, -d.ExcessCents, balance); err != nil {
			return err
		}
	}
	return nil
}

func insertCreditTx(ctx context.Context, tx pgx.Tx, userID, reservationID, kind string, amount, balanceAfter int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_transactions (user_id, reservation_id, kind, amount_cents, balance_after)
		VALUES ($1, $2, $3, $4, $5)
	`, userID, reservationID, kind, amount, balanceAfter)
	if err != nil {
		return fmt.Errorf("failed to record credit transaction: %w", err)
	}
	return nil
}
