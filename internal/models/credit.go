package models

import (
	"time"

	"github.com/scan-orchestrator/internal/types"
)

// CreditReservation is a refundable hold against a user's balance
type CreditReservation struct {
	ID            string                  `json:"id" db:"id"`
	UserID        string                  `json:"userId" db:"user_id"`
	ProjectID     string                  `json:"projectId" db:"project_id"`
	ScanID        *string                 `json:"scanId,omitempty" db:"scan_id"`
	ReservedCents int64                   `json:"reservedCents" db:"reserved_cents"`
	ConsumedCents *int64                  `json:"consumedCents,omitempty" db:"consumed_cents"`
	Status        types.ReservationStatus `json:"status" db:"status"`
	ReleaseReason *string                 `json:"releaseReason,omitempty" db:"release_reason"`
	CreatedAt     time.Time               `json:"createdAt" db:"created_at"`
	SettledAt     *time.Time              `json:"settledAt,omitempty" db:"settled_at"`
}

// Settlement is the outcome of consuming or releasing a reservation
type Settlement struct {
	ReservationID string `json:"reservationId"`
	ReservedCents int64  `json:"reservedCents"`
	ActualCents   int64  `json:"actualCents"`
	RefundedCents int64  `json:"refundedCents"`
	ExcessCents   int64  `json:"excessCents"`
	BalanceCents  int64  `json:"balanceCents"`
}

// SettleDecision is how a ledger resolves an active reservation. The store
// applies it atomically with the balance refund.
type SettleDecision struct {
	Status        types.ReservationStatus
	ConsumedCents *int64
	RefundCents   int64
	ExcessCents   int64
	ScanID        *string
	Reason        *string
}
