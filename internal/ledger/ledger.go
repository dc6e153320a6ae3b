// Package ledger reserves credits before a scan and settles them against the
// cost the scan actually incurred.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/scan-orchestrator/internal/errors"
	"github.com/scan-orchestrator/internal/logging"
	"github.com/scan-orchestrator/internal/models"
	"github.com/scan-orchestrator/internal/provider"
	"github.com/scan-orchestrator/internal/types"
)

// UnlimitedReservationID is returned for users who are never billed.
// Consume and Release treat it as a no-op.
const UnlimitedReservationID = "unlimited"

// Store is the persistence the ledger needs. Reserve must decrement the
// balance only when it covers the amount, and Settle must run decide and
// apply its outcome atomically on an active reservation.
type Store interface {
	GetAccount(ctx context.Context, userID string) (*models.UserAccount, error)
	Reserve(ctx context.Context, res *models.CreditReservation) (int64, error)
	GetReservation(ctx context.Context, id string) (*models.CreditReservation, error)
	Settle(ctx context.Context, reservationID string, decide func(res *models.CreditReservation) (*models.SettleDecision, error)) (*models.Settlement, error)
}

// Config holds the estimation parameters
type Config struct {
	BufferMultiplier     float64
	ExpectedInputTokens  int64
	ExpectedOutputTokens int64
	EvaluationModel      string
	EvalInputTokens      int64
	EvalOutputTokens     int64
}

// DefaultConfig returns the default estimation parameters
func DefaultConfig() Config {
	return Config{
		BufferMultiplier:     1.2,
		ExpectedInputTokens:  300,
		ExpectedOutputTokens: 800,
		EvaluationModel:      "gpt-4o-mini",
		EvalInputTokens:      1000,
		EvalOutputTokens:     150,
	}
}

// Estimate is the projected cost of a scan
type Estimate struct {
	Operations    int   `json:"operations"`
	EstimateCents int64 `json:"estimateCents"`
	ReserveCents  int64 `json:"reserveCents"`
}

// Service is the credit ledger
type Service struct {
	store   Store
	pricing provider.PricingTable
	cfg     Config
	logger  *logging.Logger
	now     func() time.Time
}

// NewService creates a ledger over store, pricing calls with pricing
func NewService(store Store, pricing provider.PricingTable, cfg Config) *Service {
	if cfg.BufferMultiplier < 1 {
		cfg.BufferMultiplier = 1
	}
	return &Service{
		store:   store,
		pricing: pricing,
		cfg:     cfg,
		logger:  logging.GetGlobalLogger().WithComponent("ledger"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Estimate projects the cost of probing queryCount queries on every model,
// with followUpDepth extra turns per chain. Each turn is one probe call plus
// one evaluation call, and follow-up turns carry the growing history as input.
func (s *Service) Estimate(queryCount int, modelIDs []string, followUpDepth int) Estimate {
	if queryCount <= 0 || len(modelIDs) == 0 {
		return Estimate{}
	}
	if followUpDepth < 0 {
		followUpDepth = 0
	}

	evalCost := s.pricing.CostCents(s.cfg.EvaluationModel, s.cfg.EvalInputTokens, s.cfg.EvalOutputTokens)
	turnTokens := s.cfg.ExpectedInputTokens + s.cfg.ExpectedOutputTokens

	var perQuery int64
	for _, modelID := range modelIDs {
		for level := 0; level <= followUpDepth; level++ {
			input := s.cfg.ExpectedInputTokens + int64(level)*turnTokens
			perQuery += s.pricing.CostCents(modelID, input, s.cfg.ExpectedOutputTokens) + evalCost
		}
	}

	estimate := perQuery * int64(queryCount)
	return Estimate{
		Operations:    queryCount * len(modelIDs) * (1 + followUpDepth),
		EstimateCents: estimate,
		ReserveCents:  s.ReserveAmount(estimate),
	}
}

// ReserveAmount applies the buffer multiplier to an estimate, rounding up
func (s *Service) ReserveAmount(estimateCents int64) int64 {
	if estimateCents <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(estimateCents) * s.cfg.BufferMultiplier))
}

// CanAfford reports whether the user could reserve amountCents right now.
// Unbilled tiers can always afford a scan.
func (s *Service) CanAfford(ctx context.Context, userID string, amountCents int64) (bool, error) {
	account, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return false, err
	}
	if !account.Tier.Billable() {
		return true, nil
	}
	return account.BalanceCents >= amountCents, nil
}

// Reserve holds amountCents of the user's balance for a scan of projectID
// and returns the reservation id. Unbilled tiers get UnlimitedReservationID.
func (s *Service) Reserve(ctx context.Context, userID string, amountCents int64, projectID string) (string, error) {
	account, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return "", err
		}
		return "", apperrors.NewReservationCreationError(err)
	}
	if !account.Tier.Billable() {
		return UnlimitedReservationID, nil
	}
	if amountCents < 0 {
		return "", apperrors.NewInvalidParameterError("amountCents", "must not be negative")
	}

	res := &models.CreditReservation{
		ID:            uuid.NewString(),
		UserID:        userID,
		ProjectID:     projectID,
		ReservedCents: amountCents,
		CreatedAt:     s.now(),
	}

	balance, err := s.store.Reserve(ctx, res)
	if err != nil {
		if errors.Is(err, apperrors.ErrInsufficientCredits) {
			return "", err
		}
		return "", apperrors.NewReservationCreationError(err)
	}

	s.logger.WithFields(map[string]interface{}{
		logging.FieldUserID:    userID,
		logging.FieldProjectID: projectID,
		"reservationId":        res.ID,
		"reservedCents":        amountCents,
		"balanceCents":         balance,
	}).Info("Credits reserved")

	return res.ID, nil
}

// Consume settles a reservation at actualCents and returns the refunded
// amount. Cost above the reservation is recorded as excess and never blocks.
func (s *Service) Consume(ctx context.Context, reservationID string, actualCents int64, scanID string) (int64, error) {
	if reservationID == UnlimitedReservationID {
		return 0, nil
	}
	if actualCents < 0 {
		actualCents = 0
	}

	settlement, err := s.store.Settle(ctx, reservationID, func(res *models.CreditReservation) (*models.SettleDecision, error) {
		return ConsumeDecision(res, actualCents, scanID), nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to consume reservation %s: %w", reservationID, err)
	}

	log := s.logger.WithFields(map[string]interface{}{
		logging.FieldScanID: scanID,
		"reservationId":     reservationID,
		"reservedCents":     settlement.ReservedCents,
		"actualCents":       settlement.ActualCents,
		"refundedCents":     settlement.RefundedCents,
	})
	if settlement.ExcessCents > 0 {
		log.WithField("excessCents", settlement.ExcessCents).Warn("Scan cost exceeded its reservation")
	} else {
		log.Info("Reservation consumed")
	}

	return settlement.RefundedCents, nil
}

// Release refunds a reservation in full
func (s *Service) Release(ctx context.Context, reservationID, reason string) error {
	if reservationID == UnlimitedReservationID {
		return nil
	}

	settlement, err := s.store.Settle(ctx, reservationID, func(res *models.CreditReservation) (*models.SettleDecision, error) {
		return ReleaseDecision(res, reason), nil
	})
	if err != nil {
		return fmt.Errorf("failed to release reservation %s: %w", reservationID, err)
	}

	s.logger.WithFields(map[string]interface{}{
		"reservationId": reservationID,
		"refundedCents": settlement.RefundedCents,
		"reason":        reason,
	}).Info("Reservation released")
	return nil
}

// IsSettled reports whether err means the reservation was already settled
func IsSettled(err error) bool {
	return errors.Is(err, apperrors.ErrReservationSettled)
}

// ConsumeDecision settles res at actualCents: refund = max(0, reserved - actual)
func ConsumeDecision(res *models.CreditReservation, actualCents int64, scanID string) *models.SettleDecision {
	d := &models.SettleDecision{
		Status:        types.ReservationConsumed,
		ConsumedCents: &actualCents,
	}
	if scanID != "" {
		d.ScanID = &scanID
	}
	if actualCents <= res.ReservedCents {
		d.RefundCents = res.ReservedCents - actualCents
	} else {
		d.ExcessCents = actualCents - res.ReservedCents
	}
	return d
}

// ReleaseDecision refunds res in full
func ReleaseDecision(res *models.CreditReservation, reason string) *models.SettleDecision {
	return &models.SettleDecision{
		Status:      types.ReservationReleased,
		RefundCents: res.ReservedCents,
		Reason:      &reason,
	}
}
