// Package ledgertest provides an in-memory ledger store for tests.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/scan-orchestrator/internal/errors"
	"github.com/scan-orchestrator/internal/models"
	"github.com/scan-orchestrator/internal/types"
)

// Store is an in-memory ledger.Store with the same atomicity guarantees as
// the Postgres repository.
type Store struct {
	mu           sync.Mutex
	accounts     map[string]*models.UserAccount
	reservations map[string]*models.CreditReservation

	// ReserveErr, when set, fails every Reserve call.
	ReserveErr error
	// SettleErr, when set, fails every Settle call.
	SettleErr error
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		accounts:     make(map[string]*models.UserAccount),
		reservations: make(map[string]*models.CreditReservation),
	}
}

// AddAccount inserts or replaces an account
func (s *Store) AddAccount(id string, tier types.UserTier, balanceCents int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[id] = &models.UserAccount{ID: id, Tier: tier, BalanceCents: balanceCents}
}

// Balance returns the current balance of an account
func (s *Store) Balance(id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		return a.BalanceCents
	}
	return 0
}

// Reservations returns a snapshot of every reservation
func (s *Store) Reservations() []models.CreditReservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CreditReservation, 0, len(s.reservations))
	for _, r := range s.reservations {
		out = append(out, *r)
	}
	return out
}

func (s *Store) GetAccount(_ context.Context, userID string) (*models.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		return nil, apperrors.NewNotFoundError("account", userID)
	}
	cp := *a
	return &cp, nil
}

func (s *Store) Reserve(_ context.Context, res *models.CreditReservation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReserveErr != nil {
		return 0, s.ReserveErr
	}
	a, ok := s.accounts[res.UserID]
	if !ok {
		return 0, apperrors.NewNotFoundError("account", res.UserID)
	}
	if a.BalanceCents < res.ReservedCents {
		return 0, apperrors.NewInsufficientCreditsError(res.UserID, res.ReservedCents)
	}
	a.BalanceCents -= res.ReservedCents

	cp := *res
	cp.Status = types.ReservationActive
	s.reservations[res.ID] = &cp
	res.Status = types.ReservationActive
	return a.BalanceCents, nil
}

func (s *Store) GetReservation(_ context.Context, id string) (*models.CreditReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("reservation", id)
	}
	cp := *r
	return &cp, nil
}

func (s *Store) Settle(_ context.Context, id string, decide func(*models.CreditReservation) (*models.SettleDecision, error)) (*models.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SettleErr != nil {
		return nil, s.SettleErr
	}
	r, ok := s.reservations[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("reservation", id)
	}
	if r.Status != types.ReservationActive {
		return nil, fmt.Errorf("reservation %s is %s: %w", id, r.Status, apperrors.ErrReservationSettled)
	}

	cp := *r
	d, err := decide(&cp)
	if err != nil {
		return nil, err
	}

	a := s.accounts[r.UserID]
	a.BalanceCents += d.RefundCents

	now := time.Now().UTC()
	r.Status = d.Status
	r.ConsumedCents = d.ConsumedCents
	r.ReleaseReason = d.Reason
	r.SettledAt = &now
	if d.ScanID != nil {
		r.ScanID = d.ScanID
	}

	out := &models.Settlement{
		ReservationID: id,
		ReservedCents: r.ReservedCents,
		RefundedCents: d.RefundCents,
		ExcessCents:   d.ExcessCents,
		BalanceCents:  a.BalanceCents,
	}
	if d.ConsumedCents != nil {
		out.ActualCents = *d.ConsumedCents
	}
	return out, nil
}
