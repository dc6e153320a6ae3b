package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/scan-orchestrator/internal/errors"
	"github.com/scan-orchestrator/internal/models"
	"github.com/scan-orchestrator/internal/types"
)

func newTestReservation(userID string, cents int64) *models.CreditReservation {
	return &models.CreditReservation{
		ID:            uuid.NewString(),
		UserID:        userID,
		ProjectID:     "p1",
		ReservedCents: cents,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestCreditRepository_ReserveAndConsume(t *testing.T) {
	db := testPostgres(t)
	repo := NewCreditRepository(db)
	ctx := testContext(t)
	seedAccount(t, db, "u1", "paid", 5000)

	res := newTestReservation("u1", 1200)
	balance, err := repo.Reserve(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, int64(3800), balance)

	consumed := int64(900)
	settlement, err := repo.Settle(ctx, res.ID, func(r *models.CreditReservation) (*models.SettleDecision, error) {
		return &models.SettleDecision{
			Status:        types.ReservationConsumed,
			ConsumedCents: &consumed,
			RefundCents:   r.ReservedCents - consumed,
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(300), settlement.RefundedCents)
	assert.Equal(t, int64(4100), settlement.BalanceCents)

	account, err := repo.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4100), account.BalanceCents)

	_, err = repo.Settle(ctx, res.ID, func(*models.CreditReservation) (*models.SettleDecision, error) {
		t.Fatal("decide must not run for a settled reservation")
		return nil, nil
	})
	assert.True(t, errors.Is(err, apperrors.ErrReservationSettled))
}

func TestCreditRepository_ReserveInsufficient(t *testing.T) {
	db := testPostgres(t)
	repo := NewCreditRepository(db)
	ctx := testContext(t)
	seedAccount(t, db, "u1", "paid", 100)

	_, err := repo.Reserve(ctx, newTestReservation("u1", 101))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientCredits))

	account, err := repo.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), account.BalanceCents)
}

func TestCreditRepository_ConcurrentReserveNeverOverdraws(t *testing.T) {
	db := testPostgres(t)
	repo := NewCreditRepository(db)
	seedAccount(t, db, "u1", "paid", 1000)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Reserve(context.Background(), newTestReservation("u1", 300)); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	account, err := repo.GetAccount(testContext(t), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), account.BalanceCents)
}
