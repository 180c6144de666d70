package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/x402-paygate/internal/audit"
	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/repository"
	"go.uber.org/zap"
)

func TestIsSerializationFailure(t *testing.T) {
	assert.True(t, isSerializationFailure(&pgconn.PgError{Code: "40001"}))
	assert.True(t, isSerializationFailure(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40P01"})))
	assert.False(t, isSerializationFailure(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isSerializationFailure(errors.New("boom")))
	assert.False(t, isSerializationFailure(domain.ErrPolicyRejected))
}

// Интеграционные тесты требуют живой PostgreSQL: PAYGATE_TEST_DATABASE_URL
func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	url := os.Getenv("PAYGATE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PAYGATE_TEST_DATABASE_URL is not set, skipping test")
	}

	ctx := context.Background()
	s, err := NewStore(ctx, Options{URL: url, MaxConns: 10}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Ping(ctx))

	schema, err := os.ReadFile("../../../migrations/0001_init.sql")
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, string(schema))
	require.NoError(t, err)
	return s
}

func TestUserTxSerializesSpend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := "it-" + uuid.NewString()
	limit := decimal.NewFromInt(20)

	require.NoError(t, s.UpsertPolicy(ctx, &domain.SpendingPolicy{
		UserID: user, PerRequestLimit: decimal.NewFromInt(5), DailyLimit: limit, RequireApprovalAbove: decimal.NewFromInt(5),
	}))

	// 10 параллельных резервов по 4: влезть могут только 5
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithUserTx(ctx, user, func(tx repository.Tx) error {
				spend, err := tx.CurrentSpend(ctx, user, time.Now().Add(-repository.SpendWindow))
				if err != nil {
					return err
				}
				amount := decimal.NewFromInt(4)
				if spend.Add(amount).GreaterThan(limit) {
					return domain.ErrPolicyRejected
				}
				return tx.InsertTransaction(ctx, &domain.Transaction{
					ID: uuid.NewString(), UserID: user, Endpoint: "e", Amount: amount,
					Type: domain.TransactionPayment, Status: domain.TransactionPending, CreatedAt: time.Now(),
				})
			})
		}()
	}
	wg.Wait()

	rows, err := s.ListTransactions(ctx, user, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 5)
}

func TestPendingLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := "it-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	p := &domain.PendingPayment{
		ID: uuid.NewString(), UserID: user, Endpoint: "https://api.example.com", Amount: decimal.RequireFromString("3.00"),
		Requirement: domain.PaymentRequirement{Scheme: "exact", Network: "base-sepolia", MaxAmountRequired: "3000000"},
		Request:     domain.RequestSnapshot{Method: "GET", URL: "https://api.example.com"},
		Status:      domain.PendingStatusPending, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, s.WithUserTx(ctx, user, func(tx repository.Tx) error { return tx.CreatePending(ctx, p) }))

	got, err := s.GetPending(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "3000000", got.Requirement.MaxAmountRequired)
	assert.Equal(t, "https://api.example.com", got.Request.URL)

	require.NoError(t, s.WithUserTx(ctx, user, func(tx repository.Tx) error {
		return tx.SetPendingStatus(ctx, p.ID, domain.PendingStatusPending, domain.PendingStatusRejected, now)
	}))
	err = s.WithUserTx(ctx, user, func(tx repository.Tx) error {
		return tx.SetPendingStatus(ctx, p.ID, domain.PendingStatusPending, domain.PendingStatusApproved, now)
	})
	assert.ErrorIs(t, err, domain.ErrConcurrentTransition)
}

func TestFinalizeAndAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := "it-" + uuid.NewString()
	id := uuid.NewString()

	require.NoError(t, s.WithUserTx(ctx, user, func(tx repository.Tx) error {
		return tx.InsertTransaction(ctx, &domain.Transaction{
			ID: id, UserID: user, Endpoint: "e", Amount: decimal.NewFromInt(1),
			Type: domain.TransactionPayment, Status: domain.TransactionPending, CreatedAt: time.Now(),
		})
	}))

	ref := "0x" + fmt.Sprintf("%064x", time.Now().UnixNano())
	require.NoError(t, s.FinalizeTransaction(ctx, id, domain.TransactionCompleted, &ref, nil, time.Now()))
	assert.ErrorIs(t, s.FinalizeTransaction(ctx, id, domain.TransactionFailed, nil, nil, time.Now()), domain.ErrConcurrentTransition)
	assert.ErrorIs(t, s.FinalizeTransaction(ctx, uuid.NewString(), domain.TransactionFailed, nil, nil, time.Now()), domain.ErrNotFound)

	tr, err := s.GetTransactionByRef(ctx, user, ref)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionCompleted, tr.Status)
	assert.Nil(t, tr.Authorization)

	auth := domain.AuthorizationRef{
		Asset: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Payer: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		Nonce: ref, ValidBefore: time.Now().Add(time.Minute).Truncate(time.Second).UTC(),
	}
	require.NoError(t, s.AttachAuthorization(ctx, id, auth))
	assert.ErrorIs(t, s.AttachAuthorization(ctx, uuid.NewString(), auth), domain.ErrNotFound)
	tr, err = s.GetTransactionByRef(ctx, user, ref)
	require.NoError(t, err)
	require.NotNil(t, tr.Authorization)
	assert.Equal(t, auth.Nonce, tr.Authorization.Nonce)
	assert.True(t, auth.ValidBefore.Equal(tr.Authorization.ValidBefore))

	require.NoError(t, s.WriteBatch(ctx, []audit.PaymentEvent{
		{ID: uuid.NewString(), UserID: user, Stage: audit.StageDecision, Timestamp: time.Now()},
		{ID: uuid.NewString(), UserID: user, Stage: audit.StageSettlement, TransactionID: id, SettlementRef: ref, Timestamp: time.Now()},
	}))
}
