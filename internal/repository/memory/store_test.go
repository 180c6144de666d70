package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/x402-paygate/internal/audit"
	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/repository"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func paymentRow(id, user, amount string, status domain.TransactionStatus, at time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID: id, UserID: user, Endpoint: "https://api.example.com", Amount: d(amount),
		Type: domain.TransactionPayment, Status: status, CreatedAt: at,
	}
}

func TestPolicyLookupPrefersEndpoint(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.UpsertPolicy(ctx, &domain.SpendingPolicy{UserID: "u1", PerRequestLimit: d("5"), DailyLimit: d("20"), RequireApprovalAbove: d("2")}))
	require.NoError(t, s.UpsertPolicy(ctx, &domain.SpendingPolicy{UserID: "u1", Endpoint: "https://a", PerRequestLimit: d("1"), DailyLimit: d("3"), RequireApprovalAbove: d("1")}))

	err := s.WithUserTx(ctx, "u1", func(tx repository.Tx) error {
		p, err := tx.GetPolicy(ctx, "u1", "https://a")
		require.NoError(t, err)
		assert.True(t, p.DailyLimit.Equal(d("3")))

		p, err = tx.GetPolicy(ctx, "u1", "https://b")
		require.NoError(t, err)
		assert.Equal(t, domain.WildcardEndpoint, p.Endpoint)

		p, err = tx.GetPolicy(ctx, "u2", "https://b")
		require.NoError(t, err)
		assert.Nil(t, p)
		return nil
	})
	require.NoError(t, err)

	assert.ErrorIs(t, s.UpsertPolicy(ctx, &domain.SpendingPolicy{UserID: "u1", DailyLimit: d("1"), RequireApprovalAbove: d("2")}), domain.ErrInvalidPolicy)
}

func TestCurrentSpend(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now()

	err := s.WithUserTx(ctx, "u1", func(tx repository.Tx) error {
		require.NoError(t, tx.InsertTransaction(ctx, paymentRow("t1", "u1", "1.50", domain.TransactionCompleted, now)))
		require.NoError(t, tx.InsertTransaction(ctx, paymentRow("t2", "u1", "2.00", domain.TransactionPending, now)))
		require.NoError(t, tx.InsertTransaction(ctx, paymentRow("t3", "u1", "9.00", domain.TransactionFailed, now)))
		require.NoError(t, tx.InsertTransaction(ctx, paymentRow("t4", "u1", "4.00", domain.TransactionCompleted, now.Add(-25*time.Hour))))
		w := paymentRow("t5", "u1", "7.00", domain.TransactionCompleted, now)
		w.Type = domain.TransactionWithdrawal
		require.NoError(t, tx.InsertTransaction(ctx, w))
		require.NoError(t, tx.CreatePending(ctx, &domain.PendingPayment{ID: "p1", UserID: "u1", Amount: d("3.00"), Status: domain.PendingStatusPending, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))

		// Свои незакоммиченные записи видны внутри транзакции
		spend, err := tx.CurrentSpend(ctx, "u1", now.Add(-repository.SpendWindow))
		require.NoError(t, err)
		assert.True(t, spend.Equal(d("6.50")), spend.String())
		return nil
	})
	require.NoError(t, err)

	err = s.WithUserTx(ctx, "u2", func(tx repository.Tx) error {
		spend, err := tx.CurrentSpend(ctx, "u2", now.Add(-repository.SpendWindow))
		require.NoError(t, err)
		assert.True(t, spend.IsZero())
		return nil
	})
	require.NoError(t, err)
}

func TestRollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	boom := errors.New("boom")

	err := s.WithUserTx(ctx, "u1", func(tx repository.Tx) error {
		require.NoError(t, tx.InsertTransaction(ctx, paymentRow("t1", "u1", "1", domain.TransactionPending, time.Now())))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	rows, err := s.ListTransactions(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestFinalizeExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.WithUserTx(ctx, "u1", func(tx repository.Tx) error {
		return tx.InsertTransaction(ctx, paymentRow("t1", "u1", "1", domain.TransactionPending, time.Now()))
	}))

	ref := "0xabc"
	require.NoError(t, s.FinalizeTransaction(ctx, "t1", domain.TransactionCompleted, &ref, nil, time.Now()))
	err := s.FinalizeTransaction(ctx, "t1", domain.TransactionFailed, nil, nil, time.Now())
	assert.ErrorIs(t, err, domain.ErrConcurrentTransition)

	tr, err := s.GetTransactionByRef(ctx, "u1", "0xABC")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionCompleted, tr.Status)
	assert.NotNil(t, tr.SettledAt)

	_, err = s.GetTransactionByRef(ctx, "u2", ref)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, s.FinalizeTransaction(ctx, "missing", domain.TransactionFailed, nil, nil, time.Now()), domain.ErrNotFound)
}

func TestAttachAuthorization(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.WithUserTx(ctx, "u1", func(tx repository.Tx) error {
		return tx.InsertTransaction(ctx, paymentRow("t1", "u1", "1", domain.TransactionPending, time.Now()))
	}))

	auth := domain.AuthorizationRef{Asset: "0xtoken", Payer: "0xpayer", Nonce: "0x01", ValidBefore: time.Now().Add(time.Minute)}
	require.NoError(t, s.AttachAuthorization(ctx, "t1", auth))
	assert.ErrorIs(t, s.AttachAuthorization(ctx, "missing", auth), domain.ErrNotFound)

	txs, err := s.ListTransactions(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.NotNil(t, txs[0].Authorization)
	assert.Equal(t, auth, *txs[0].Authorization)

	// ссылка, найденная позже, дописывается один раз
	require.NoError(t, s.AttachReference(ctx, "t1", "0xaa"))
	require.NoError(t, s.AttachReference(ctx, "t1", "0xbb"))
	tr, err := s.GetTransactionByRef(ctx, "u1", "0xaa")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionPending, tr.Status)
}

func TestPendingCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now()
	require.NoError(t, s.WithUserTx(ctx, "u1", func(tx repository.Tx) error {
		return tx.CreatePending(ctx, &domain.PendingPayment{ID: "p1", UserID: "u1", Amount: d("3"), Status: domain.PendingStatusPending, CreatedAt: now, ExpiresAt: now.Add(time.Hour)})
	}))

	require.NoError(t, s.WithUserTx(ctx, "u1", func(tx repository.Tx) error {
		return tx.SetPendingStatus(ctx, "p1", domain.PendingStatusPending, domain.PendingStatusRejected, now)
	}))

	err := s.WithUserTx(ctx, "u1", func(tx repository.Tx) error {
		return tx.SetPendingStatus(ctx, "p1", domain.PendingStatusPending, domain.PendingStatusApproved, now)
	})
	assert.ErrorIs(t, err, domain.ErrConcurrentTransition)

	p, err := s.GetPending(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PendingStatusRejected, p.Status)
	assert.NotNil(t, p.DecidedAt)
}

func TestExpireOverdue(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now()
	require.NoError(t, s.WithUserTx(ctx, "u1", func(tx repository.Tx) error {
		require.NoError(t, tx.CreatePending(ctx, &domain.PendingPayment{ID: "old", UserID: "u1", Status: domain.PendingStatusPending, CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)}))
		return tx.CreatePending(ctx, &domain.PendingPayment{ID: "fresh", UserID: "u1", Status: domain.PendingStatusPending, CreatedAt: now, ExpiresAt: now.Add(time.Hour)})
	}))

	n, err := s.ExpireOverdue(ctx, "u1", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := s.ListPending(ctx, "u1", domain.PendingStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "fresh", pending[0].ID)

	all, err := s.ListPending(ctx, "u1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestWalletFreeze(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.SaveWallet(ctx, &domain.HotWallet{UserID: "u1", Address: "0x1", EncryptedKey: []byte{1}}))
	require.NoError(t, s.SaveWallet(ctx, &domain.HotWallet{UserID: "u2", Address: "0x2"}))

	require.NoError(t, s.SetWalletFrozen(ctx, "u2", true))
	frozen, err := s.ListFrozenUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, frozen)

	assert.ErrorIs(t, s.SetWalletFrozen(ctx, "nobody", true), domain.ErrNotFound)
	_, err = s.GetWallet(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFetchLogs(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.WriteBatch(ctx, []audit.PaymentEvent{
		{ID: "e1", UserID: "u1", Stage: audit.StageDecision},
		{ID: "e2", UserID: "u2", Stage: audit.StageDecision},
		{ID: "e3", UserID: "u1", Stage: audit.StageSettlement},
		{ID: "e4", UserID: "u1", Stage: audit.StageDecision},
	}))

	all, err := s.FetchLogs(ctx, "u1", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "e4", all[0].ID)

	decisions, err := s.FetchLogs(ctx, "u1", audit.StageDecision, 1)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "e4", decisions[0].ID)

	none, err := s.FetchLogs(ctx, "u3", "", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
