package postgres

/*
Файл transaction_repo.go — леджер. Одна строка на попытку расчета.
Строка появляется в pending (резерв бюджета) и финализируется один раз.
*/

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/xela07ax/x402-paygate/internal/domain"
	"go.uber.org/zap"
)

const transactionColumns = `id, user_id, endpoint, amount, type, status, settlement_ref, pending_id, error_reason, created_at, settled_at,
	auth_asset, auth_payer, auth_nonce, auth_valid_before`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		tr                      domain.Transaction
		authAsset, payer, nonce *string
		validBefore             *time.Time
	)
	err := row.Scan(
		&tr.ID, &tr.UserID, &tr.Endpoint, &tr.Amount, &tr.Type, &tr.Status,
		&tr.SettlementRef, &tr.PendingID, &tr.ErrorReason, &tr.CreatedAt, &tr.SettledAt,
		&authAsset, &payer, &nonce, &validBefore,
	)
	if err != nil {
		return nil, err
	}
	if nonce != nil && payer != nil && authAsset != nil {
		tr.Authorization = &domain.AuthorizationRef{Asset: *authAsset, Payer: *payer, Nonce: *nonce}
		if validBefore != nil {
			tr.Authorization.ValidBefore = *validBefore
		}
	}
	return &tr, nil
}

// CurrentSpend — скользящая сумма трат: платежи pending|completed
// плюс отложенные платежи, по которым еще нет решения. Выводы не считаются.
func (t *pgTx) CurrentSpend(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	query := `
		SELECT
			(SELECT COALESCE(SUM(amount), 0) FROM transactions
			 WHERE user_id = $1 AND type = 'payment' AND status IN ('pending', 'completed') AND created_at >= $2)
			+
			(SELECT COALESCE(SUM(amount), 0) FROM pending_payments
			 WHERE user_id = $1 AND status = 'pending' AND created_at >= $2)`

	var total decimal.Decimal
	if err := t.q.QueryRow(ctx, query, userID, since).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("postgres: current spend: %w", err)
	}
	return total, nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *domain.Transaction) error {
	query := `INSERT INTO transactions (id, user_id, endpoint, amount, type, status, settlement_ref, pending_id, error_reason, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := t.q.Exec(ctx, query,
		tr.ID, tr.UserID, tr.Endpoint, tr.Amount, tr.Type, tr.Status,
		tr.SettlementRef, tr.PendingID, tr.ErrorReason, tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert transaction: %w", err)
	}
	return nil
}

// FinalizeTransaction — CAS из pending. Ссылка не затирается, если уже была записана.
func (s *Store) FinalizeTransaction(ctx context.Context, id string, status domain.TransactionStatus, ref, reason *string, at time.Time) error {
	var got string
	err := s.pool.QueryRow(ctx, `
		UPDATE transactions
		SET status = $1,
		    settlement_ref = COALESCE($2, settlement_ref),
		    error_reason = $3,
		    settled_at = $4
		WHERE id = $5 AND status = 'pending'
		RETURNING id`, status, ref, reason, at, id).Scan(&got)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: finalize transaction: %w", err)
	}

	// Не нашли строку в pending: отличаем "нет такой" от "уже финализирована"
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: finalize transaction: %w", err)
	}
	if !exists {
		return fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	return fmt.Errorf("transaction %s already finalized: %w", id, domain.ErrConcurrentTransition)
}

func (s *Store) AttachReference(ctx context.Context, id, ref string) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE transactions SET settlement_ref = $1 WHERE id = $2 AND settlement_ref IS NULL`, ref, id)
	if err != nil {
		return fmt.Errorf("postgres: attach settlement ref: %w", err)
	}
	if ct.RowsAffected() == 0 {
		s.logger.Debug("settlement ref already set or transaction missing", zap.String("id", id))
	}
	return nil
}

// AttachAuthorization записывается до отправки оплаченного запроса: после этого
// исход расчета можно найти в сети по (payer, nonce).
func (s *Store) AttachAuthorization(ctx context.Context, id string, auth domain.AuthorizationRef) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE transactions
		SET auth_asset = $1, auth_payer = $2, auth_nonce = $3, auth_valid_before = $4
		WHERE id = $5`, auth.Asset, auth.Payer, auth.Nonce, auth.ValidBefore, id)
	if err != nil {
		return fmt.Errorf("postgres: attach authorization: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]*domain.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query transactions: %w", err)
	}
	defer rows.Close()

	results := make([]*domain.Transaction, 0)
	for rows.Next() {
		tr, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan transaction: %w", err)
		}
		results = append(results, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

func (s *Store) GetTransactionByRef(ctx context.Context, userID, ref string) (*domain.Transaction, error) {
	tr, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE user_id = $1 AND lower(settlement_ref) = lower($2) LIMIT 1`,
		userID, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("transaction with ref %s: %w", ref, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: get transaction by ref: %w", err)
	}
	return tr, nil
}
