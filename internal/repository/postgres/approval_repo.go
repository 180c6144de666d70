package postgres

/*
Файл approval_repo.go — очередь отложенных платежей (HOLD_FOR_APPROVAL).
Все переходы статуса — compare-and-set по условию WHERE status = $from,
поэтому из двух одновременных approve/reject выигрывает ровно один.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/x402-paygate/internal/domain"
)

const pendingColumns = `id, user_id, endpoint, amount, requirement, request, status, created_at, expires_at, decided_at`

func scanPending(row pgx.Row) (*domain.PendingPayment, error) {
	var p domain.PendingPayment
	var reqRaw, snapRaw []byte
	err := row.Scan(
		&p.ID, &p.UserID, &p.Endpoint, &p.Amount, &reqRaw, &snapRaw,
		&p.Status, &p.CreatedAt, &p.ExpiresAt, &p.DecidedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(reqRaw, &p.Requirement); err != nil {
		return nil, fmt.Errorf("postgres: decode requirement snapshot: %w", err)
	}
	if err := json.Unmarshal(snapRaw, &p.Request); err != nil {
		return nil, fmt.Errorf("postgres: decode request snapshot: %w", err)
	}
	return &p, nil
}

// CreatePending создает запись в той же транзакции, что и решение политики.
func (t *pgTx) CreatePending(ctx context.Context, p *domain.PendingPayment) error {
	reqRaw, err := json.Marshal(p.Requirement)
	if err != nil {
		return err
	}
	snapRaw, err := json.Marshal(p.Request)
	if err != nil {
		return err
	}

	query := `INSERT INTO pending_payments (id, user_id, endpoint, amount, requirement, request, status, created_at, expires_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = t.q.Exec(ctx, query, p.ID, p.UserID, p.Endpoint, p.Amount, reqRaw, snapRaw, p.Status, p.CreatedAt, p.ExpiresAt)
	if err != nil {
		return fmt.Errorf("postgres: create pending payment: %w", err)
	}
	return nil
}

// GetPendingForUpdate блокирует строку до конца транзакции.
func (t *pgTx) GetPendingForUpdate(ctx context.Context, id string) (*domain.PendingPayment, error) {
	p, err := scanPending(t.q.QueryRow(ctx, `SELECT `+pendingColumns+` FROM pending_payments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("pending payment %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: get pending payment: %w", err)
	}
	return p, nil
}

// SetPendingStatus атомарно меняет статус. RETURNING отличает "не нашли" от "уже решено".
func (t *pgTx) SetPendingStatus(ctx context.Context, id string, from, to domain.PendingStatus, at time.Time) error {
	var got string
	err := t.q.QueryRow(ctx, `
		UPDATE pending_payments
		SET status = $1, decided_at = $2
		WHERE id = $3 AND status = $4
		RETURNING id`, to, at, id, from).Scan(&got)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("pending payment %s is not %s: %w", id, from, domain.ErrConcurrentTransition)
		}
		return fmt.Errorf("postgres: update pending status: %w", err)
	}
	return nil
}

func (s *Store) GetPending(ctx context.Context, id string) (*domain.PendingPayment, error) {
	p, err := scanPending(s.pool.QueryRow(ctx, `SELECT `+pendingColumns+` FROM pending_payments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("pending payment %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: get pending payment: %w", err)
	}
	return p, nil
}

// ListPending — очередь решений пользователя. Пустой status — все записи.
func (s *Store) ListPending(ctx context.Context, userID string, status domain.PendingStatus) ([]*domain.PendingPayment, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_payments WHERE user_id = $1`
	args := []any{userID}
	if status != "" {
		query += " AND status = $2"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC LIMIT 100"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query pending payments: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	results := make([]*domain.PendingPayment, 0)
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan pending payment: %w", err)
		}
		results = append(results, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

// ExpireOverdue — ленивое истечение: просроченные pending переводятся в expired одним UPDATE.
func (s *Store) ExpireOverdue(ctx context.Context, userID string, now time.Time) (int, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE pending_payments
		SET status = 'expired', decided_at = $2
		WHERE user_id = $1 AND status = 'pending' AND expires_at < $2`, userID, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: expire pending payments: %w", err)
	}
	return int(ct.RowsAffected()), nil
}
