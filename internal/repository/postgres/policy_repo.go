package postgres

/*
Файл policy_repo.go — хранение лимитов расходов.
Политика читается только внутри пользовательской транзакции, вместе с текущими тратами.
*/

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/x402-paygate/internal/domain"
)

// GetPolicy выбирает политику эндпоинта, а если ее нет — политику пользователя по умолчанию ('*').
func (t *pgTx) GetPolicy(ctx context.Context, userID, endpoint string) (*domain.SpendingPolicy, error) {
	query := `
		SELECT user_id, endpoint, per_request_limit, daily_limit, require_approval_above, updated_at
		FROM spending_policies
		WHERE user_id = $1 AND (endpoint = $2 OR endpoint = '*')
		ORDER BY (endpoint != '*') DESC -- Сначала специфичная политика эндпоинта
		LIMIT 1`

	var p domain.SpendingPolicy
	err := t.q.QueryRow(ctx, query, userID, endpoint).Scan(
		&p.UserID, &p.Endpoint, &p.PerRequestLimit, &p.DailyLimit, &p.RequireApprovalAbove, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Политики нет — движок трактует как REJECT
		}
		return nil, fmt.Errorf("postgres: get policy: %w", err)
	}
	return &p, nil
}

// UpsertPolicy — явная настройка политики пользователем.
func (s *Store) UpsertPolicy(ctx context.Context, p *domain.SpendingPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	endpoint := p.Endpoint
	if endpoint == "" {
		endpoint = domain.WildcardEndpoint
	}

	query := `
		INSERT INTO spending_policies (user_id, endpoint, per_request_limit, daily_limit, require_approval_above, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id, endpoint) DO UPDATE
		SET per_request_limit = EXCLUDED.per_request_limit,
		    daily_limit = EXCLUDED.daily_limit,
		    require_approval_above = EXCLUDED.require_approval_above,
		    updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query, p.UserID, endpoint, p.PerRequestLimit, p.DailyLimit, p.RequireApprovalAbove)
	if err != nil {
		return fmt.Errorf("postgres: upsert policy: %w", err)
	}
	return nil
}
