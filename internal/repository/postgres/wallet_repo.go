package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/x402-paygate/internal/domain"
)

func (s *Store) GetWallet(ctx context.Context, userID string) (*domain.HotWallet, error) {
	query := `SELECT user_id, address, encrypted_key, frozen FROM hot_wallets WHERE user_id = $1`

	w := &domain.HotWallet{}
	err := s.pool.QueryRow(ctx, query, userID).Scan(&w.UserID, &w.Address, &w.EncryptedKey, &w.Frozen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("wallet of %s: %w", userID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: get wallet: %w", err)
	}
	return w, nil
}

// SaveWallet регистрирует кошелек (ключ уже зашифрован keystore).
func (s *Store) SaveWallet(ctx context.Context, w *domain.HotWallet) error {
	query := `
		INSERT INTO hot_wallets (user_id, address, encrypted_key, frozen)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET address = EXCLUDED.address, encrypted_key = EXCLUDED.encrypted_key, updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, w.UserID, w.Address, w.EncryptedKey, w.Frozen); err != nil {
		return fmt.Errorf("postgres: save wallet: %w", err)
	}
	return nil
}

// SetWalletFrozen — Kill-switch кошелька.
func (s *Store) SetWalletFrozen(ctx context.Context, userID string, frozen bool) error {
	ct, err := s.pool.Exec(ctx, `UPDATE hot_wallets SET frozen = $1, updated_at = NOW() WHERE user_id = $2`, frozen, userID)
	if err != nil {
		return fmt.Errorf("postgres: failed to update wallet status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("wallet of %s: %w", userID, domain.ErrNotFound)
	}
	return nil
}

// ListFrozenUsers нужен для прогрева L1/L2 кэша блокировок при старте.
func (s *Store) ListFrozenUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM hot_wallets WHERE frozen`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to fetch frozen wallets: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan user id error: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return ids, nil
}
