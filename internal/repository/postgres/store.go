package postgres

/*
Файл store.go — подключение к PostgreSQL и пользовательские транзакции.

WithUserTx: SERIALIZABLE + pg_advisory_xact_lock(hashtext(user_id)).
Advisory lock выстраивает транзакции одного пользователя в очередь,
SERIALIZABLE страхует инварианты на уровне БД. Ошибки сериализации (40001)
и дедлоки (40P01) повторяются ограниченное число раз.
*/

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/x402-paygate/internal/repository"
	"go.uber.org/zap"
)

const (
	sqlStateSerialization = "40001"
	sqlStateDeadlock      = "40P01"
)

// querier — общее подмножество pgxpool.Pool и pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool       *pgxpool.Pool
	txAttempts uint
	logger     *zap.Logger
}

var _ repository.Store = (*Store)(nil)

type Options struct {
	URL        string
	MaxConns   int32
	MinConns   int32
	TxAttempts uint
}

// NewStore создает пул соединений. Доступность базы проверяется через Ping в main.
func NewStore(ctx context.Context, opts Options, logger *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if opts.TxAttempts == 0 {
		opts.TxAttempts = 5
	}
	return &Store{pool: pool, txAttempts: opts.TxAttempts, logger: logger.Named("postgres")}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) WithUserTx(ctx context.Context, userID string, fn func(tx repository.Tx) error) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(s.txAttempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(isSerializationFailure),
		retry.Delay(10*time.Millisecond),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Debug("user tx retry", zap.String("user_id", userID), zap.Uint("attempt", n), zap.Error(err))
		}),
	)
	return r.Do(func() error {
		return s.userTx(ctx, userID, fn)
	})
}

func (s *Store) userTx(ctx context.Context, userID string, fn func(tx repository.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	// После Commit откат — no-op
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return fmt.Errorf("postgres: advisory lock: %w", err)
	}

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateSerialization || pgErr.Code == sqlStateDeadlock
	}
	return false
}

// pgTx — операции внутри пользовательской транзакции.
type pgTx struct {
	q querier
}
