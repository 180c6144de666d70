package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/x402-paygate/internal/audit"
)

const auditFields = 14

// WriteBatch пишет пачку событий одним многострочным INSERT.
func (s *Store) WriteBatch(ctx context.Context, events []audit.PaymentEvent) error {
	if len(events) == 0 {
		return nil
	}

	var placeholders strings.Builder
	vals := make([]any, 0, len(events)*auditFields)

	for i, e := range events {
		if i > 0 {
			placeholders.WriteString(",")
		}
		placeholders.WriteString("(")
		for j := 1; j <= auditFields; j++ {
			if j > 1 {
				placeholders.WriteString(", ")
			}
			fmt.Fprintf(&placeholders, "$%d", i*auditFields+j)
		}
		placeholders.WriteString(")")

		vals = append(vals,
			e.ID, e.TraceID, e.UserID, e.Endpoint, e.Amount,
			e.Stage, e.Decision, e.Status, e.TransactionID, e.PendingID,
			e.SettlementRef, e.Error, e.DurationMs, e.Timestamp,
		)
	}

	query := "INSERT INTO payment_audit (id, trace_id, user_id, endpoint, amount, stage, decision, status, " +
		"transaction_id, pending_id, settlement_ref, error, duration_ms, timestamp) VALUES " + placeholders.String()

	if _, err := s.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write audit batch: %w", err)
	}
	return nil
}

// FetchLogs — события пользователя, новые первыми. Пустой stage — все стадии.
func (s *Store) FetchLogs(ctx context.Context, userID, stage string, limit int) ([]audit.PaymentEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(trace_id, ''), user_id, COALESCE(endpoint, ''), COALESCE(amount, 0), stage,
		       COALESCE(decision, ''), COALESCE(status, ''), COALESCE(transaction_id, ''), COALESCE(pending_id, ''),
		       COALESCE(settlement_ref, ''), COALESCE(error, ''), COALESCE(duration_ms, 0), timestamp
		FROM payment_audit
		WHERE user_id = $1 AND ($2 = '' OR stage = $2)
		ORDER BY timestamp DESC
		LIMIT $3`, userID, stage, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit: %w", err)
	}
	defer rows.Close()

	events := make([]audit.PaymentEvent, 0)
	for rows.Next() {
		var e audit.PaymentEvent
		if err := rows.Scan(
			&e.ID, &e.TraceID, &e.UserID, &e.Endpoint, &e.Amount, &e.Stage,
			&e.Decision, &e.Status, &e.TransactionID, &e.PendingID,
			&e.SettlementRef, &e.Error, &e.DurationMs, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan audit event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return events, nil
}
