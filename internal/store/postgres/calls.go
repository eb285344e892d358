package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/routatel/trunkline/internal/store"
	"github.com/routatel/trunkline/pkg/types"
)

const callColumns = `call_sid, provider, direction, phone_number, status,
       created_at, started_at, ended_at, duration_s,
       user_chat_id, customer_name, prompt, first_message, business_context,
       last_otp, last_otp_masked, digit_count, digit_summary, ai_analysis`

// rowScanner is satisfied by both pgx.Row and pgx.CollectableRow.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanCall scans one row in callColumns order.
func scanCall(row rowScanner) (*types.Call, error) {
	var c types.Call
	err := row.Scan(
		&c.CallSID, &c.Provider, &c.Direction, &c.PhoneNumber, &c.Status,
		&c.CreatedAt, &c.StartedAt, &c.EndedAt, &c.Duration,
		&c.UserChatID, &c.CustomerName, &c.Prompt, &c.FirstMessage, &c.BusinessContext,
		&c.LastOTP, &c.LastOTPMasked, &c.DigitCount, &c.DigitSummary, &c.AIAnalysis,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// collectCalls scans pgx rows into a slice of call values.
func collectCalls(rows pgx.Rows) ([]types.Call, error) {
	calls, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Call, error) {
		c, err := scanCall(row)
		if err != nil {
			return types.Call{}, err
		}
		return *c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("calls: scan rows: %w", err)
	}
	if calls == nil {
		calls = []types.Call{}
	}
	return calls, nil
}

// CreateCall implements [store.CallStore].
func (s *Store) CreateCall(ctx context.Context, call *types.Call) error {
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now()
	}
	const q = `
		INSERT INTO calls
		    (call_sid, provider, direction, phone_number, status,
		     created_at, started_at, ended_at, duration_s,
		     user_chat_id, customer_name, prompt, first_message, business_context,
		     last_otp, last_otp_masked, digit_count, digit_summary, ai_analysis)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err := s.pool.Exec(ctx, q,
		call.CallSID, call.Provider, call.Direction, call.PhoneNumber, call.Status,
		call.CreatedAt, call.StartedAt, call.EndedAt, call.Duration,
		call.UserChatID, call.CustomerName, call.Prompt, call.FirstMessage, call.BusinessContext,
		call.LastOTP, call.LastOTPMasked, call.DigitCount, call.DigitSummary, call.AIAnalysis,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("calls: create: %w", err)
	}
	return nil
}

// Call implements [store.CallStore].
func (s *Store) Call(ctx context.Context, callSID string) (*types.Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE call_sid = $1`
	call, err := scanCall(s.pool.QueryRow(ctx, q, callSID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("calls: get: %w", err)
	}
	return call, nil
}

// UpdateCallStatus implements [store.CallStore]. The row is locked for the
// duration of the transition so concurrent provider webhooks serialize.
func (s *Store) UpdateCallStatus(ctx context.Context, callSID string, status types.CallStatus, at time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("calls: begin status update: %w", err)
	}
	defer tx.Rollback(ctx)

	q := `SELECT ` + callColumns + ` FROM calls WHERE call_sid = $1 FOR UPDATE`
	call, err := scanCall(tx.QueryRow(ctx, q, callSID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, store.ErrNotFound
		}
		return false, fmt.Errorf("calls: lock for status update: %w", err)
	}

	if !store.ApplyStatus(call, status, at) {
		return false, nil
	}

	const upd = `
		UPDATE calls
		SET    status = $2, started_at = $3, ended_at = $4, duration_s = $5
		WHERE  call_sid = $1`
	if _, err := tx.Exec(ctx, upd, callSID, call.Status, call.StartedAt, call.EndedAt, call.Duration); err != nil {
		return false, fmt.Errorf("calls: update status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("calls: commit status update: %w", err)
	}
	return true, nil
}

// UpdateCall implements [store.CallStore].
func (s *Store) UpdateCall(ctx context.Context, callSID string, upd store.CallUpdate) error {
	args := []any{callSID} // $1 = call_sid
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var sets []string
	if upd.CustomerName != nil {
		sets = append(sets, "customer_name = "+next(*upd.CustomerName))
	}
	if upd.BusinessContext != nil {
		sets = append(sets, "business_context = "+next(*upd.BusinessContext))
	}
	if upd.LastOTP != nil {
		sets = append(sets, "last_otp = "+next(*upd.LastOTP))
	}
	if upd.LastOTPMasked != nil {
		sets = append(sets, "last_otp_masked = "+next(*upd.LastOTPMasked))
	}
	if upd.DigitCount != nil {
		sets = append(sets, "digit_count = "+next(*upd.DigitCount))
	}
	if upd.DigitSummary != nil {
		sets = append(sets, "digit_summary = "+next(*upd.DigitSummary))
	}
	if upd.AIAnalysis != nil {
		sets = append(sets, "ai_analysis = "+next(*upd.AIAnalysis))
	}
	if len(sets) == 0 {
		return nil
	}

	q := "UPDATE calls SET " + strings.Join(sets, ", ") + " WHERE call_sid = $1"
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("calls: update fields: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListCalls implements [store.CallStore].
func (s *Store) ListCalls(ctx context.Context, limit int) ([]types.Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls ORDER BY created_at DESC, call_sid LIMIT $1`
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("calls: list: %w", err)
	}
	return collectCalls(rows)
}

// SearchCalls implements [store.CallStore].
func (s *Store) SearchCalls(ctx context.Context, q string, limit int) ([]types.Call, error) {
	pattern := "%" + escapeLike(q) + "%"
	query := `SELECT ` + callColumns + `
		FROM   calls
		WHERE  call_sid ILIKE $1
		   OR  phone_number ILIKE $1
		   OR  customer_name ILIKE $1
		   OR  prompt ILIKE $1
		   OR  business_context ILIKE $1
		ORDER  BY created_at DESC, call_sid
		LIMIT  $2`
	rows, err := s.pool.Query(ctx, query, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("calls: search: %w", err)
	}
	return collectCalls(rows)
}

// CountCallsByStatus implements [store.CallStore].
func (s *Store) CountCallsByStatus(ctx context.Context) (map[types.CallStatus]int, error) {
	const q = `SELECT status, count(*) FROM calls GROUP BY status`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("calls: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.CallStatus]int)
	for rows.Next() {
		var (
			status types.CallStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("calls: scan count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("calls: count rows: %w", err)
	}
	return counts, nil
}

// escapeLike escapes the LIKE metacharacters in a user-supplied search term.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
