package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/routatel/trunkline/pkg/types"
)

// RecordHealthLog implements [store.HealthStore].
func (s *Store) RecordHealthLog(ctx context.Context, log *types.HealthLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	const q = `
		INSERT INTO health_logs (service, status, count, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	err := s.pool.QueryRow(ctx, q, log.Service, log.Status, log.Count, log.Detail, log.CreatedAt).Scan(&log.ID)
	if err != nil {
		return fmt.Errorf("health logs: record: %w", err)
	}
	return nil
}

// HealthLogs implements [store.HealthStore].
func (s *Store) HealthLogs(ctx context.Context, service string, since time.Time, limit int) ([]types.HealthLog, error) {
	args := []any{}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if service != "" {
		conditions = append(conditions, "service = "+next(service))
	}
	if !since.IsZero() {
		conditions = append(conditions, "created_at >= "+next(since))
	}

	q := "SELECT id, service, status, count, detail, created_at\nFROM   health_logs"
	for i, cond := range conditions {
		if i == 0 {
			q += "\nWHERE  " + cond
		} else {
			q += "\n  AND  " + cond
		}
	}
	args = append(args, limit)
	q += fmt.Sprintf("\nORDER  BY id DESC\nLIMIT  $%d", len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("health logs: list: %w", err)
	}
	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.HealthLog, error) {
		var l types.HealthLog
		err := row.Scan(&l.ID, &l.Service, &l.Status, &l.Count, &l.Detail, &l.CreatedAt)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("health logs: scan rows: %w", err)
	}
	if logs == nil {
		logs = []types.HealthLog{}
	}
	return logs, nil
}
