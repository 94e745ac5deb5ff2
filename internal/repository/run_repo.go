// Package repository persists completed federation runs. The store is
// write-behind only: the protocol never reads it back, the ledger stays the
// single source of truth.
package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Run is one persisted federation run.
type Run struct {
	ID         string     `json:"id"`
	Role       string     `json:"role"`
	DomainName string     `json:"domain_name"`
	ServiceID  string     `json:"service_id,omitempty"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Steps      []RunStep  `json:"steps,omitempty"`
}

// RunStep is one phase timestamp within a run.
type RunStep struct {
	Seq         int    `json:"seq"`
	Step        string `json:"step"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// RunRepository stores runs in PostgreSQL.
type RunRepository struct {
	pool *pgxpool.Pool
}

// NewRunRepository creates a repository on an existing pool.
func NewRunRepository(pool *pgxpool.Pool) *RunRepository {
	return &RunRepository{pool: pool}
}

// SaveRun inserts a finished run together with its ordered phase steps.
// Steps are [label, value] pairs as produced by the run recorder; the final
// service_id row is skipped since the run carries the id already.
func (r *RunRepository) SaveRun(ctx context.Context, run Run, steps [][2]string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO runs (id, role, domain_name, service_id, status, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.Role, run.DomainName, run.ServiceID, run.Status, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, s := range steps {
		ms, err := strconv.ParseInt(s[1], 10, 64)
		if err != nil {
			continue
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO run_steps (run_id, seq, step, timestamp_ms) VALUES ($1, $2, $3, $4)`,
			run.ID, i, s[0], ms,
		)
		if err != nil {
			return fmt.Errorf("insert step %d: %w", i, err)
		}
	}
	return tx.Commit(ctx)
}

// List returns recent runs, newest first.
func (r *RunRepository) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, role, domain_name, COALESCE(service_id, ''), status, started_at, finished_at
		 FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.ID, &run.Role, &run.DomainName, &run.ServiceID, &run.Status, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Get returns one run with its steps, or pgx.ErrNoRows.
func (r *RunRepository) Get(ctx context.Context, id string) (Run, error) {
	var run Run
	err := r.pool.QueryRow(ctx,
		`SELECT id, role, domain_name, COALESCE(service_id, ''), status, started_at, finished_at
		 FROM runs WHERE id = $1`, id).
		Scan(&run.ID, &run.Role, &run.DomainName, &run.ServiceID, &run.Status, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		return Run{}, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT seq, step, timestamp_ms FROM run_steps WHERE run_id = $1 ORDER BY seq`, id)
	if err != nil {
		return Run{}, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s RunStep
		if err := rows.Scan(&s.Seq, &s.Step, &s.TimestampMS); err != nil {
			return Run{}, fmt.Errorf("scan step: %w", err)
		}
		run.Steps = append(run.Steps, s)
	}
	return run, rows.Err()
}

// NotFound reports whether err means the run does not exist.
func NotFound(err error) bool {
	return err == pgx.ErrNoRows
}
