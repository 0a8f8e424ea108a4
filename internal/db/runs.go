package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/quantmill/quantmill/pkg/optimize"
)

// PgxIface is the pool surface the store uses; satisfied by *pgxpool.Pool
// and by pgxmock in tests.
type PgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RunRecord is one persisted optimization run.
type RunRecord struct {
	ID               uuid.UUID             `json:"id"`
	CreatedAt        time.Time             `json:"created_at"`
	Algorithm        string                `json:"algorithm"`
	Objective        string                `json:"objective"`
	Direction        string                `json:"direction"`
	State            string                `json:"state"`
	BestParams       optimize.ParameterSet `json:"best_params,omitempty"`
	BestScore        *float64              `json:"best_score,omitempty"`
	TotalTrials      int                   `json:"total_trials"`
	SuccessfulTrials int                   `json:"successful_trials"`
	FailedTrials     int                   `json:"failed_trials"`
	PrunedTrials     int                   `json:"pruned_trials"`
	ElapsedMS        int64                 `json:"elapsed_ms"`
	WasInterrupted   bool                  `json:"was_interrupted"`
	ConstraintScore  *float64              `json:"constraint_score,omitempty"`
}

// RunStore persists optimization results to the optimization_runs table.
type RunStore struct {
	db PgxIface
}

// NewRunStore creates a store over the given pool.
func NewRunStore(db PgxIface) *RunStore {
	return &RunStore{db: db}
}

const insertRunQuery = `
	INSERT INTO optimization_runs (
		id, created_at, algorithm, objective, direction, state,
		best_params, best_score, total_trials, successful_trials,
		failed_trials, pruned_trials, elapsed_ms, was_interrupted,
		constraint_score
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

// SaveRun persists one completed optimization result.
func (s *RunStore) SaveRun(ctx context.Context, result *optimize.Result) error {
	var paramsJSON []byte
	if result.BestParams != nil {
		var err error
		paramsJSON, err = json.Marshal(result.BestParams)
		if err != nil {
			return fmt.Errorf("failed to marshal best params: %w", err)
		}
	}

	var constraintScore *float64
	if result.Constraints != nil {
		score := result.Constraints.TotalConstraintScore
		constraintScore = &score
	}

	_, err := s.db.Exec(ctx, insertRunQuery,
		result.RunID,
		time.Now().UTC(),
		result.Algorithm,
		result.Objective,
		result.Direction,
		string(result.State),
		paramsJSON,
		result.BestScore,
		result.TotalTrials,
		result.SuccessfulTrials,
		result.Errors.TotalFailed,
		result.PrunedTrials,
		result.Timing.TotalElapsed.Milliseconds(),
		result.WasInterrupted,
		constraintScore,
	)
	if err != nil {
		return fmt.Errorf("failed to insert optimization run %s: %w", result.RunID, err)
	}
	return nil
}

const selectRunColumns = `
	SELECT id, created_at, algorithm, objective, direction, state,
		best_params, best_score, total_trials, successful_trials,
		failed_trials, pruned_trials, elapsed_ms, was_interrupted,
		constraint_score
	FROM optimization_runs`

func scanRun(row pgx.Row) (*RunRecord, error) {
	var rec RunRecord
	var paramsJSON []byte
	err := row.Scan(
		&rec.ID, &rec.CreatedAt, &rec.Algorithm, &rec.Objective,
		&rec.Direction, &rec.State, &paramsJSON, &rec.BestScore,
		&rec.TotalTrials, &rec.SuccessfulTrials, &rec.FailedTrials,
		&rec.PrunedTrials, &rec.ElapsedMS, &rec.WasInterrupted,
		&rec.ConstraintScore,
	)
	if err != nil {
		return nil, err
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &rec.BestParams); err != nil {
			return nil, fmt.Errorf("failed to unmarshal best params: %w", err)
		}
	}
	return &rec, nil
}

// GetRun fetches one run by id.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (*RunRecord, error) {
	rec, err := scanRun(s.db.QueryRow(ctx, selectRunColumns+" WHERE id = $1", id))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch optimization run %s: %w", id, err)
	}
	return rec, nil
}

// ListRuns fetches the most recent runs, newest first.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	rows, err := s.db.Query(ctx, selectRunColumns+" ORDER BY created_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list optimization runs: %w", err)
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan optimization run: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read optimization runs: %w", err)
	}
	return records, nil
}
