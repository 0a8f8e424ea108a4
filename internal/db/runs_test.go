package db

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantmill/quantmill/pkg/optimize"
)

func sampleResult() *optimize.Result {
	score := 1.85
	constraint := 0.9
	return &optimize.Result{
		RunID:            uuid.New(),
		Algorithm:        "grid",
		Objective:        "sharpe",
		Direction:        "maximize",
		BestParams:       optimize.ParameterSet{"fast_period": 10, "slow_period": 30},
		BestScore:        &score,
		TotalTrials:      24,
		SuccessfulTrials: 20,
		PrunedTrials:     4,
		Errors: optimize.ErrorSummary{
			TotalFailed:  4,
			CountsByKind: map[optimize.FailureKind]int{optimize.FailureData: 4},
		},
		Timing: optimize.TimingInfo{TotalElapsed: 3 * time.Second},
		State:  optimize.StateCompleted,
		Constraints: &optimize.ConstraintAdherence{
			TotalConstraintScore: constraint,
		},
	}
}

func TestSaveRun(t *testing.T) {
	t.Run("inserts all fields", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		result := sampleResult()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO optimization_runs")).
			WithArgs(result.RunID, pgxmock.AnyArg(), "grid", "sharpe", "maximize",
				"completed", pgxmock.AnyArg(), result.BestScore, 24, 20, 4, 4,
				int64(3000), false, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, NewRunStore(mock).SaveRun(context.Background(), result))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert failure wrapped with run id", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		result := sampleResult()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO optimization_runs")).
			WithArgs(result.RunID, pgxmock.AnyArg(), "grid", "sharpe", "maximize",
				"completed", pgxmock.AnyArg(), result.BestScore, 24, 20, 4, 4,
				int64(3000), false, pgxmock.AnyArg()).
			WillReturnError(errors.New("connection refused"))

		err = NewRunStore(mock).SaveRun(context.Background(), result)
		require.Error(t, err)
		assert.Contains(t, err.Error(), result.RunID.String())
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func runColumns() []string {
	return []string{
		"id", "created_at", "algorithm", "objective", "direction", "state",
		"best_params", "best_score", "total_trials", "successful_trials",
		"failed_trials", "pruned_trials", "elapsed_ms", "was_interrupted",
		"constraint_score",
	}
}

func TestGetRun(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	score := 1.85

	mock.ExpectQuery(regexp.QuoteMeta("FROM optimization_runs")).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(runColumns()).AddRow(
			id, created, "grid", "sharpe", "maximize", "completed",
			[]byte(`{"fast_period":10,"slow_period":30}`), &score,
			24, 20, 4, 4, int64(3000), false, (*float64)(nil),
		))

	rec, err := NewRunStore(mock).GetRun(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "completed", rec.State)
	require.NotNil(t, rec.BestScore)
	assert.Equal(t, 1.85, *rec.BestScore)
	assert.Equal(t, float64(10), rec.BestParams["fast_period"])
	assert.Nil(t, rec.ConstraintScore)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRuns(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	newer := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	older := newer.Add(-24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC")).
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows(runColumns()).
			AddRow(uuid.New(), newer, "random", "sharpe", "maximize", "interrupted",
				[]byte(nil), (*float64)(nil), 3, 3, 0, 0, int64(900), true, (*float64)(nil)).
			AddRow(uuid.New(), older, "grid", "calmar", "maximize", "completed",
				[]byte(`{"fast_period":5}`), (*float64)(nil), 6, 6, 0, 0, int64(1200), false, (*float64)(nil)))

	records, err := NewRunStore(mock).ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "interrupted", records[0].State)
	assert.True(t, records[0].WasInterrupted)
	assert.Equal(t, float64(5), records[1].BestParams["fast_period"])
	require.NoError(t, mock.ExpectationsWereMet())
}
