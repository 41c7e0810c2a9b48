package aggregation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smukkama/sensor-proxy/internal/database"
)

func newMockDB(t *testing.T) (*database.DB, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return database.New(sqlDB, zap.NewNop()), mock
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestHourlyAggregator_PreviousHour(t *testing.T) {
	db, mock := newMockDB(t)
	agg := NewHourlyAggregator(db, zap.NewNop())
	agg.now = fixedClock(time.Date(2026, 3, 1, 10, 7, 30, 0, time.UTC))

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO hourly_temperature`).
		WithArgs(start, start.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, agg.AggregatePreviousHour(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHourlyAggregator_Error(t *testing.T) {
	db, mock := newMockDB(t)
	agg := NewHourlyAggregator(db, zap.NewNop())

	mock.ExpectExec(`INSERT INTO hourly_temperature`).WillReturnError(errors.New("connection reset"))

	err := agg.Aggregate(context.Background(), time.Now())
	assert.ErrorContains(t, err, "failed to aggregate hourly data")
}

func TestHourlyAggregator_NextRunTime(t *testing.T) {
	agg := NewHourlyAggregator(nil, zap.NewNop())

	agg.now = fixedClock(time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), agg.CalculateNextRunTime(5*time.Minute))

	agg.now = fixedClock(time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 3, 1, 11, 5, 0, 0, time.UTC), agg.CalculateNextRunTime(5*time.Minute))
}

func TestDailyAggregator_PreviousDay(t *testing.T) {
	db, mock := newMockDB(t)
	agg := NewDailyAggregator(db, zap.NewNop())
	agg.now = fixedClock(time.Date(2026, 3, 2, 0, 5, 0, 0, time.UTC))

	mock.ExpectExec(`INSERT INTO daily_temperature`).
		WithArgs(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, agg.AggregatePreviousDay(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDailyAggregator_NextRunTime(t *testing.T) {
	agg := NewDailyAggregator(nil, zap.NewNop())

	agg.now = fixedClock(time.Date(2026, 3, 1, 0, 1, 0, 0, time.UTC))
	next, err := agg.CalculateNextRunTime("00:05")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 5, 0, 0, time.UTC), next)

	agg.now = fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	next, err = agg.CalculateNextRunTime("00:05")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 5, 0, 0, time.UTC), next)

	_, err = agg.CalculateNextRunTime("noon")
	assert.Error(t, err)
	_, err = agg.CalculateNextRunTime("25:00")
	assert.Error(t, err)
}
