package aggregation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/sensor-proxy/internal/database"
)

// HourlyAggregator rolls the raw temperature records of the previous hour
// into hourly_temperature.
type HourlyAggregator struct {
	db     *database.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewHourlyAggregator creates a new hourly aggregator
func NewHourlyAggregator(db *database.DB, logger *zap.Logger) *HourlyAggregator {
	return &HourlyAggregator{db: db, logger: logger, now: time.Now}
}

// Aggregate performs hourly aggregation for the specified hour
func (h *HourlyAggregator) Aggregate(ctx context.Context, targetHour time.Time) error {
	startTime := targetHour.Truncate(time.Hour)
	endTime := startTime.Add(time.Hour)

	h.logger.Info("running hourly aggregation", zap.Time("hour", startTime))

	// Readings live under temperature/<devAddr>/<pushID>
	query := `
		INSERT INTO hourly_temperature (
			dev_addr, hour_timestamp, avg_temp, min_temp, max_temp, sample_count
		)
		SELECT
			substring(parent FROM 13) AS dev_addr,
			$1 AS hour_timestamp,
			AVG((value->>'tempVal')::float8) AS avg_temp,
			MIN((value->>'tempVal')::float8) AS min_temp,
			MAX((value->>'tempVal')::float8) AS max_temp,
			COUNT(*) AS sample_count
		FROM
			records
		WHERE
			parent LIKE 'temperature/%'
			AND created_at >= $1 AND created_at < $2
		GROUP BY
			parent
		ON CONFLICT (dev_addr, hour_timestamp) DO UPDATE
		SET
			avg_temp = EXCLUDED.avg_temp,
			min_temp = EXCLUDED.min_temp,
			max_temp = EXCLUDED.max_temp,
			sample_count = EXCLUDED.sample_count
	`

	result, err := h.db.ExecContext(ctx, query, startTime, endTime)
	if err != nil {
		return fmt.Errorf("failed to aggregate hourly data: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	h.logger.Info("hourly aggregation completed", zap.Int64("devices", rowsAffected))

	return nil
}

// AggregatePreviousHour aggregates the previous full hour
func (h *HourlyAggregator) AggregatePreviousHour(ctx context.Context) error {
	previousHour := h.now().Add(-1 * time.Hour).Truncate(time.Hour)
	return h.Aggregate(ctx, previousHour)
}

// CalculateNextRunTime returns the next HH:00 plus delay
func (h *HourlyAggregator) CalculateNextRunTime(delay time.Duration) time.Time {
	now := h.now()

	nextRun := now.Truncate(time.Hour).Add(time.Hour).Add(delay)

	// The delayed slot of the current hour may still be ahead of us
	if candidate := now.Truncate(time.Hour).Add(delay); candidate.After(now) {
		nextRun = candidate
	}

	return nextRun
}
