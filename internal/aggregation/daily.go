package aggregation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/sensor-proxy/internal/database"
)

// DailyAggregator summarises a day of hourly rollups and counts the
// threshold events raised by each device on that day.
type DailyAggregator struct {
	db     *database.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewDailyAggregator creates a new daily aggregator
func NewDailyAggregator(db *database.DB, logger *zap.Logger) *DailyAggregator {
	return &DailyAggregator{db: db, logger: logger, now: time.Now}
}

// Aggregate performs daily aggregation for the specified date
func (d *DailyAggregator) Aggregate(ctx context.Context, targetDate time.Time) error {
	date := startOfDay(targetDate)

	d.logger.Info("running daily aggregation", zap.String("date", date.Format("2006-01-02")))

	query := `
		INSERT INTO daily_temperature (
			dev_addr, date, avg_temp, min_temp, max_temp, event_count
		)
		SELECT
			h.dev_addr,
			$1::date AS date,
			SUM(h.avg_temp * h.sample_count) / NULLIF(SUM(h.sample_count), 0) AS avg_temp,
			MIN(h.min_temp) AS min_temp,
			MAX(h.max_temp) AS max_temp,
			(
				SELECT COUNT(*)
				FROM records e
				WHERE e.parent = 'event'
				  AND e.value->>'devAddr' = h.dev_addr
				  AND DATE(e.created_at) = $1::date
			) AS event_count
		FROM
			hourly_temperature h
		WHERE
			DATE(h.hour_timestamp) = $1::date
		GROUP BY
			h.dev_addr
		ON CONFLICT (dev_addr, date) DO UPDATE
		SET
			avg_temp = EXCLUDED.avg_temp,
			min_temp = EXCLUDED.min_temp,
			max_temp = EXCLUDED.max_temp,
			event_count = EXCLUDED.event_count
	`

	result, err := d.db.ExecContext(ctx, query, date)
	if err != nil {
		return fmt.Errorf("failed to aggregate daily data: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	d.logger.Info("daily aggregation completed", zap.Int64("devices", rowsAffected))

	return nil
}

// AggregatePreviousDay aggregates the previous full day
func (d *DailyAggregator) AggregatePreviousDay(ctx context.Context) error {
	return d.Aggregate(ctx, d.now().AddDate(0, 0, -1))
}

// CalculateNextRunTime calculates when the daily aggregation should next run.
// timeOfDay is "HH:MM" in local time.
func (d *DailyAggregator) CalculateNextRunTime(timeOfDay string) (time.Time, error) {
	now := d.now()

	var hour, minute int
	if _, err := fmt.Sscanf(timeOfDay, "%d:%d", &hour, &minute); err != nil {
		return time.Time{}, fmt.Errorf("invalid time format: %s (expected HH:MM)", timeOfDay)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, fmt.Errorf("invalid time of day: %s", timeOfDay)
	}

	todayRun := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())

	// If we're past today's run time, schedule for tomorrow
	if now.After(todayRun) {
		return todayRun.AddDate(0, 0, 1), nil
	}

	return todayRun, nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
