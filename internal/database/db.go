package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// DB wraps the database connection
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// Connect establishes a connection to the database
func Connect(connectionString string, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return New(db, logger), nil
}

// New wraps an already opened connection.
func New(db *sql.DB, logger *zap.Logger) *DB {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DB{DB: db, logger: logger}
}

// RunMigrations executes all SQL migration files in order
func (db *DB) RunMigrations(migrationsDir string) error {
	files, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	// Filter and sort SQL files
	var sqlFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".sql") {
			sqlFiles = append(sqlFiles, file.Name())
		}
	}
	sort.Strings(sqlFiles)

	for _, filename := range sqlFiles {
		db.logger.Info("running migration", zap.String("file", filename))

		content, err := os.ReadFile(filepath.Join(migrationsDir, filename))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", filename, err)
		}

		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", filename, err)
		}
	}

	db.logger.Info("migrations completed", zap.Int("count", len(sqlFiles)))
	return nil
}

// HourlyTemperatures returns the hourly rollups of a device in [from, to)
func (db *DB) HourlyTemperatures(ctx context.Context, devAddr string, from, to time.Time) ([]*HourlyTemperature, error) {
	query := `
		SELECT dev_addr, hour_timestamp, avg_temp, min_temp, max_temp, sample_count
		FROM hourly_temperature
		WHERE dev_addr = $1 AND hour_timestamp >= $2 AND hour_timestamp < $3
		ORDER BY hour_timestamp
	`

	rows, err := db.QueryContext(ctx, query, devAddr, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly temperatures: %w", err)
	}
	defer rows.Close()

	result := []*HourlyTemperature{}
	for rows.Next() {
		var h HourlyTemperature
		if err := rows.Scan(
			&h.DevAddr,
			&h.HourTimestamp,
			&h.AvgTemp,
			&h.MinTemp,
			&h.MaxTemp,
			&h.SampleCount,
		); err != nil {
			return nil, err
		}
		result = append(result, &h)
	}

	return result, rows.Err()
}

// DailyTemperatures returns the daily summaries of a device in [from, to)
func (db *DB) DailyTemperatures(ctx context.Context, devAddr string, from, to time.Time) ([]*DailyTemperature, error) {
	query := `
		SELECT dev_addr, date, avg_temp, min_temp, max_temp, event_count
		FROM daily_temperature
		WHERE dev_addr = $1 AND date >= $2::date AND date < $3::date
		ORDER BY date
	`

	rows, err := db.QueryContext(ctx, query, devAddr, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily temperatures: %w", err)
	}
	defer rows.Close()

	result := []*DailyTemperature{}
	for rows.Next() {
		var d DailyTemperature
		if err := rows.Scan(
			&d.DevAddr,
			&d.Date,
			&d.AvgTemp,
			&d.MinTemp,
			&d.MaxTemp,
			&d.EventCount,
		); err != nil {
			return nil, err
		}
		result = append(result, &d)
	}

	return result, rows.Err()
}
