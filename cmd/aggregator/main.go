package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/sensor-proxy/internal/aggregation"
	"github.com/smukkama/sensor-proxy/internal/database"
	"github.com/smukkama/sensor-proxy/internal/timer"
	"github.com/smukkama/sensor-proxy/pkg/config"
	"github.com/smukkama/sensor-proxy/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	lg, err := logger.New(cfg.Log.Level, cfg.Log.Format, "aggregator")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Sync()

	db, err := database.Connect(cfg.Database.ConnectionString(), lg)
	if err != nil {
		lg.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.RunMigrations("migrations"); err != nil {
		lg.Fatal("failed to run migrations", zap.Error(err))
	}

	timerManager := timer.NewTimerManager(2, timer.WithLogger(lg))
	timerManager.Start()
	defer timerManager.Stop()

	hourlyAgg := aggregation.NewHourlyAggregator(db, lg)
	dailyAgg := aggregation.NewDailyAggregator(db, lg)

	scheduleHourlyAggregation(timerManager, hourlyAgg, cfg.Aggregation.HourlyDelay, lg)
	scheduleDailyAggregation(timerManager, dailyAgg, cfg.Aggregation.DailyTime, lg)

	lg.Info("aggregation service running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	lg.Info("shutting down")
}

func scheduleHourlyAggregation(tm *timer.TimerManager, agg *aggregation.HourlyAggregator, delay time.Duration, lg *zap.Logger) {
	taskID := "hourly-aggregation"

	var scheduleNext func()
	scheduleNext = func() {
		nextRun := agg.CalculateNextRunTime(delay)
		lg.Info("next hourly aggregation scheduled", zap.Time("at", nextRun))

		callback := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()

			if err := agg.AggregatePreviousHour(ctx); err != nil {
				lg.Error("hourly aggregation failed", zap.Error(err))
			}

			scheduleNext()
		}

		if err := tm.Schedule(taskID, nextRun, callback); err != nil {
			lg.Warn("failed to schedule hourly aggregation", zap.Error(err))
		}
	}

	scheduleNext()
}

func scheduleDailyAggregation(tm *timer.TimerManager, agg *aggregation.DailyAggregator, timeOfDay string, lg *zap.Logger) {
	taskID := "daily-aggregation"

	var scheduleNext func()
	scheduleNext = func() {
		nextRun, err := agg.CalculateNextRunTime(timeOfDay)
		if err != nil {
			lg.Fatal("failed to calculate daily run time", zap.String("time_of_day", timeOfDay), zap.Error(err))
		}
		lg.Info("next daily aggregation scheduled", zap.Time("at", nextRun))

		callback := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()

			if err := agg.AggregatePreviousDay(ctx); err != nil {
				lg.Error("daily aggregation failed", zap.Error(err))
			}

			scheduleNext()
		}

		if err := tm.Schedule(taskID, nextRun, callback); err != nil {
			lg.Warn("failed to schedule daily aggregation", zap.Error(err))
		}
	}

	scheduleNext()
}
