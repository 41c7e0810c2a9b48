package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/smukkama/sensor-proxy/internal/notification"
	"github.com/smukkama/sensor-proxy/internal/queue"
	"github.com/smukkama/sensor-proxy/pkg/config"
	"github.com/smukkama/sensor-proxy/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	lg, err := logger.New(cfg.Log.Level, cfg.Log.Format, "notifier")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Sync()

	notifier := notification.NewEmailNotifier(&cfg.SMTP, lg)

	// Optional, unconfigured SMTP only logs the emails
	if err := notifier.TestConnection(); err != nil {
		lg.Warn("notifications will be logged only", zap.Error(err))
	}

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.GroupID)
	defer consumer.Close()

	lg.Info("notifier running",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.TopicEvents),
		zap.String("group", cfg.Kafka.GroupID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher := notification.NewDispatcher(consumer, notifier, lg)
	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("dispatcher stopped", zap.Error(err))
	}

	lg.Info("shutting down", zap.Int64("messages", consumer.Stats().Messages))
}
