package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/sensor-proxy/internal/api"
	"github.com/smukkama/sensor-proxy/internal/device"
	"github.com/smukkama/sensor-proxy/internal/discovery"
	"github.com/smukkama/sensor-proxy/internal/ingest"
	"github.com/smukkama/sensor-proxy/internal/poller"
	"github.com/smukkama/sensor-proxy/internal/queue"
	"github.com/smukkama/sensor-proxy/internal/registry"
	"github.com/smukkama/sensor-proxy/internal/timer"
	"github.com/smukkama/sensor-proxy/pkg/config"
	"github.com/smukkama/sensor-proxy/pkg/logger"
)

const rescanTaskID = "network-rescan"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	lg, err := logger.New(cfg.Log.Level, cfg.Log.Format, "sensor-proxy")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Sync()

	lg.Info("starting sensor proxy",
		zap.String("store", cfg.Store.Backend),
		zap.String("discovery", cfg.Discovery.Source),
		zap.Duration("poll_interval", cfg.Device.PollInterval),
	)

	ctx := context.Background()

	backend, err := openStore(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("failed to open record store", zap.Error(err))
	}
	defer backend.Close()

	var ingestOpts []ingest.Option
	if cfg.Kafka.Enabled {
		if err := queue.CreateTopic(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, 3, 1); err != nil {
			lg.Warn("topic creation failed", zap.String("topic", cfg.Kafka.TopicEvents), zap.Error(err))
		}
		producer := queue.NewProducer(queue.ProducerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.TopicEvents,
		})
		defer producer.Close()
		ingestOpts = append(ingestOpts, ingest.WithPublisher(producer))
		lg.Info("event publishing enabled", zap.String("topic", cfg.Kafka.TopicEvents))
	}

	timerManager := timer.NewTimerManager(cfg.Device.PollWorkers, timer.WithLogger(lg))
	timerManager.Start()
	defer timerManager.Stop()

	client, err := device.NewClient(device.Options{
		CACertPath:     cfg.Device.CACertPath,
		RequestTimeout: cfg.Device.TokenTimeout,
	}, lg)
	if err != nil {
		lg.Fatal("failed to create device client", zap.Error(err))
	}

	creds := device.Credentials{Username: cfg.Device.Username, Password: cfg.Device.Password}
	reg := registry.NewManager(cfg.Device.MaxDevices)
	ingester := ingest.NewIngester(backend.store, cfg.Store.SensorCollection, lg, ingestOpts...)
	devicePoller := poller.New(client, ingester, timerManager, reg, poller.Options{
		Interval:    cfg.Device.PollInterval,
		Timeout:     cfg.Device.PollTimeout,
		Credentials: creds,
	}, lg)
	defer devicePoller.StopAll()

	discoverer := discovery.NewDiscoverer(client, lg)
	sources := map[string]discovery.Source{
		config.SourceARP:      &discovery.ARPSource{Command: cfg.Discovery.ARPCommand},
		config.SourceRegistry: &discovery.RegistrySource{Store: backend.store},
	}

	deps := api.Deps{
		Port:          cfg.HTTP.Port,
		Logger:        lg,
		Scanner:       discoverer,
		Poller:        devicePoller,
		Registry:      reg,
		Sources:       sources,
		DefaultSource: cfg.Discovery.Source,
		Credentials:   creds,
	}
	if backend.db != nil {
		deps.Rollups = backend.db
	}
	server, err := api.New(deps)
	if err != nil {
		lg.Fatal("failed to create API server", zap.Error(err))
	}
	server.Start()

	r := &rescanner{
		discoverer: discoverer,
		source:     sources[cfg.Discovery.Source],
		creds:      creds,
		poller:     devicePoller,
		registry:   reg,
		timers:     timerManager,
		interval:   cfg.Discovery.RescanInterval,
		staleAfter: 3 * cfg.Device.PollInterval,
		logger:     lg,
	}
	r.run()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	lg.Info("shutting down")
	timerManager.Cancel(rescanTaskID)
	if err := server.Close(ctx); err != nil {
		lg.Warn("API server shutdown", zap.Error(err))
	}
}

// rescanner repeats discovery on a fixed interval and reconciles the
// polling set with the result.
type rescanner struct {
	discoverer *discovery.Discoverer
	source     discovery.Source
	creds      device.Credentials
	poller     *poller.Poller
	registry   *registry.Manager
	timers     *timer.TimerManager
	interval   time.Duration
	staleAfter time.Duration
	logger     *zap.Logger
}

func (r *rescanner) run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()

	devices, err := r.discoverer.Discover(ctx, r.source, r.creds)
	if err != nil {
		// Keep the current loops when the scan itself failed
		r.logger.Error("network rescan failed", zap.String("source", r.source.Name()), zap.Error(err))
	} else {
		result := r.poller.Sync(devices)
		r.logger.Info("network rescan completed",
			zap.Int("devices", len(devices)),
			zap.Strings("started", result.Started),
			zap.Strings("stopped", result.Stopped),
			zap.Int("kept", len(result.Kept)),
		)
	}

	if stale := r.registry.GetStale(r.staleAfter); len(stale) > 0 {
		r.logger.Warn("devices not reporting", zap.Strings("addresses", stale))
	}

	next := time.Now().Add(r.interval)
	if err := r.timers.Schedule(rescanTaskID, next, func() { go r.run() }); err != nil {
		r.logger.Warn("failed to schedule rescan", zap.Error(err))
	}
}
