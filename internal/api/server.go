// Package api exposes the proxy's HTTP endpoints: the network scan trigger,
// the active polling set and the temperature rollups.
//
//	srv, err := api.New(deps)
//	srv.Start()
//	defer srv.Close(ctx)
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/sensor-proxy/internal/database"
	"github.com/smukkama/sensor-proxy/internal/device"
	"github.com/smukkama/sensor-proxy/internal/discovery"
	"github.com/smukkama/sensor-proxy/internal/poller"
	"github.com/smukkama/sensor-proxy/internal/registry"
)

const gracefulShutdownTimeout = 10 * time.Second

// Scanner is satisfied by *discovery.Discoverer.
type Scanner interface {
	Discover(ctx context.Context, source discovery.Source, creds device.Credentials) ([]discovery.Device, error)
}

// PollStarter is satisfied by *poller.Poller.
type PollStarter interface {
	Start(devices []discovery.Device) []*poller.Handle
}

// RollupReader is satisfied by *database.DB.
type RollupReader interface {
	HourlyTemperatures(ctx context.Context, devAddr string, from, to time.Time) ([]*database.HourlyTemperature, error)
	DailyTemperatures(ctx context.Context, devAddr string, from, to time.Time) ([]*database.DailyTemperature, error)
}

// Deps holds the dependencies of the API server
type Deps struct {
	Port     int
	Logger   *zap.Logger
	Scanner  Scanner
	Poller   PollStarter
	Registry *registry.Manager
	// Sources maps the ?source= values accepted by /network/scan.
	Sources       map[string]discovery.Source
	DefaultSource string
	// Credentials are used when the scan request carries none.
	Credentials device.Credentials
	// Rollups is optional; without it the temperature routes are not mounted.
	Rollups RollupReader
	// ScanTimeout bounds a single scan request.
	ScanTimeout time.Duration
}

// Server is the HTTP API server
type Server struct {
	deps   Deps
	logger *zap.Logger
	server *http.Server
}

// New validates deps and creates a server. It does not listen until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Scanner == nil || deps.Poller == nil {
		return nil, fmt.Errorf("scanner and poller are required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if _, ok := deps.Sources[deps.DefaultSource]; !ok {
		return nil, fmt.Errorf("default discovery source %q is not configured", deps.DefaultSource)
	}
	if deps.ScanTimeout <= 0 {
		deps.ScanTimeout = time.Minute
	}

	return &Server{deps: deps, logger: deps.Logger}, nil
}

// Start begins listening in a background goroutine.
func (s *Server) Start() {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.deps.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("API server listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Close drains in-flight requests.
func (s *Server) Close(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, gracefulShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}
