// Package discovery finds devices that answer the token handshake.
package discovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/sensor-proxy/internal/device"
	"github.com/smukkama/sensor-proxy/internal/protocol"
)

// TokenAcquirer is satisfied by *device.Client.
type TokenAcquirer interface {
	AcquireToken(ctx context.Context, address string, creds device.Credentials) (*protocol.TokenResponse, error)
}

// Device is one discovered and authenticated device. Credentials are the
// ones that succeeded and are reused by the poller.
type Device struct {
	Address     string                  `json:"ip"`
	Token       *protocol.TokenResponse `json:"tokenData"`
	Credentials device.Credentials      `json:"-"`
}

// Discoverer probes every candidate of a Source concurrently
type Discoverer struct {
	acquirer TokenAcquirer
	logger   *zap.Logger
}

// NewDiscoverer creates a discoverer
func NewDiscoverer(acquirer TokenAcquirer, logger *zap.Logger) *Discoverer {
	return &Discoverer{acquirer: acquirer, logger: logger}
}

// Discover waits for every probe to settle and returns the devices that
// issued a token, in candidate order. Only a Source failure is an error.
func (d *Discoverer) Discover(ctx context.Context, source Source, creds device.Credentials) ([]Device, error) {
	start := time.Now()

	candidates, err := source.Candidates(ctx)
	if err != nil {
		return nil, err
	}

	d.logger.Info("probing candidates",
		zap.String("source", source.Name()),
		zap.Int("candidates", len(candidates)),
	)

	results := make([]*Device, len(candidates))
	var wg sync.WaitGroup

	for i, address := range candidates {
		wg.Add(1)
		go func(i int, address string) {
			defer wg.Done()

			token, err := d.acquirer.AcquireToken(ctx, address, creds)
			if err != nil {
				d.logger.Debug("candidate rejected", zap.String("address", address), zap.Error(err))
				return
			}
			results[i] = &Device{Address: address, Token: token, Credentials: creds}
		}(i, address)
	}

	wg.Wait()

	devices := []Device{}
	for _, r := range results {
		if r != nil {
			devices = append(devices, *r)
		}
	}

	d.logger.Info("discovery completed",
		zap.String("source", source.Name()),
		zap.Int("candidates", len(candidates)),
		zap.Int("devices", len(devices)),
		zap.Duration("duration", time.Since(start)),
	)

	return devices, nil
}
