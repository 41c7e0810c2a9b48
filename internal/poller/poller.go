// Package poller runs one polling loop per discovered device. Each tick
// repeats the Digest handshake against the readings endpoint and hands the
// readings to the ingester. The next tick of a device is scheduled only
// after the current one has finished.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/sensor-proxy/internal/device"
	"github.com/smukkama/sensor-proxy/internal/discovery"
	"github.com/smukkama/sensor-proxy/internal/ingest"
	"github.com/smukkama/sensor-proxy/internal/protocol"
	"github.com/smukkama/sensor-proxy/internal/registry"
	"github.com/smukkama/sensor-proxy/internal/timer"
)

// ReadingsFetcher is satisfied by *device.Client.
type ReadingsFetcher interface {
	FetchReadings(ctx context.Context, address string, creds device.Credentials, accessToken string) (*protocol.ReadingsResponse, error)
}

// Sink is satisfied by *ingest.Ingester.
type Sink interface {
	Ingest(ctx context.Context, address string, readings []protocol.Reading) ingest.Result
}

// Options configures a Poller
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	// Credentials are used for devices discovered without any.
	Credentials device.Credentials
}

// Poller owns the polling loops
type Poller struct {
	fetcher  ReadingsFetcher
	sink     Sink
	timers   *timer.TimerManager
	registry *registry.Manager
	opts     Options
	logger   *zap.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	gen     atomic.Uint64
}

// New creates a poller. The timer manager must already be started.
func New(fetcher ReadingsFetcher, sink Sink, timers *timer.TimerManager, reg *registry.Manager, opts Options, logger *zap.Logger) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Poller{
		fetcher:  fetcher,
		sink:     sink,
		timers:   timers,
		registry: reg,
		opts:     opts,
		logger:   logger,
		handles:  make(map[string]*Handle),
	}
}

// Handle controls the polling loop of one device
type Handle struct {
	Address string

	poller *Poller
	info   *registry.DeviceInfo
	taskID string
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu          sync.RWMutex
	creds       device.Credentials
	accessToken string
}

func (h *Handle) auth() (device.Credentials, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.creds, h.accessToken
}

// refresh replaces the credentials and token used from the next tick on.
func (h *Handle) refresh(creds device.Credentials, token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.creds = creds
	h.accessToken = token
}

// Stop cancels the loop. A tick in flight is abandoned and not rescheduled.
func (h *Handle) Stop() {
	h.once.Do(func() {
		h.cancel()
		h.poller.timers.Cancel(h.taskID)

		h.poller.mu.Lock()
		if h.poller.handles[h.Address] == h {
			delete(h.poller.handles, h.Address)
		}
		h.poller.mu.Unlock()

		_ = h.poller.registry.Unregister(h.Address)
		h.poller.logger.Info("polling stopped", zap.String("address", h.Address))
	})
}

// Done is closed when the handle is stopped.
func (h *Handle) Done() <-chan struct{} {
	return h.ctx.Done()
}

// Start begins polling every device that carries an access token and is
// not polled already. It returns the handles of the loops it started.
func (p *Poller) Start(devices []discovery.Device) []*Handle {
	var started []*Handle

	for _, d := range devices {
		h, err := p.start(d)
		if err != nil {
			p.logger.Warn("device not polled", zap.String("address", d.Address), zap.Error(err))
			continue
		}
		started = append(started, h)
	}

	return started
}

var ErrNoAccessToken = errors.New("token response has no data.accessToken")

func (p *Poller) start(d discovery.Device) (*Handle, error) {
	accessToken := d.Token.AccessToken()
	if accessToken == "" {
		return nil, ErrNoAccessToken
	}

	info, err := p.registry.Register(d.Address, accessToken)
	if err != nil {
		return nil, err
	}

	creds := p.credentials(d)

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		Address:     d.Address,
		poller:      p,
		info:        info,
		taskID:      fmt.Sprintf("poll:%s:%d", d.Address, p.gen.Add(1)),
		creds:       creds,
		ctx:         ctx,
		cancel:      cancel,
		accessToken: accessToken,
	}

	p.mu.Lock()
	p.handles[d.Address] = h
	p.mu.Unlock()

	// The first tick fires one interval after discovery
	if err := p.schedule(h, time.Now().Add(p.opts.Interval)); err != nil {
		h.Stop()
		return nil, err
	}

	p.logger.Info("polling started",
		zap.String("address", d.Address),
		zap.Duration("interval", p.opts.Interval),
	)
	return h, nil
}

func (p *Poller) credentials(d discovery.Device) device.Credentials {
	if d.Credentials.Username == "" {
		return p.opts.Credentials
	}
	return d.Credentials
}

// SyncResult lists the addresses affected by Sync
type SyncResult struct {
	Started []string `json:"started"`
	Stopped []string `json:"stopped"`
	Kept    []string `json:"kept"`
}

// Sync makes the set of running loops equal to devices: vanished devices
// are stopped, new ones started, and kept ones pick up the credentials and
// token of the latest scan.
func (p *Poller) Sync(devices []discovery.Device) SyncResult {
	var result SyncResult

	wanted := make(map[string]discovery.Device, len(devices))
	for _, d := range devices {
		if d.Token.AccessToken() != "" {
			wanted[d.Address] = d
		}
	}

	for _, h := range p.snapshot() {
		d, ok := wanted[h.Address]
		if !ok {
			h.Stop()
			result.Stopped = append(result.Stopped, h.Address)
			continue
		}
		h.refresh(p.credentials(d), d.Token.AccessToken())
		result.Kept = append(result.Kept, h.Address)
		delete(wanted, h.Address)
	}

	var fresh []discovery.Device
	for _, d := range devices {
		if _, ok := wanted[d.Address]; ok {
			fresh = append(fresh, d)
			delete(wanted, d.Address)
		}
	}
	for _, h := range p.Start(fresh) {
		result.Started = append(result.Started, h.Address)
	}

	return result
}

// StopAll stops every loop
func (p *Poller) StopAll() {
	for _, h := range p.snapshot() {
		h.Stop()
	}
}

// Handle returns the running handle for address
func (p *Poller) Handle(address string) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[address]
	return h, ok
}

func (p *Poller) snapshot() []*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	handles := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	return handles
}

// schedule arms the next tick. The timer callback only hands the tick to
// its own goroutine, so a slow device never holds a timer worker.
func (p *Poller) schedule(h *Handle, at time.Time) error {
	return p.timers.Schedule(h.taskID, at, func() { go p.tick(h) })
}

// tick runs one poll and schedules the next one.
func (p *Poller) tick(h *Handle) {
	if h.ctx.Err() != nil {
		return
	}

	started := time.Now()
	p.poll(h)

	if h.ctx.Err() != nil {
		return
	}

	next := started.Add(p.opts.Interval)
	if now := time.Now(); next.Before(now) {
		next = now
	}
	if err := p.schedule(h, next); err != nil {
		p.logger.Warn("failed to reschedule poll", zap.String("address", h.Address), zap.Error(err))
	}
}

func (p *Poller) poll(h *Handle) {
	ctx, cancel := context.WithTimeout(h.ctx, p.opts.Timeout)
	defer cancel()

	creds, token := h.auth()
	resp, err := p.fetcher.FetchReadings(ctx, h.Address, creds, token)
	if err != nil {
		if h.ctx.Err() != nil {
			return
		}
		h.info.RecordFailure(err)
		reason, _ := device.ReasonOf(err)
		p.logger.Warn("poll failed",
			zap.String("address", h.Address),
			zap.String("reason", string(reason)),
			zap.Error(err),
		)
		return
	}

	// Writes are not bound by the request timeout
	result := p.sink.Ingest(h.ctx, h.Address, resp.Data)
	h.info.RecordSuccess(time.Now())

	p.logger.Debug("poll completed",
		zap.String("address", h.Address),
		zap.Int("readings", result.Readings),
		zap.Int("events", result.Events),
		zap.Int("failed", result.Failed),
	)
}
