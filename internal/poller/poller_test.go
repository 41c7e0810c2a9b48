package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smukkama/sensor-proxy/internal/device"
	"github.com/smukkama/sensor-proxy/internal/discovery"
	"github.com/smukkama/sensor-proxy/internal/ingest"
	"github.com/smukkama/sensor-proxy/internal/protocol"
	"github.com/smukkama/sensor-proxy/internal/registry"
	"github.com/smukkama/sensor-proxy/internal/simulator"
	"github.com/smukkama/sensor-proxy/internal/store"
	"github.com/smukkama/sensor-proxy/internal/timer"
)

// fakeFetcher records calls and tracks per-address concurrency
type fakeFetcher struct {
	mu       sync.Mutex
	calls    map[string]int
	inFlight map[string]int
	peak     map[string]int
	tokens   map[string]string
	creds    map[string]device.Credentials
	delay    time.Duration
	fail     map[string]bool
	hang     map[string]bool
	block    bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls:    make(map[string]int),
		inFlight: make(map[string]int),
		peak:     make(map[string]int),
		tokens:   make(map[string]string),
		creds:    make(map[string]device.Credentials),
		fail:     make(map[string]bool),
		hang:     make(map[string]bool),
	}
}

func (f *fakeFetcher) FetchReadings(ctx context.Context, address string, creds device.Credentials, accessToken string) (*protocol.ReadingsResponse, error) {
	f.mu.Lock()
	f.calls[address]++
	f.tokens[address] = accessToken
	f.creds[address] = creds
	f.inFlight[address]++
	if f.inFlight[address] > f.peak[address] {
		f.peak[address] = f.inFlight[address]
	}
	fail := f.fail[address]
	hang := f.block || f.hang[address]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight[address]--
		f.mu.Unlock()
	}()

	if hang {
		<-ctx.Done()
		return nil, &device.Failure{Address: address, Op: "fetch readings", Reason: device.ReasonTransport, Err: ctx.Err()}
	}

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if fail {
		return nil, &device.Failure{Address: address, Op: "fetch readings", Reason: device.ReasonAuth, Err: errors.New("rejected")}
	}
	return &protocol.ReadingsResponse{Data: []protocol.Reading{{DevAddr: address, TempVal: json.RawMessage("20")}}}, nil
}

func (f *fakeFetcher) count(address string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[address]
}

type countingSink struct {
	mu    sync.Mutex
	total int
}

func (s *countingSink) Ingest(_ context.Context, _ string, readings []protocol.Reading) ingest.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total += len(readings)
	return ingest.Result{Readings: len(readings)}
}

func (s *countingSink) readings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func discovered(address, token string) discovery.Device {
	body := `{"data":{}}`
	if token != "" {
		body = fmt.Sprintf(`{"data":{"accessToken":%q}}`, token)
	}
	tok, _ := protocol.DecodeTokenResponse([]byte(body))
	return discovery.Device{Address: address, Token: tok, Credentials: device.Credentials{Username: "admin", Password: "pw"}}
}

func newTestPoller(t *testing.T, fetcher ReadingsFetcher, sink Sink, opts Options) (*Poller, *registry.Manager) {
	tm := timer.NewTimerManager(4)
	tm.Start()
	t.Cleanup(tm.Stop)

	reg := registry.NewManager(100)
	p := New(fetcher, sink, tm, reg, opts, zap.NewNop())
	t.Cleanup(p.StopAll)
	return p, reg
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPoller_PollsAtInterval(t *testing.T) {
	f := newFakeFetcher()
	sink := &countingSink{}
	p, reg := newTestPoller(t, f, sink, Options{Interval: 20 * time.Millisecond, Timeout: time.Second})

	handles := p.Start([]discovery.Device{discovered("10.0.0.1", "tok1")})
	require.Len(t, handles, 1)
	assert.Equal(t, 1, reg.Count())

	eventually(t, func() bool { return f.count("10.0.0.1") >= 3 }, "expected at least 3 polls")
	eventually(t, func() bool { return sink.readings() >= 3 }, "expected readings to reach the sink")

	f.mu.Lock()
	assert.Equal(t, "tok1", f.tokens["10.0.0.1"])
	f.mu.Unlock()

	info, ok := reg.Get("10.0.0.1")
	require.True(t, ok)
	eventually(t, func() bool { return info.Status().Polls >= 3 }, "expected successes to be recorded")
}

func TestPoller_SkipsDevicesWithoutToken(t *testing.T) {
	f := newFakeFetcher()
	p, reg := newTestPoller(t, f, &countingSink{}, Options{Interval: 10 * time.Millisecond})

	handles := p.Start([]discovery.Device{discovered("10.0.0.1", ""), discovered("10.0.0.2", "t")})

	require.Len(t, handles, 1)
	assert.Equal(t, "10.0.0.2", handles[0].Address)
	assert.Equal(t, 1, reg.Count())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.count("10.0.0.1"))
}

func TestPoller_DuplicateStartIgnored(t *testing.T) {
	p, reg := newTestPoller(t, newFakeFetcher(), &countingSink{}, Options{Interval: time.Hour})

	p.Start([]discovery.Device{discovered("10.0.0.1", "t")})
	again := p.Start([]discovery.Device{discovered("10.0.0.1", "t")})

	assert.Empty(t, again)
	assert.Equal(t, 1, reg.Count())
}

func TestPoller_SingleFlightPerDevice(t *testing.T) {
	f := newFakeFetcher()
	f.delay = 40 * time.Millisecond
	p, _ := newTestPoller(t, f, &countingSink{}, Options{Interval: 5 * time.Millisecond, Timeout: time.Second})

	p.Start([]discovery.Device{discovered("10.0.0.1", "t")})
	eventually(t, func() bool { return f.count("10.0.0.1") >= 3 }, "expected repeated polls")

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 1, f.peak["10.0.0.1"])
}

func TestPoller_FailureDoesNotStopLoop(t *testing.T) {
	f := newFakeFetcher()
	f.fail["10.0.0.1"] = true
	sink := &countingSink{}
	p, reg := newTestPoller(t, f, sink, Options{Interval: 10 * time.Millisecond})

	p.Start([]discovery.Device{discovered("10.0.0.1", "t"), discovered("10.0.0.2", "t")})

	eventually(t, func() bool { return f.count("10.0.0.1") >= 3 }, "failing device should keep being polled")
	eventually(t, func() bool { return f.count("10.0.0.2") >= 3 }, "healthy device should be unaffected")

	info, _ := reg.Get("10.0.0.1")
	status := info.Status()
	assert.GreaterOrEqual(t, status.Failures, 2)
	assert.Contains(t, status.LastError, "rejected")
}

func TestPoller_Timeout(t *testing.T) {
	f := newFakeFetcher()
	f.block = true
	p, reg := newTestPoller(t, f, &countingSink{}, Options{Interval: 5 * time.Millisecond, Timeout: 20 * time.Millisecond})

	p.Start([]discovery.Device{discovered("10.0.0.1", "t")})

	eventually(t, func() bool { return f.count("10.0.0.1") >= 2 }, "a timed-out poll should not wedge the loop")

	info, _ := reg.Get("10.0.0.1")
	eventually(t, func() bool { return info.Status().Failures >= 1 }, "timeouts are recorded as failures")
	assert.Contains(t, info.Status().LastError, context.DeadlineExceeded.Error())
}

func TestPoller_HungDevicesDoNotStarveOthers(t *testing.T) {
	f := newFakeFetcher()
	var devices []discovery.Device
	for i := 1; i <= 5; i++ {
		addr := fmt.Sprintf("10.0.0.%d", i)
		f.hang[addr] = true
		devices = append(devices, discovered(addr, "t"))
	}
	devices = append(devices, discovered("10.0.1.1", "t"))

	// Fewer timer workers than hung devices
	p, _ := newTestPoller(t, f, &countingSink{}, Options{Interval: 50 * time.Millisecond, Timeout: time.Second})
	p.Start(devices)

	time.Sleep(700 * time.Millisecond)

	assert.GreaterOrEqual(t, f.count("10.0.1.1"), 8, "healthy device should keep its interval")
	for i := 1; i <= 5; i++ {
		assert.Equal(t, 1, f.count(fmt.Sprintf("10.0.0.%d", i)), "a hung poll must not overlap itself")
	}
}

func TestHandle_Stop(t *testing.T) {
	f := newFakeFetcher()
	p, reg := newTestPoller(t, f, &countingSink{}, Options{Interval: 10 * time.Millisecond})

	handles := p.Start([]discovery.Device{discovered("10.0.0.1", "t"), discovered("10.0.0.2", "t")})
	require.Len(t, handles, 2)
	eventually(t, func() bool { return f.count("10.0.0.1") >= 1 }, "expected a poll before stop")

	handles[0].Stop()
	handles[0].Stop()

	select {
	case <-handles[0].Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}

	time.Sleep(20 * time.Millisecond)
	stoppedAt := f.count("10.0.0.1")
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, stoppedAt, f.count("10.0.0.1"))
	assert.Greater(t, f.count("10.0.0.2"), 1)

	_, ok := p.Handle("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, 1, reg.Count())
}

func TestPoller_Sync(t *testing.T) {
	f := newFakeFetcher()
	p, reg := newTestPoller(t, f, &countingSink{}, Options{Interval: 10 * time.Millisecond})

	p.Start([]discovery.Device{discovered("10.0.0.1", "a"), discovered("10.0.0.2", "b")})

	result := p.Sync([]discovery.Device{discovered("10.0.0.2", "b2"), discovered("10.0.0.3", "c")})

	assert.Equal(t, []string{"10.0.0.3"}, result.Started)
	assert.Equal(t, []string{"10.0.0.1"}, result.Stopped)
	assert.Equal(t, []string{"10.0.0.2"}, result.Kept)
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.3"}, reg.Addresses())

	eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.tokens["10.0.0.2"] == "b2"
	}, "kept device should use the refreshed token")
}

func TestPoller_SyncRefreshesCredentials(t *testing.T) {
	f := newFakeFetcher()
	p, _ := newTestPoller(t, f, &countingSink{}, Options{Interval: 10 * time.Millisecond})

	p.Start([]discovery.Device{discovered("10.0.0.1", "a")})

	rotated := discovered("10.0.0.1", "a2")
	rotated.Credentials = device.Credentials{Username: "operator", Password: "new-secret"}
	result := p.Sync([]discovery.Device{rotated})
	require.Equal(t, []string{"10.0.0.1"}, result.Kept)

	eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.creds["10.0.0.1"] == rotated.Credentials && f.tokens["10.0.0.1"] == "a2"
	}, "kept device should use the credentials of the latest scan")
}

func TestPoller_StopAll(t *testing.T) {
	f := newFakeFetcher()
	p, reg := newTestPoller(t, f, &countingSink{}, Options{Interval: 10 * time.Millisecond})

	p.Start([]discovery.Device{discovered("10.0.0.1", "a"), discovered("10.0.0.2", "b")})
	p.StopAll()

	assert.Equal(t, 0, reg.Count())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, f.count("10.0.0.1"))
}

func TestPoller_EndToEnd(t *testing.T) {
	sim := simulator.New(simulator.Config{Username: "admin", Password: "pw", AccessToken: "tok", DevAddr: "AA"})
	sim.SetTemperature(85)
	srv := httptest.NewServer(sim)
	defer srv.Close()
	address := strings.TrimPrefix(srv.URL, "http://")

	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.Set(ctx, "sensors/AA", map[string]any{"groupId": "g1"}))
	require.NoError(t, s.Set(ctx, "groups/g1", map[string]any{"temp": 80}))

	client, err := device.NewClient(device.Options{RequestTimeout: time.Second}, zap.NewNop())
	require.NoError(t, err)

	ing := ingest.NewIngester(s, "sensors", zap.NewNop())
	p, _ := newTestPoller(t, client, ing, Options{Interval: 20 * time.Millisecond, Timeout: time.Second})

	tok, err := client.AcquireToken(ctx, address, device.Credentials{Username: "admin", Password: "pw"})
	require.NoError(t, err)
	p.Start([]discovery.Device{{Address: address, Token: tok, Credentials: device.Credentials{Username: "admin", Password: "pw"}}})

	eventually(t, func() bool {
		events, _ := s.Children(ctx, "event")
		return len(events) >= 2
	}, "expected events from repeated over-threshold readings")

	readings, err := s.Children(ctx, "temperature/AA")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(readings), 2)
}
