// Package simulator provides an HTTP handler that behaves like sensor
// firmware: it answers every unauthenticated request with a Digest
// challenge, verifies the Authorization header of the retry, then serves the
// token and readings endpoints.
package simulator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smukkama/sensor-proxy/internal/digest"
	"github.com/smukkama/sensor-proxy/internal/protocol"
)

// Config describes a simulated device
type Config struct {
	Username    string
	Password    string
	Realm       string
	Opaque      string
	AccessToken string
	DevAddr     string

	// SkipChallenge serves 200 on the first request, which devices never do.
	SkipChallenge bool
	// OmitTokenField returns a token body without data.accessToken.
	OmitTokenField bool
	// OmitChallengeHeader answers 401 without WWW-Authenticate.
	OmitChallengeHeader bool
	// Delay is applied to every request before it is handled.
	Delay time.Duration
}

// Device is an http.Handler for one simulated sensor.
type Device struct {
	cfg Config

	mu       sync.Mutex
	nonces   map[string]bool
	tempVal  float64
	requests atomic.Int64
	accepted atomic.Int64
	seq      atomic.Int64
}

// New creates a simulated device
func New(cfg Config) *Device {
	if cfg.Realm == "" {
		cfg.Realm = "sensor@device"
	}
	if cfg.AccessToken == "" {
		cfg.AccessToken = "sim-token"
	}
	if cfg.DevAddr == "" {
		cfg.DevAddr = "00:11:22:33:44:55"
	}
	return &Device{
		cfg:     cfg,
		nonces:  make(map[string]bool),
		tempVal: 21.5,
	}
}

// SetTemperature changes the value reported by the readings endpoint
func (d *Device) SetTemperature(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tempVal = v
}

// Requests returns the number of requests received
func (d *Device) Requests() int64 { return d.requests.Load() }

// Accepted returns the number of requests that passed authentication
func (d *Device) Accepted() int64 { return d.accepted.Load() }

func (d *Device) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.requests.Add(1)

	if d.cfg.Delay > 0 {
		select {
		case <-time.After(d.cfg.Delay):
		case <-r.Context().Done():
			return
		}
	}

	var handle func(http.ResponseWriter, *http.Request)
	switch {
	case r.URL.Path == protocol.TokenPath && r.Method == http.MethodPost:
		handle = d.serveToken
	case r.URL.Path == protocol.ReadingsPath && r.Method == http.MethodGet:
		handle = d.serveReadings
	default:
		http.NotFound(w, r)
		return
	}

	if d.cfg.SkipChallenge {
		handle(w, r)
		return
	}

	if !d.authorized(r) {
		d.challenge(w)
		return
	}

	d.accepted.Add(1)
	handle(w, r)
}

func (d *Device) challenge(w http.ResponseWriter) {
	if !d.cfg.OmitChallengeHeader {
		nonce := fmt.Sprintf("%x", time.Now().UnixNano()+d.seq.Add(1))

		d.mu.Lock()
		d.nonces[nonce] = true
		d.mu.Unlock()

		header := fmt.Sprintf(`Digest realm="%s", nonce="%s", qop="auth"`, d.cfg.Realm, nonce)
		if d.cfg.Opaque != "" {
			header += fmt.Sprintf(`, opaque="%s"`, d.cfg.Opaque)
		}
		w.Header().Set("WWW-Authenticate", header)
	}
	w.WriteHeader(http.StatusUnauthorized)
}

// authorized verifies the Digest response and consumes its nonce.
func (d *Device) authorized(r *http.Request) bool {
	params, ok := digest.ParseAuthorization(r.Header.Get("Authorization"))
	if !ok {
		return false
	}

	d.mu.Lock()
	issued := d.nonces[params["nonce"]]
	delete(d.nonces, params["nonce"])
	d.mu.Unlock()

	if !issued || params["username"] != d.cfg.Username || params["realm"] != d.cfg.Realm {
		return false
	}
	if params["nc"] != digest.NonceCount || params["uri"] != r.URL.Path {
		return false
	}
	if d.cfg.Opaque != "" && params["opaque"] != d.cfg.Opaque {
		return false
	}

	want := digest.Response(d.cfg.Username, d.cfg.Password, params["realm"], params["nonce"],
		params["nc"], params["cnonce"], params["qop"], r.Method, params["uri"])
	return params["response"] == want
}

func (d *Device) serveToken(w http.ResponseWriter, _ *http.Request) {
	data := map[string]any{"accessToken": d.cfg.AccessToken, "expiresIn": 3600}
	if d.cfg.OmitTokenField {
		data = map[string]any{"expiresIn": 3600}
	}
	writeJSON(w, map[string]any{"data": data})
}

func (d *Device) serveReadings(w http.ResponseWriter, r *http.Request) {
	if !d.cfg.SkipChallenge && r.Header.Get(protocol.AccessTokenHeader) != d.cfg.AccessToken {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	d.mu.Lock()
	tempVal := d.tempVal
	d.mu.Unlock()

	writeJSON(w, map[string]any{
		"data": []map[string]any{{
			"devAddr":    d.cfg.DevAddr,
			"tempVal":    tempVal,
			"updateTime": time.Now().Format("2006-01-02 15:04:05"),
		}},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
