package device

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smukkama/sensor-proxy/internal/simulator"
)

var testCreds = Credentials{Username: "admin", Password: "13579Qwert!"}

func newTestClient(t *testing.T, timeout time.Duration) *Client {
	c, err := NewClient(Options{CACertPath: filepath.Join(t.TempDir(), "missing.pem"), RequestTimeout: timeout}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func startDevice(t *testing.T, cfg simulator.Config) (*simulator.Device, string) {
	if cfg.Username == "" {
		cfg.Username = testCreds.Username
		cfg.Password = testCreds.Password
	}
	dev := simulator.New(cfg)
	srv := httptest.NewServer(dev)
	t.Cleanup(srv.Close)
	return dev, strings.TrimPrefix(srv.URL, "http://")
}

func TestIsPrivate(t *testing.T) {
	tests := []struct {
		address string
		want    bool
	}{
		{"10.1.2.3", true},
		{"192.168.0.5", true},
		{"172.16.0.1", true},
		{"172.31.255.255", true},
		{"192.168.1.20:8443", true},
		{"172.32.0.1", false},
		{"8.8.8.8", false},
		{"127.0.0.1:8080", false},
		{"device.local", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPrivate(tt.address))
		})
	}

	assert.Equal(t, "https", Scheme("10.0.0.7"))
	assert.Equal(t, "http", Scheme("8.8.8.8"))
}

func TestAcquireToken_Success(t *testing.T) {
	dev, addr := startDevice(t, simulator.Config{AccessToken: "abc123", Opaque: "op"})
	c := newTestClient(t, time.Second)

	token, err := c.AcquireToken(context.Background(), addr, testCreds)
	require.NoError(t, err)
	assert.Equal(t, "abc123", token.AccessToken())

	// The payload is forwarded exactly as the device sent it
	raw, err := json.Marshal(token)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"expiresIn":3600`)

	assert.Equal(t, int64(2), dev.Requests())
	assert.Equal(t, int64(1), dev.Accepted())
}

func TestAcquireToken_Failures(t *testing.T) {
	tests := []struct {
		name   string
		cfg    simulator.Config
		creds  Credentials
		reason Reason
	}{
		{"wrong password", simulator.Config{}, Credentials{Username: "admin", Password: "nope"}, ReasonAuth},
		{"no challenge", simulator.Config{SkipChallenge: true}, testCreds, ReasonProtocol},
		{"missing header", simulator.Config{OmitChallengeHeader: true}, testCreds, ReasonProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, addr := startDevice(t, tt.cfg)
			c := newTestClient(t, time.Second)

			_, err := c.AcquireToken(context.Background(), addr, tt.creds)
			require.Error(t, err)

			reason, ok := ReasonOf(err)
			require.True(t, ok, "expected *Failure, got %T", err)
			assert.Equal(t, tt.reason, reason)

			var f *Failure
			require.ErrorAs(t, err, &f)
			assert.Equal(t, addr, f.Address)
		})
	}
}

func TestAcquireToken_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	c := newTestClient(t, time.Second)
	_, err := c.AcquireToken(context.Background(), addr, testCreds)

	reason, _ := ReasonOf(err)
	assert.Equal(t, ReasonTransport, reason)
}

func TestAcquireToken_Timeout(t *testing.T) {
	_, addr := startDevice(t, simulator.Config{Delay: 500 * time.Millisecond})
	c := newTestClient(t, 50*time.Millisecond)

	start := time.Now()
	_, err := c.AcquireToken(context.Background(), addr, testCreds)
	elapsed := time.Since(start)

	reason, _ := ReasonOf(err)
	assert.Equal(t, ReasonTransport, reason)
	assert.Less(t, elapsed, 400*time.Millisecond)
}

func TestAcquireToken_DecodeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.Header().Set("WWW-Authenticate", `Digest realm="r", nonce="n"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	c := newTestClient(t, time.Second)
	_, err := c.AcquireToken(context.Background(), strings.TrimPrefix(srv.URL, "http://"), testCreds)

	reason, _ := ReasonOf(err)
	assert.Equal(t, ReasonDecode, reason)
}

func TestAcquireToken_ProbeIsUnauthenticated(t *testing.T) {
	var probes []http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes = append(probes, r.Header.Clone())
		w.Header().Set("WWW-Authenticate", `Digest realm="r", nonce="n", qop="auth"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, time.Second)
	_, err := c.AcquireToken(context.Background(), strings.TrimPrefix(srv.URL, "http://"), testCreds)

	reason, _ := ReasonOf(err)
	assert.Equal(t, ReasonAuth, reason)
	require.Len(t, probes, 2)
	assert.Empty(t, probes[0].Get("Authorization"))
	assert.Equal(t, "application/json", probes[0].Get("Content-Type"))
	assert.True(t, strings.HasPrefix(probes[1].Get("Authorization"), "Digest "))
}

func TestFetchReadings(t *testing.T) {
	dev, addr := startDevice(t, simulator.Config{AccessToken: "tok", DevAddr: "AA:BB"})
	dev.SetTemperature(85)
	c := newTestClient(t, time.Second)

	readings, err := c.FetchReadings(context.Background(), addr, testCreds, "tok")
	require.NoError(t, err)
	require.Len(t, readings.Data, 1)
	assert.Equal(t, "AA:BB", readings.Data[0].DevAddr)
	assert.Equal(t, "85", string(readings.Data[0].TempVal))
}

func TestFetchReadings_WrongAccessToken(t *testing.T) {
	_, addr := startDevice(t, simulator.Config{AccessToken: "tok"})
	c := newTestClient(t, time.Second)

	_, err := c.FetchReadings(context.Background(), addr, testCreds, "stale")
	reason, _ := ReasonOf(err)
	assert.Equal(t, ReasonAuth, reason)
}

func TestDeviceTLSConfig(t *testing.T) {
	logger := zap.NewNop()

	cfg, err := deviceTLSConfig(filepath.Join(t.TempDir(), "missing.pem"), logger)
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Nil(t, cfg.VerifyPeerCertificate)

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o600))
	_, err = deviceTLSConfig(bad, logger)
	assert.Error(t, err)

	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()

	good := filepath.Join(t.TempDir(), "ca.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(good, pemBytes, 0o600))

	cfg, err = deviceTLSConfig(good, logger)
	require.NoError(t, err)
	require.NotNil(t, cfg.VerifyPeerCertificate)
	assert.NoError(t, cfg.VerifyPeerCertificate([][]byte{srv.Certificate().Raw}, nil))
}

func TestVerifyChain_UnknownAuthority(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()

	assert.Error(t, verifyChain(x509.NewCertPool(), [][]byte{srv.Certificate().Raw}))
	assert.Error(t, verifyChain(x509.NewCertPool(), nil))
}
