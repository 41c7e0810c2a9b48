// Package device talks to sensor firmware over its REST interface. Every
// exchange is a Digest handshake: an unauthenticated request that must be
// answered with a 401 challenge, then one authenticated retry.
package device

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/smukkama/sensor-proxy/internal/digest"
	"github.com/smukkama/sensor-proxy/internal/protocol"
)

// Credentials are the device account used for Digest authentication.
type Credentials struct {
	Username string
	Password string
}

// Options configures a Client.
type Options struct {
	// CACertPath is the PEM bundle that signs device certificates. When the
	// file does not exist, HTTPS peers are not verified at all.
	CACertPath string
	// RequestTimeout bounds each individual HTTP request.
	RequestTimeout time.Duration
}

// Client performs device exchanges. It is safe for concurrent use.
type Client struct {
	plain   *resty.Client
	secure  *resty.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewClient creates a device client
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}

	tlsConfig, err := deviceTLSConfig(opts.CACertPath, logger)
	if err != nil {
		return nil, err
	}

	return &Client{
		plain:   newRestyClient(),
		secure:  newRestyClient().SetTLSClientConfig(tlsConfig),
		timeout: opts.RequestTimeout,
		logger:  logger,
	}, nil
}

func newRestyClient() *resty.Client {
	// No retries here; the polling cadence is the retry policy
	return resty.New().
		SetRetryCount(0).
		SetRedirectPolicy(resty.NoRedirectPolicy()).
		SetHeader("Accept", "application/json")
}

// deviceTLSConfig trusts only the pinned CA and skips host name checks,
// since devices present self-signed certificates issued for no particular
// name.
func deviceTLSConfig(caPath string, logger *zap.Logger) (*tls.Config, error) {
	pem, err := os.ReadFile(caPath)
	if errors.Is(err, os.ErrNotExist) || caPath == "" {
		logger.Warn("device CA certificate not found, HTTPS peers will not be verified",
			zap.String("path", caPath))
		return &tls.Config{InsecureSkipVerify: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read device CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caPath)
	}

	return &tls.Config{
		InsecureSkipVerify: true, // chain is still verified below
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyChain(pool, rawCerts)
		},
	}, nil
}

func verifyChain(roots *x509.CertPool, rawCerts [][]byte) error {
	if len(rawCerts) == 0 {
		return errors.New("device presented no certificate")
	}

	certs := make([]*x509.Certificate, len(rawCerts))
	for i, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("failed to parse device certificate: %w", err)
		}
		certs[i] = cert
	}

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}

	_, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
	})
	return err
}

func (c *Client) transport(address string) *resty.Client {
	if IsPrivate(address) {
		return c.secure
	}
	return c.plain
}

// request describes one side of a challenge exchange
type request struct {
	op      string
	method  string
	path    string
	body    []byte
	headers map[string]string
}

// AcquireToken performs the token handshake against POST /restv1/token.
func (c *Client) AcquireToken(ctx context.Context, address string, creds Credentials) (*protocol.TokenResponse, error) {
	req := request{
		op:     "acquire token",
		method: http.MethodPost,
		path:   protocol.TokenPath,
		body:   []byte("{}"),
		headers: map[string]string{
			"Content-Type": "application/json",
		},
	}

	body, err := c.exchange(ctx, address, creds, req)
	if err != nil {
		return nil, err
	}

	token, err := protocol.DecodeTokenResponse(body)
	if err != nil {
		return nil, &Failure{Address: address, Op: req.op, Reason: ReasonDecode, Err: err}
	}

	return token, nil
}

// FetchReadings performs the readings handshake against
// GET /restv1/device/wts, sending accessToken on the authenticated retry.
func (c *Client) FetchReadings(ctx context.Context, address string, creds Credentials, accessToken string) (*protocol.ReadingsResponse, error) {
	req := request{
		op:     "fetch readings",
		method: http.MethodGet,
		path:   protocol.ReadingsPath,
		headers: map[string]string{
			protocol.AccessTokenHeader: accessToken,
		},
	}

	body, err := c.exchange(ctx, address, creds, req)
	if err != nil {
		return nil, err
	}

	readings, err := protocol.DecodeReadingsResponse(body)
	if err != nil {
		return nil, &Failure{Address: address, Op: req.op, Reason: ReasonDecode, Err: err}
	}

	return readings, nil
}

// exchange runs probe, challenge, authenticated retry and returns the body
// of the retry.
func (c *Client) exchange(ctx context.Context, address string, creds Credentials, req request) ([]byte, error) {
	fail := func(reason Reason, err error) error {
		return &Failure{Address: address, Op: req.op, Reason: reason, Err: err}
	}

	url := Scheme(address) + "://" + address + req.path

	// The probe carries only the non-secret headers
	probeHeaders := map[string]string{}
	if ct, ok := req.headers["Content-Type"]; ok {
		probeHeaders["Content-Type"] = ct
	}

	probe, err := c.send(ctx, address, req.method, url, req.body, probeHeaders)
	if err != nil {
		return nil, fail(ReasonTransport, err)
	}

	if probe.IsSuccess() {
		return nil, fail(ReasonProtocol, fmt.Errorf("expected digest challenge, got %d", probe.StatusCode()))
	}

	header := probe.Header().Get("WWW-Authenticate")
	if header == "" {
		return nil, fail(ReasonProtocol, fmt.Errorf("status %d without WWW-Authenticate header", probe.StatusCode()))
	}

	challenge := digest.ParseChallenge(header)
	authorization, err := digest.BuildAuthorization(creds.Username, creds.Password, challenge, req.method, req.path)
	if err != nil {
		return nil, fail(ReasonProtocol, err)
	}

	headers := map[string]string{"Authorization": authorization}
	for k, v := range req.headers {
		headers[k] = v
	}

	resp, err := c.send(ctx, address, req.method, url, req.body, headers)
	if err != nil {
		return nil, fail(ReasonTransport, err)
	}

	if !resp.IsSuccess() {
		return nil, fail(ReasonAuth, fmt.Errorf("authenticated request rejected with status %d", resp.StatusCode()))
	}

	c.logger.Debug("device exchange completed",
		zap.String("address", address),
		zap.String("op", req.op),
		zap.Int("status_code", resp.StatusCode()),
	)

	return resp.Body(), nil
}

func (c *Client) send(ctx context.Context, address, method, url string, body []byte, headers map[string]string) (*resty.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	r := c.transport(address).R().
		SetContext(ctx).
		SetHeaders(headers)
	if body != nil {
		r.SetBody(body)
	}

	return r.Execute(method, url)
}
