// Package transport implements the outbound HTTP transmission adaptor.
//
// The adaptor retries transient network failures (connection resets, DNS
// hiccups, timeouts) with a fixed delay, up to a bounded attempt count.
// TLS failures and any HTTP-level response are surfaced immediately: protocol
// responses, including faults, belong to the workflow's own retry layer.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Recommended TLS 1.2 cipher suites for Spine connections
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// Config contains transmission adaptor configuration.
type Config struct {
	MaxRetries   int
	RetryDelay   time.Duration
	Timeout      time.Duration
	Certificates []tls.Certificate
	RootCAs      *x509.CertPool
}

// DefaultConfig returns a default transmission configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries: 3,
		RetryDelay: 100 * time.Millisecond,
		Timeout:    30 * time.Second,
	}
}

// Response is the outcome of a completed HTTP exchange.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// MaxRetriesError is returned when every transmission attempt failed with a
// transient error. It wraps the last underlying error.
type MaxRetriesError struct {
	Attempts int
	Err      error
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("transport: %d attempts exhausted: %v", e.Attempts, e.Err)
}

func (e *MaxRetriesError) Unwrap() error { return e.Err }

// Sender is the transmission capability the workflow engine depends on.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, body []byte) (*Response, error)
}

// Client sends outbound messages over HTTPS with transient-error retry.
type Client struct {
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewClient creates a transmission client.
func NewClient(cfg *Config, logger *slog.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: RecommendedTLS12CipherSuites,
		Certificates: cfg.Certificates,
		RootCAs:      cfg.RootCAs,
	}

	transport := &http.Transport{
		TLSClientConfig:     tlsConfig,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
	}
}

// Send POSTs the message, retrying transient failures up to MaxRetries with
// RetryDelay sleeps in between. The caller receives whatever HTTP response
// arrives, success or fault; only transport-level failures are retried.
func (c *Client) Send(ctx context.Context, url string, headers map[string]string, body []byte) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying transmission after transient failure",
				"url", url, "attempt", attempt, "error", lastErr)
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := c.doSend(ctx, url, headers, body)
		if err == nil {
			return resp, nil
		}
		if !isTransient(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, &MaxRetriesError{Attempts: c.maxRetries + 1, Err: lastErr}
}

func (c *Client) doSend(ctx context.Context, url string, headers map[string]string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}
	req.Header.Set("User-Agent", "go-mhs/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       responseBody,
	}, nil
}

// isTransient classifies an error as worth a transport-level retry.
// TLS handshake and certificate failures are never transient.
func isTransient(err error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return false
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return false
	}
	var unknownAuthErr x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthErr) {
		return false
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return false
}
