// Package client provides a thin HTTP client for administering a remote
// timewarden node's dispatcher, mirroring the teacher's pkg/client calling
// convention: a *http.Client wrapped with TLS options and a slog logger,
// JSON request bodies, and a shared error-response decoder.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/loykin/timewarden/internal/cluster"
)

// Client talks to one remote node's cluster.Receiver endpoint.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSClientConfig
	Insecure bool
}

// TLSClientConfig holds TLS configuration for client.
type TLSClientConfig struct {
	Enabled    bool
	CACert     string
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

func DefaultConfig() Config {
	return Config{BaseURL: "http://localhost:8080", Timeout: 10 * time.Second}
}

func InsecureConfig() Config {
	return Config{BaseURL: "https://localhost:8080", Timeout: 10 * time.Second, Insecure: true}
}

// New creates a client with TLS support.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if (config.TLS != nil && config.TLS.Enabled) || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}
}

// IsReachable checks whether the remote node's hint endpoint responds at
// all (any non-network-error status counts, including 4xx from a malformed
// probe request).
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/timewarden/hint", bytes.NewReader([]byte("{}")))
	if err != nil {
		c.logger.Debug("failed to build reachability request", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("node unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return true
}

// Refresh asks the remote node to re-query the store for its earliest due
// timer and re-arm against it.
func (c *Client) Refresh(ctx context.Context) error {
	c.logger.Debug("sending refresh hint", "base_url", c.baseURL)
	return c.sendHint(ctx, cluster.Hint{Kind: cluster.HintRefresh})
}

// SetNextExpiry asks the remote node to arm (or re-arm, if earlier) its
// sleep deadline for at.
func (c *Client) SetNextExpiry(ctx context.Context, at time.Time) error {
	c.logger.Debug("sending set_next_expiry hint", "base_url", c.baseURL, "at", at)
	return c.sendHint(ctx, cluster.Hint{Kind: cluster.HintSetNextExpiry, At: at})
}

func (c *Client) sendHint(ctx context.Context, hint cluster.Hint) error {
	data, err := json.Marshal(hint)
	if err != nil {
		return fmt.Errorf("marshal hint: %w", err)
	}
	return c.doRequest(ctx, http.MethodPost, c.baseURL+"/timewarden/hint", data)
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}
	return tlsConfig, nil
}

func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, url string, body []byte) error {
	var bodyReader *bytes.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return c.handleErrorResponse(resp)
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK {
		return nil
	}
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		c.logger.Error("failed to decode error response", "status", resp.StatusCode)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Error("hint request failed", "error", errResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("timewarden: %s", errResp.Error)
}
