// Package controlplane talks to the node control-plane service that applies
// license enforcement and answers liveness probes.
package controlplane

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrUnexpectedStatus = errors.New("controlplane: unexpected status")
	ErrEmptyServerIP    = errors.New("controlplane: server ip is required")
)

const (
	enforceExpiredPath = "/license/enforce-expired"
	serverStatusPath   = "/check-server-status"

	StatusOnline = "online"
)

type Config struct {
	BaseURL            string
	EnforceTimeout     time.Duration
	StatusTimeout      time.Duration
	InsecureSkipVerify bool
}

type Client struct {
	baseURL        string
	enforceTimeout time.Duration
	statusTimeout  time.Duration
	httpClient     *http.Client
}

type serverRequest struct {
	ServerIP string `json:"server_ip"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func New(cfg Config) *Client {
	enforceTimeout := cfg.EnforceTimeout
	if enforceTimeout <= 0 {
		enforceTimeout = 30 * time.Second
	}
	statusTimeout := cfg.StatusTimeout
	if statusTimeout <= 0 {
		statusTimeout = 10 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
		// #nosec G402 -- control-plane nodes serve self-signed certificates.
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	return &Client{
		baseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		enforceTimeout: enforceTimeout,
		statusTimeout:  statusTimeout,
		httpClient:     &http.Client{Transport: transport},
	}
}

// EnforceExpired asks the control plane to apply expiry enforcement on the
// server with the given IP. Any non-2xx answer is an error.
func (c *Client) EnforceExpired(ctx context.Context, serverIP string) error {
	if strings.TrimSpace(serverIP) == "" {
		return ErrEmptyServerIP
	}
	ctx, cancel := context.WithTimeout(ctx, c.enforceTimeout)
	defer cancel()

	return c.post(ctx, enforceExpiredPath, serverRequest{ServerIP: serverIP}, nil)
}

// CheckServerStatus returns the liveness status reported for serverIP, e.g.
// "online".
func (c *Client) CheckServerStatus(ctx context.Context, serverIP string) (string, error) {
	if strings.TrimSpace(serverIP) == "" {
		return "", ErrEmptyServerIP
	}
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	var out statusResponse
	if err := c.post(ctx, serverStatusPath, serverRequest{ServerIP: serverIP}, &out); err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(out.Status)), nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	if c.baseURL == "" {
		return errors.New("controlplane: empty base url")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: %s %s: %d %s", ErrUnexpectedStatus, http.MethodPost, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
