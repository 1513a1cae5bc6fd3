// Package client talks to the field management API over mutual TLS.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// FieldsPath is the API endpoint every action is posted to.
const FieldsPath = "/api/fields"

// ErrAPI is wrapped by errors reported in a response's "message" member.
var ErrAPI = errors.New("api error")

// Response is the decoded reply of an action.
type Response struct {
	Error   bool            `json:"error"`
	Message string          `json:"message"`
	Array   json.RawMessage `json:"array,omitempty"`
	NewID   int64           `json:"newId,omitempty"`
	Failed  int             `json:"failed,omitempty"`
}

// Client posts actions to the API with a session key.
type Client struct {
	HTTP    *http.Client
	BaseURL string
	Key     string
}

// New returns a Client for baseURL using httpClient.
func New(httpClient *http.Client, baseURL, key string) *Client {
	return &Client{HTTP: httpClient, BaseURL: strings.TrimRight(baseURL, "/"), Key: key}
}

// Do posts action with data and decodes the reply. A reply flagged as an error
// is returned as an error wrapping ErrAPI together with the decoded response.
func (c *Client) Do(ctx context.Context, action string, data any) (*Response, error) {
	body, err := json.Marshal(map[string]any{
		"type": action,
		"key":  c.Key,
		"data": data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+FieldsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", action, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out.Error {
		return &out, fmt.Errorf("%w: %s (%d)", ErrAPI, out.Message, resp.StatusCode)
	}
	return &out, nil
}

// LoadClientCertificate builds an HTTP client presenting certFile/keyFile and
// trusting the CA in caFile.
func LoadClientCertificate(certFile, keyFile, caFile string) (*http.Client, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert/key: %w", err)
	}
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA cert: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to parse CA cert")
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      caPool,
			MinVersion:   tls.VersionTLS12,
		},
	}
	return &http.Client{Transport: transport, Timeout: 10 * time.Second}, nil
}
