package cli

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/anstrom/portsweep/internal/api/handlers"
	"github.com/anstrom/portsweep/internal/config"
)

const (
	apiClientTimeout = 30 * time.Second
	maxErrorBodySize = 64 * 1024
)

// APIClient talks to a running portsweep server.
type APIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	userAgent  string
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
	RequestID  string
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("API error (status %d, request %s): %s", e.StatusCode, e.RequestID, e.Message)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// NewAPIClient creates a client for the API rooted at baseURL, for example
// http://127.0.0.1:8080/api/v1. An empty apiKey sends no credentials.
func NewAPIClient(baseURL, apiKey string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: apiClientTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		userAgent: "portsweep-cli/" + version,
	}
}

// defaultServerURL derives the API base URL from the configured listener.
// Wildcard listen addresses are reached through loopback.
func defaultServerURL(cfg *config.Config) string {
	host := cfg.API.ListenAddr
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s/api/v1", net.JoinHostPort(host, strconv.Itoa(cfg.API.Port)))
}

// getAPIKeyFromSources reads the key from PORTSWEEP_API_KEY or the file
// named by PORTSWEEP_API_KEY_FILE.
func getAPIKeyFromSources() string {
	if key := os.Getenv(envPrefix + "_API_KEY"); key != "" {
		return key
	}

	if keyFile := os.Getenv(envPrefix + "_API_KEY_FILE"); keyFile != "" {
		// #nosec G304 - the path comes from the operator's environment
		if keyData, err := os.ReadFile(keyFile); err == nil {
			return strings.TrimSpace(string(keyData))
		}
	}

	return ""
}

// Get performs a GET request and decodes the response into out.
func (c *APIClient) Get(ctx context.Context, endpoint string, out interface{}) error {
	return c.request(ctx, http.MethodGet, endpoint, nil, out)
}

// Post performs a POST request with a JSON payload.
func (c *APIClient) Post(ctx context.Context, endpoint string, payload, out interface{}) error {
	return c.request(ctx, http.MethodPost, endpoint, payload, out)
}

// Delete performs a DELETE request.
func (c *APIClient) Delete(ctx context.Context, endpoint string, out interface{}) error {
	return c.request(ctx, http.MethodDelete, endpoint, nil, out)
}

func (c *APIClient) request(ctx context.Context, method, endpoint string, payload, out interface{}) error {
	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("X-Request-ID"),
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	var errResp handlers.ErrorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error != "" {
		apiErr.Message = errResp.Error
		apiErr.Code = string(errResp.Code)
		if errResp.RequestID != "" {
			apiErr.RequestID = errResp.RequestID
		}
	} else if text := strings.TrimSpace(string(data)); text != "" {
		apiErr.Message = text
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// describeAPIError turns API errors into messages that tell the user what
// to do next.
func describeAPIError(err error, operation string) error {
	var apiErr *APIError
	if !stderrors.As(err, &apiErr) {
		return fmt.Errorf("%s failed: %w", operation, err)
	}

	switch apiErr.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("authentication failed for %s: set %s_API_KEY or %s_API_KEY_FILE: %w",
			operation, envPrefix, envPrefix, err)
	case http.StatusNotFound:
		return fmt.Errorf("%s: not found: %w", operation, err)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%s: rate limit exceeded, try again shortly: %w", operation, err)
	default:
		return fmt.Errorf("%s failed: %w", operation, err)
	}
}
