// Package httpcap exposes a collaborator's REST endpoint as a capability.
// Every external action surface (mail provider gateway, contacts service,
// preference store) is reached through this adapter; the engine never sees
// a collaborator-specific protocol.
package httpcap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultTimeoutSeconds = 30

var (
	// ErrBaseURLRequired is returned when the adapter configuration lacks a base URL.
	ErrBaseURLRequired = errors.New("http capability requires a 'base_url'")
	// ErrServerError is returned when the collaborator answers with a 5xx status.
	ErrServerError = errors.New("collaborator server error")
)

// Capability performs one HTTP call per invocation, sending the parameters
// as a JSON body (or query-less GET) and decoding the JSON response as the
// invocation payload.
type Capability struct {
	Method  string
	BaseURL string
	Path    string
	Headers map[string]string
	Timeout time.Duration

	client *http.Client
}

// New creates an HTTP capability from adapter configuration.
func New(config map[string]any) (*Capability, error) {
	baseURL, _ := config["base_url"].(string)
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}

	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	path, _ := config["path"].(string)
	if path == "" {
		path = "/"
	}

	timeout := defaultTimeoutSeconds * time.Second
	if seconds, ok := config["timeout_seconds"].(float64); ok && seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
	}

	headers := make(map[string]string)

	if headersConfig, ok := config["headers"].(map[string]any); ok {
		for key, value := range headersConfig {
			if str, ok := value.(string); ok {
				headers[key] = str
			}
		}
	}

	return &Capability{
		Method:  strings.ToUpper(method),
		BaseURL: strings.TrimRight(baseURL, "/"),
		Path:    path,
		Headers: headers,
		Timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Invoke performs the HTTP call. A non-2xx status is an invocation error;
// the engine decides whether to retry based on the capability descriptor,
// never here.
func (c *Capability) Invoke(ctx context.Context, params map[string]any, logger *slog.Logger) (map[string]any, error) {
	url := c.BaseURL + c.Path

	logger = logger.With("adapter", "http", "method", c.Method, "url", url)
	logger.DebugContext(ctx, "Invoking collaborator endpoint")

	req, err := c.buildRequest(ctx, url, params)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("collaborator request failed: %w", err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close response body", "error", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read collaborator response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, ErrServerError)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("collaborator rejected invocation with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	payload := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("failed to decode collaborator response: %w", err)
		}
	}

	return payload, nil
}

func (c *Capability) buildRequest(ctx context.Context, url string, params map[string]any) (*http.Request, error) {
	var bodyReader io.Reader

	if c.Method != http.MethodGet && params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode parameters: %w", err)
		}

		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, c.Method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	for key, value := range c.Headers {
		req.Header.Set(key, value)
	}

	return req, nil
}
