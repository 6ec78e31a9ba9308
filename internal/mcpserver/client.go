package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the monitor API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8090"
	APIKey string // API key for mutating endpoints; empty when the monitor runs open
}

// ProctorClient is a pure HTTP client for the monitor API.
type ProctorClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewProctorClient creates a new client for the monitor API.
func NewProctorClient(cfg Config) *ProctorClient {
	return &ProctorClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the monitor.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the monitor and returns the response body.
func (c *ProctorClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// WatchSession returns the one-shot watch report for a session. Both include
// flags are sent explicitly: the HTTP endpoint defaults them off, the MCP
// tool defaults them on.
func (c *ProctorClient) WatchSession(ctx context.Context, sessionID string, includeFileOps, includeTerminal bool) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("includeFileOperations", strconv.FormatBool(includeFileOps))
	q.Set("includeTerminalEvents", strconv.FormatBool(includeTerminal))
	path := "/v1/sessions/" + sessionID + "/watch"
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// RunAnalysis extracts features from a code sample. With no code the monitor
// falls back to the session's newest snapshot.
func (c *ProctorClient) RunAnalysis(ctx context.Context, sessionID, code string) (json.RawMessage, error) {
	body := map[string]string{"sessionId": sessionID}
	if code != "" {
		body["code"] = code
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/analysis", nil, body)
}

// RunSanityChecks re-evaluates the session's recorded history and returns
// the resulting risk assessment.
func (c *ProctorClient) RunSanityChecks(ctx context.Context, sessionID string) (json.RawMessage, error) {
	path := "/v1/sessions/" + sessionID + "/sanity"
	return c.doRequest(ctx, http.MethodPost, path, nil, nil)
}
