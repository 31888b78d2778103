package upstream

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

	"chat-relay/internal/config"
	"chat-relay/internal/translator"
)

const userAgent = "chat-relay/0.1"

// ErrStatus indicates the upstream answered with an error status code.
var ErrStatus = errors.New("upstream error status")

// Client sends chat-completion requests to the configured upstream API.
type Client struct {
	chatURL string
	headers map[string]string
	client  *http.Client
}

// New creates a client for the upstream described by cfg.
func New(cfg config.UpstreamConfig, client *http.Client) (*Client, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Client{
		chatURL: baseURL + "/chat/completions",
		headers: cfg.Headers,
		client:  client,
	}, nil
}

// ChatURL reports the endpoint requests are sent to.
func (c *Client) ChatURL() string {
	return c.chatURL
}

// Chat posts the translated request. On success the caller owns the
// response body, which is either a JSON object or an SSE stream depending
// on the request's stream flag.
func (c *Client) Chat(ctx context.Context, tr translator.Translation) (*http.Response, error) {
	body, err := json.Marshal(tr.Request)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	slog.Debug("outgoing upstream request", "url", c.chatURL, "payload", string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	for k, values := range tr.Header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range c.headers {
		if strings.EqualFold(k, "Authorization") {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream chat request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, parseAPIError(resp)
	}
	return resp, nil
}

type apiErrorResponse struct {
	Error apiErrorObject `json:"error"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("%w %d and failed to read body: %v", ErrStatus, resp.StatusCode, err)
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("%w %d (%s): %s", ErrStatus, resp.StatusCode, apiErr.Error.Type, apiErr.Error.Message)
	}

	return fmt.Errorf("%w %d: %s", ErrStatus, resp.StatusCode, strings.TrimSpace(string(body)))
}
