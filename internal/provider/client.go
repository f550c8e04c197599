// Package provider talks to the calendar provider's push-notification channel
// API: watch a resource, stop a channel.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TokenSource returns an already-valid bearer credential.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken wraps a fixed access token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// ChannelRequest describes a channel to open on the provider.
type ChannelRequest struct {
	ID       string
	Resource string
	Address  string
	Token    string
	TTL      time.Duration
}

// Channel is an open provider channel.
type Channel struct {
	ID          string
	ResourceID  string
	ResourceURI string
	ExpiresAt   time.Time
}

// ChannelClient is the contract the subscription manager depends on.
type ChannelClient interface {
	Register(ctx context.Context, req ChannelRequest) (Channel, error)
	Stop(ctx context.Context, channel Channel) error
}

type ClientOptions struct {
	BaseURL     string
	TokenSource TokenSource
	HTTPClient  *http.Client
	Timeout     time.Duration
	UserAgent   string
}

// HTTPClient implements ChannelClient against a Google Calendar style
// events.watch / channels.stop API.
type HTTPClient struct {
	baseURL     string
	tokenSource TokenSource
	httpClient  *http.Client
	timeout     time.Duration
	userAgent   string
	now         func() time.Time
}

func NewHTTPClient(opts ClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://www.googleapis.com/calendar/v3"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{
		baseURL:     baseURL,
		tokenSource: opts.TokenSource,
		httpClient:  httpClient,
		timeout:     timeout,
		userAgent:   strings.TrimSpace(opts.UserAgent),
		now:         time.Now,
	}
}

type watchRequest struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Address string            `json:"address"`
	Token   string            `json:"token,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
}

type channelResponse struct {
	Kind        string `json:"kind"`
	ID          string `json:"id"`
	ResourceID  string `json:"resourceId"`
	ResourceURI string `json:"resourceUri"`
	Expiration  string `json:"expiration"`
}

type stopRequest struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
}

func (c *HTTPClient) Register(ctx context.Context, req ChannelRequest) (Channel, error) {
	body := watchRequest{
		ID:      req.ID,
		Type:    "web_hook",
		Address: req.Address,
		Token:   req.Token,
	}
	if req.TTL > 0 {
		body.Params = map[string]string{"ttl": strconv.FormatInt(int64(req.TTL/time.Second), 10)}
	}

	path := "/" + strings.Trim(req.Resource, "/") + "/watch"
	respBody, err := c.do(ctx, "register", path, body)
	if err != nil {
		return Channel{}, err
	}

	var resp channelResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return Channel{}, &ProviderError{Kind: Permanent, Op: "register", Message: "invalid response body", Err: err}
	}
	if resp.ID == "" {
		return Channel{}, &ProviderError{Kind: Permanent, Op: "register", Message: "response has no channel id"}
	}

	expiresAt, err := parseExpiration(resp.Expiration)
	if err != nil {
		return Channel{}, &ProviderError{Kind: Permanent, Op: "register", Message: "invalid expiration", Err: err}
	}
	if expiresAt.IsZero() {
		if req.TTL <= 0 {
			return Channel{}, &ProviderError{Kind: Permanent, Op: "register", Message: "response has no expiration"}
		}
		expiresAt = c.now().Add(req.TTL)
	}

	return Channel{
		ID:          resp.ID,
		ResourceID:  resp.ResourceID,
		ResourceURI: resp.ResourceURI,
		ExpiresAt:   expiresAt,
	}, nil
}

func (c *HTTPClient) Stop(ctx context.Context, channel Channel) error {
	_, err := c.do(ctx, "stop", "/channels/stop", stopRequest{ID: channel.ID, ResourceID: channel.ResourceID})
	return err
}

func (c *HTTPClient) do(ctx context.Context, op, path string, payload any) ([]byte, error) {
	if c.tokenSource == nil {
		return nil, &ProviderError{Kind: Permanent, Op: op, Message: "token source is required"}
	}
	token, err := c.tokenSource(ctx)
	if err != nil {
		return nil, &ProviderError{Kind: Permanent, Op: op, Message: "credential unavailable", Err: err}
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &ProviderError{Kind: Permanent, Op: op, Message: "credential is empty"}
	}

	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, &ProviderError{Kind: Permanent, Op: op, Message: err.Error(), Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return respBody, nil
	}
	return nil, classifyStatus(op, resp.StatusCode, errorMessage(respBody))
}

// errorMessage extracts {"error":{"message":...}} when present.
func errorMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
		if parsed.Error.Status != "" {
			return parsed.Error.Status + ": " + parsed.Error.Message
		}
		return parsed.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

// parseExpiration decodes the provider's millisecond epoch string.
func parseExpiration(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse expiration %q: %w", raw, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}
