package dashclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"promptwatch/internal/api"
)

const defaultUnaryTimeout = 10 * time.Second

// Client talks to the promptwatchd HTTP API.
type Client struct {
	baseURL      string
	client       *http.Client
	token        string
	unaryTimeout time.Duration
}

func New(baseURL string) *Client {
	return NewWithClient(baseURL, &http.Client{})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

// WithToken returns a copy of the client that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.token = token
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	switch {
	case code != "" && message != "":
		return fmt.Sprintf("%s: %s", code, message)
	case code != "":
		return fmt.Sprintf("http %d: %s", e.StatusCode, code)
	case message != "":
		return fmt.Sprintf("http %d: %s", e.StatusCode, message)
	default:
		return fmt.Sprintf("http %d", e.StatusCode)
	}
}

func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var resp api.LoginResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/login", api.LoginRequest{Email: email, Password: password}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Token, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/logout", nil, nil)
}

func (c *Client) Feed(ctx context.Context) (api.FeedSnapshot, error) {
	var resp api.FeedSnapshot
	err := c.doJSON(ctx, http.MethodGet, "/v1/feed", nil, &resp)
	return resp, err
}

type RequestsOptions struct {
	IsThreat       string
	AttackCategory string
	APIKeyID       string
	Limit          int
	Offset         int
}

func (c *Client) Requests(ctx context.Context, opts RequestsOptions) (api.RequestsEnvelope, error) {
	query := url.Values{}
	if opts.IsThreat != "" {
		query.Set("is_threat", opts.IsThreat)
	}
	if opts.AttackCategory != "" {
		query.Set("attack_category", opts.AttackCategory)
	}
	if opts.APIKeyID != "" {
		query.Set("api_key_id", opts.APIKeyID)
	}
	if opts.Limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", fmt.Sprintf("%d", opts.Offset))
	}
	path := "/v1/requests"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var resp api.RequestsEnvelope
	err := c.doJSON(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

func (c *Client) ListKeys(ctx context.Context) (api.APIKeysEnvelope, error) {
	var resp api.APIKeysEnvelope
	err := c.doJSON(ctx, http.MethodGet, "/v1/keys", nil, &resp)
	return resp, err
}

func (c *Client) CreateKey(ctx context.Context, name string) (api.APIKeyResponse, error) {
	var resp api.APIKeyResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/keys", api.CreateKeyRequest{Name: name}, &resp)
	return resp, err
}

func (c *Client) RevokeKey(ctx context.Context, keyID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/keys/"+url.PathEscape(keyID), nil, nil)
}

func (c *Client) Detect(ctx context.Context, apiKey, prompt string) (api.PlaygroundResponse, error) {
	var resp api.PlaygroundResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/playground/detect", api.PlaygroundRequest{APIKey: apiKey, Prompt: prompt}, &resp)
	return resp, err
}

// TailFeed streams feed snapshots over the websocket endpoint, invoking fn
// for each one until fn errors, the stream closes, or ctx is cancelled.
func (c *Client) TailFeed(ctx context.Context, fn func(api.FeedSnapshot) error) error {
	wsURL, err := url.Parse(c.baseURL + "/v1/feed/live")
	if err != nil {
		return fmt.Errorf("parse feed url: %w", err)
	}
	switch wsURL.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			return c.responseError(resp)
		}
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		var snapshot api.FeedSnapshot
		if err := conn.ReadJSON(&snapshot); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read feed: %w", err)
		}
		if err := fn(snapshot); err != nil {
			return err
		}
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.unaryTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) responseError(resp *http.Response) error {
	reqErr := &RequestError{StatusCode: resp.StatusCode}
	var envelope api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&envelope); err == nil {
		reqErr.Code = envelope.Error.Code
		reqErr.Message = envelope.Error.Message
	}
	return reqErr
}
