// Package detect is the thin client for the detection API used by the
// dashboard playground.
package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 15 * time.Second

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return NewClientWithHTTP(baseURL, &http.Client{Timeout: defaultTimeout})
}

func NewClientWithHTTP(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type Result struct {
	IsThreat       bool     `json:"is_threat"`
	Confidence     float64  `json:"confidence"`
	AttackCategory *string  `json:"attack_category"`
	DetectedLayer  *int     `json:"detected_by_layer"`
	LatencyMs      float64  `json:"latency_ms"`
	Reasons        []string `json:"reasons,omitempty"`
}

// Check submits one prompt for classification under the given API key.
func (c *Client) Check(ctx context.Context, apiKey, prompt string) (Result, error) {
	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return Result{}, fmt.Errorf("encode detect request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/detect", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build detect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("detect request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("detect api returned %d", resp.StatusCode)
	}
	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("decode detect response: %w", err)
	}
	return result, nil
}
