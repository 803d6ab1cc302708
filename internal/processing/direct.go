package processing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DirectClient submits jobs to a self-hosted processing server exposing the
// handler contract directly, without the serverless envelope. Used for GPU
// boxes run outside RunPod and for local development.
type DirectClient struct {
	baseURL string
	client  *http.Client
}

// NewDirectClient creates a direct HTTP backend client.
func NewDirectClient(baseURL string, deadline time.Duration) *DirectClient {
	return &DirectClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: deadline},
	}
}

func (c *DirectClient) Name() string { return "direct" }

func (c *DirectClient) Process(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/process", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding processing response: %w", err)
	}

	if result.Status != "success" {
		return nil, resultError(&result)
	}
	return &result, nil
}

// Compile-time check that DirectClient implements Client.
var _ Client = (*DirectClient)(nil)
