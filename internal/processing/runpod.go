package processing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RunPodClient submits jobs to a RunPod serverless endpoint through the
// synchronous /runsync path. The endpoint wraps our payload in an "input"
// envelope and the handler's return value comes back under "output".
type RunPodClient struct {
	endpointURL string
	apiKey      string
	client      *http.Client
}

// NewRunPodClient creates a RunPod serverless backend client.
func NewRunPodClient(endpointURL, apiKey string, deadline time.Duration) *RunPodClient {
	return &RunPodClient{
		endpointURL: endpointURL,
		apiKey:      apiKey,
		client:      &http.Client{Timeout: deadline},
	}
}

func (c *RunPodClient) Name() string { return "runpod" }

type runPodRequest struct {
	Input Request `json:"input"`
}

type runPodResponse struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	Output *Result `json:"output"`
	Error  string  `json:"error,omitempty"`
}

func (c *RunPodClient) Process(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(runPodRequest{Input: req})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpointURL+"/runsync", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var rpResp runPodResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpResp); err != nil {
		return nil, fmt.Errorf("decoding runpod response: %w", err)
	}

	if rpResp.Status != "COMPLETED" || rpResp.Output == nil {
		if rpResp.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrProcessing, rpResp.Error)
		}
		return nil, fmt.Errorf("%w: endpoint status %q", ErrProcessing, rpResp.Status)
	}

	if rpResp.Output.Status != "success" {
		return nil, resultError(rpResp.Output)
	}
	return rpResp.Output, nil
}

// Compile-time check that RunPodClient implements Client.
var _ Client = (*RunPodClient)(nil)
