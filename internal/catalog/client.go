// Package catalog resolves Sentinel-1 acquisition identifiers to download
// locations via the ASF Search API.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Sentinel errors for catalog lookups.
var (
	ErrUnreachable     = errors.New("acquisition catalog unreachable")
	ErrTimeout         = errors.New("acquisition catalog timeout")
	ErrQueryFailed     = errors.New("acquisition catalog query failed")
	ErrGranuleNotFound = errors.New("granule not found in catalog")
)

// Location is a resolved download location for one granule.
type Location struct {
	Granule string
	URL     string
}

// Resolver is the interface for resolving granule download locations.
type Resolver interface {
	ResolveLocations(ctx context.Context, reference, secondary string) (ref Location, sec Location, err error)
}

// HTTPClient implements Resolver against the ASF Search API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a new ASF Search client.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// ResolveLocations looks up both granules of an acquisition pair in a single
// search call and returns their download URLs.
func (c *HTTPClient) ResolveLocations(ctx context.Context, reference, secondary string) (Location, Location, error) {
	params := url.Values{
		"granule_list": {reference + "," + secondary},
		"output":       {"jsonlite"},
	}
	u := fmt.Sprintf("%s/services/search/param?%s", c.baseURL, params.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Location{}, Location{}, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Location{}, Location{}, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Location{}, Location{}, fmt.Errorf("%w: status %d", ErrQueryFailed, resp.StatusCode)
	}

	var searchResp asfSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return Location{}, Location{}, fmt.Errorf("decoding catalog response: %w", err)
	}

	byName := make(map[string]string, len(searchResp.Results))
	for _, r := range searchResp.Results {
		byName[r.GranuleName] = r.DownloadURL
	}

	ref, ok := byName[reference]
	if !ok || ref == "" {
		return Location{}, Location{}, fmt.Errorf("%w: %s", ErrGranuleNotFound, reference)
	}
	sec, ok := byName[secondary]
	if !ok || sec == "" {
		return Location{}, Location{}, fmt.Errorf("%w: %s", ErrGranuleNotFound, secondary)
	}

	return Location{Granule: reference, URL: ref},
		Location{Granule: secondary, URL: sec}, nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// --- ASF response types ---

type asfSearchResponse struct {
	Results []asfResult `json:"results"`
}

type asfResult struct {
	GranuleName string `json:"granuleName"`
	DownloadURL string `json:"downloadUrl"`
}

// Compile-time check that HTTPClient implements Resolver.
var _ Resolver = (*HTTPClient)(nil)
