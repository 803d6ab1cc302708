// Package processing submits acquisition pairs to the external InSAR
// processing service. The service itself (download, co-registration,
// interferogram formation, unwrapping) is a black box reached over HTTP; this
// package only knows the submission contract and how to classify failures.
package processing

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sentryal/insar-pipeline/internal/config"
)

// Sentinel errors for processing submissions.
var (
	ErrUnavailable = errors.New("processing service unavailable")
	ErrTimeout     = errors.New("processing deadline exceeded")
	ErrProcessing  = errors.New("processing failed")
)

// Client is the strategy interface over a processing backend. One
// implementation exists per deployment mode; the retry and state-machine
// policy in the worker is identical for all of them.
type Client interface {
	// Process submits one job synchronously and blocks until the service
	// returns a result document or the context deadline expires.
	Process(ctx context.Context, req Request) (*Result, error)

	// Name identifies the backend, recorded on the job row at pickup.
	Name() string
}

// NewClient constructs the backend selected by configuration. Construction
// fails fast on an unknown backend so misconfiguration surfaces at startup,
// not on the first job.
func NewClient(cfg config.ProcessingConfig) (Client, error) {
	switch cfg.Backend {
	case "runpod":
		return NewRunPodClient(cfg.RunPod.EndpointURL, cfg.RunPod.APIKey, cfg.Deadline), nil
	case "direct":
		return NewDirectClient(cfg.Direct.BaseURL, cfg.Deadline), nil
	default:
		return nil, fmt.Errorf("unknown processing backend %q", cfg.Backend)
	}
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

	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// resultError turns an error-status result document into an error carrying
// the service's message verbatim, so the operator sees the original cause.
func resultError(res *Result) error {
	if res.Error != nil && *res.Error != "" {
		return fmt.Errorf("%w: %s", ErrProcessing, *res.Error)
	}
	return fmt.Errorf("%w: service returned status %q", ErrProcessing, res.Status)
}
