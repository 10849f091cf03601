package podprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// HTTPProvider talks to a RunPod-shaped REST API
// (original_source/.../runpod_manager.py), with every call routed through
// a circuit breaker. Only DeletePod retries, with a bounded exponential
// backoff; the other calls are tried once.
type HTTPProvider struct {
	httpClient *http.Client
	baseURL    string
	apiToken   string
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// NewHTTPProvider builds an HTTPProvider. breakerMaxFailures controls how
// many consecutive request failures trip the breaker open.
func NewHTTPProvider(baseURL, apiToken string, breakerMaxFailures uint32) *HTTPProvider {
	settings := gobreaker.Settings{
		Name: "podprovider",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		Timeout: 30 * time.Second,
	}
	return &HTTPProvider{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		apiToken:   apiToken,
		breaker:    gobreaker.NewCircuitBreaker(settings),
		logger:     slog.With("component", "podprovider"),
	}
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body any, out any) error {
	_, err := p.breaker.Execute(func() (any, error) {
		return nil, p.doOnce(ctx, method, path, body, out)
	})
	return err
}

func (p *HTTPProvider) doOnce(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling pod provider %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading pod provider response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrPodNotFound
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("pod provider returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding pod provider response: %w", err)
	}
	return nil
}

type createPodRequest struct {
	Name           string            `json:"name"`
	ImageName      string            `json:"imageName"`
	GPUTypeIDs     []string          `json:"gpuTypeIds"`
	Env            map[string]string `json:"env"`
	DockerStartCmd string            `json:"dockerStartCmd,omitempty"`
}

type createPodResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	GPUTypeID   string  `json:"gpuTypeId"`
	CostPerHour float64 `json:"costPerHr"`
}

// CreatePod tries gpuPreferences in order, advancing to the next GPU type
// whenever the provider reports that type unavailable.
func (p *HTTPProvider) CreatePod(ctx context.Context, name, image string, gpuPreferences []string, podEnv map[string]string, startupCommand string) (*CreatedPod, error) {
	var lastErr error
	for _, gpuType := range gpuPreferences {
		var resp createPodResponse
		err := p.do(ctx, http.MethodPost, "/pods", createPodRequest{
			Name:           name,
			ImageName:      image,
			GPUTypeIDs:     []string{gpuType},
			Env:            podEnv,
			DockerStartCmd: startupCommand,
		}, &resp)
		if err == nil {
			return &CreatedPod{
				PodID:       resp.ID,
				PodName:     resp.Name,
				GPUType:     resp.GPUTypeID,
				CostPerHour: resp.CostPerHour,
			}, nil
		}
		p.logger.Warn("gpu type unavailable, advancing to next preference", "gpu_type", gpuType, "error", err)
		lastErr = err
	}
	return nil, fmt.Errorf("no GPU preference could be provisioned: %w", lastErr)
}

type podStatusResponse struct {
	DesiredStatus string `json:"desiredStatus"`
	Runtime       *struct {
		PublicIP string `json:"publicIp"`
		Ports    []struct {
			PrivatePort int    `json:"privatePort"`
			PublicPort  int    `json:"publicPort"`
			Type        string `json:"type"`
		} `json:"ports"`
	} `json:"runtime"`
	MachineID string `json:"machineId"`
}

// WaitForPodReady polls the provider until the pod reports RUNNING with a
// mapped SSH port, or the deadline elapses.
func (p *HTTPProvider) WaitForPodReady(ctx context.Context, podID string, pollInterval, deadline time.Duration) (*ReadyPod, error) {
	deadlineAt := time.Now().Add(deadline)
	for {
		var status podStatusResponse
		if err := p.do(ctx, http.MethodGet, "/pods/"+podID, nil, &status); err != nil {
			return nil, fmt.Errorf("polling pod %s: %w", podID, err)
		}
		if status.DesiredStatus == "RUNNING" && status.Runtime != nil {
			for _, port := range status.Runtime.Ports {
				if port.PrivatePort == 22 {
					return &ReadyPod{
						PublicIP:  status.Runtime.PublicIP,
						SSHPort:   port.PublicPort,
						PodHostID: status.MachineID,
					}, nil
				}
			}
		}
		if time.Now().After(deadlineAt) {
			return nil, fmt.Errorf("pod %s did not become ready within %s", podID, deadline)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// DeletePod terminates a pod. A 404 ("resource gone") is treated as
// success at this layer: it returns nil, not ErrPodNotFound. Other
// failures are retried up to 3 more times with exponential backoff.
func (p *HTTPProvider) DeletePod(ctx context.Context, podID string) error {
	var retryErr error
	op := func() error {
		err := p.do(ctx, http.MethodDelete, "/pods/"+podID, nil, nil)
		if err == nil || err == ErrPodNotFound {
			retryErr = nil
			return nil
		}
		retryErr = err
		return err
	}
	boff := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, boff); err != nil {
		return retryErr
	}
	return nil
}

type billingSummaryResponse struct {
	AmountUSD    float64          `json:"amount"`
	TimeBilledMS int64            `json:"timeBilledMs"`
	Records      []map[string]any `json:"records"`
}

// GetBillingSummary returns nil, nil when no billing records exist yet.
func (p *HTTPProvider) GetBillingSummary(ctx context.Context, podID string) (*BillingSummary, error) {
	var resp billingSummaryResponse
	if err := p.do(ctx, http.MethodGet, "/pods/"+podID+"/billing", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching billing summary for pod %s: %w", podID, err)
	}
	if len(resp.Records) == 0 && resp.AmountUSD == 0 {
		return nil, nil
	}
	return &BillingSummary{
		AmountUSD:    resp.AmountUSD,
		TimeBilledMS: resp.TimeBilledMS,
		Records:      resp.Records,
	}, nil
}
