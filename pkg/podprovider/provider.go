// Package podprovider adapts the GPU-cloud pod provider (spec.md §4.2).
// The HTTP implementation wraps every call in a circuit breaker (and pod
// deletion in a bounded backoff) so a flaky provider degrades the launcher
// and termination worker instead of cascading failures into them.
package podprovider

import (
	"context"
	"errors"
	"time"
)

// ErrPodNotFound is the terminal "resource gone" outcome DeletePod callers
// must treat as success (spec.md §4.2, §7).
var ErrPodNotFound = errors.New("podprovider: pod not found")

// CreatedPod is the result of CreatePod.
type CreatedPod struct {
	PodID       string
	PodName     string
	GPUType     string
	CostPerHour float64
}

// ReadyPod is the result of WaitForPodReady.
type ReadyPod struct {
	PublicIP  string
	SSHPort   int
	PodHostID string
}

// BillingSummary is the result of GetBillingSummary. A nil return (no
// error) means no billing records exist yet.
type BillingSummary struct {
	AmountUSD    float64
	TimeBilledMS int64
	Records      []map[string]any
}

// Provider is the opaque pod-lifecycle contract spec.md §4.2 describes.
type Provider interface {
	CreatePod(ctx context.Context, name, image string, gpuPreferences []string, podEnv map[string]string, startupCommand string) (*CreatedPod, error)
	WaitForPodReady(ctx context.Context, podID string, pollInterval, deadline time.Duration) (*ReadyPod, error)
	DeletePod(ctx context.Context, podID string) error
	GetBillingSummary(ctx context.Context, podID string) (*BillingSummary, error)
}
