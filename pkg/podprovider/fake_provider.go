package podprovider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeProvider is an in-memory Provider test double: no network, no
// timing dependence. Used by pkg/launcher and pkg/termination tests.
type FakeProvider struct {
	mu       sync.Mutex
	nextID   int
	pods     map[string]bool
	CreateErr error
	ReadyErr  error
	DeleteErr error
}

// NewFakeProvider builds an empty FakeProvider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{pods: map[string]bool{}}
}

func (f *FakeProvider) CreatePod(ctx context.Context, name, image string, gpuPreferences []string, podEnv map[string]string, startupCommand string) (*CreatedPod, error) {
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("fake-pod-%d", f.nextID)
	f.pods[id] = true
	gpuType := "A100"
	if len(gpuPreferences) > 0 {
		gpuType = gpuPreferences[0]
	}
	return &CreatedPod{PodID: id, PodName: name, GPUType: gpuType, CostPerHour: 1.5}, nil
}

func (f *FakeProvider) WaitForPodReady(ctx context.Context, podID string, pollInterval, deadline time.Duration) (*ReadyPod, error) {
	if f.ReadyErr != nil {
		return nil, f.ReadyErr
	}
	return &ReadyPod{PublicIP: "127.0.0.1", SSHPort: 2222, PodHostID: "host-1"}, nil
}

func (f *FakeProvider) DeletePod(ctx context.Context, podID string) error {
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.pods[podID] {
		return ErrPodNotFound
	}
	delete(f.pods, podID)
	return nil
}

func (f *FakeProvider) GetBillingSummary(ctx context.Context, podID string) (*BillingSummary, error) {
	return &BillingSummary{AmountUSD: 0.42, TimeBilledMS: 1000, Records: []map[string]any{{"pod_id": podID}}}, nil
}
