package podprovider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeProvider_CreateAndDeletePod(t *testing.T) {
	p := NewFakeProvider()

	created, err := p.CreatePod(context.Background(), "run-1", "image", []string{"A100", "A6000"}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "A100", created.GPUType)

	ready, err := p.WaitForPodReady(context.Background(), created.PodID, time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2222, ready.SSHPort)

	require.NoError(t, p.DeletePod(context.Background(), created.PodID))
	assert.ErrorIs(t, p.DeletePod(context.Background(), created.PodID), ErrPodNotFound)
}
