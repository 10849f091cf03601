package gpuretry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func strPtr(s string) *string { return &s }

func TestBuildRetryGPUPreferences(t *testing.T) {
	supported := []string{"A100", "H100"}

	t.Run("no prior gpu type uses supported list as-is", func(t *testing.T) {
		assert.Equal(t, supported, buildRetryGPUPreferences(nil, supported))
	})

	t.Run("reuses original type when still supported", func(t *testing.T) {
		assert.Equal(t, []string{"A100"}, buildRetryGPUPreferences(strPtr("A100"), supported))
	})

	t.Run("tries removed type first then falls back", func(t *testing.T) {
		got := buildRetryGPUPreferences(strPtr("V100"), supported)
		assert.Equal(t, []string{"V100", "A100", "H100"}, got)
	})
}
