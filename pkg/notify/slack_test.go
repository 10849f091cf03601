package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlackNotifier_NilReceiver(t *testing.T) {
	var n *SlackNotifier

	err := n.Notify(context.Background(), SeverityWarning, "low disk", "10% remaining", nil)
	assert.NoError(t, err)
}

func TestNewSlackNotifier(t *testing.T) {
	t.Run("returns nil when token empty", func(t *testing.T) {
		n := NewSlackNotifier(SlackConfig{Token: "", Channel: "C123"})
		assert.Nil(t, n)
	})

	t.Run("returns nil when channel empty", func(t *testing.T) {
		n := NewSlackNotifier(SlackConfig{Token: "xoxb-test", Channel: ""})
		assert.Nil(t, n)
	})

	t.Run("returns notifier when configured", func(t *testing.T) {
		n := NewSlackNotifier(SlackConfig{Token: "xoxb-test", Channel: "C123"})
		assert.NotNil(t, n)
	})
}

func TestFormatFields_SortsKeys(t *testing.T) {
	out := formatFields(map[string]any{"b": 2, "a": 1})
	assert.Equal(t, "*a*: 1\n*b*: 2", out)
}
