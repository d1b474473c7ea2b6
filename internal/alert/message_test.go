package alert

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/couchcryptid/crowdwatch-pipeline/internal/domain"
)

func TestBuildEmail(t *testing.T) {
	ev := domain.AlertEvent{Location: "main_entrance", Count: 451, Threshold: 450, FiredAt: start}

	msg := BuildEmail(ev, []string{"ops@example.com"}, nil)

	assert.Equal(t, "[CRITICAL] High Crowd Density Detected: 451 People", msg.Subject)
	assert.Equal(t, []string{"ops@example.com"}, msg.To)
	assert.Contains(t, msg.Body, "detected at Main Entrance.")
	assert.Contains(t, msg.Body, "Current Count: 451")
	assert.Contains(t, msg.Body, "Threshold: 450\n")
}

func TestBuildWebhookMessage(t *testing.T) {
	ev := domain.AlertEvent{Location: "food_court", Count: 401, Threshold: 400}

	msg := BuildWebhookMessage(ev)

	assert.Contains(t, msg, "**CRITICAL ALERT**")
	assert.Contains(t, msg, "**Food Court**")
	assert.Contains(t, msg, "Count: **401** (Threshold: 400)")
}

func TestDisplayName(t *testing.T) {
	tests := map[string]string{
		"main_entrance": "Main Entrance",
		"stage-left":    "Stage Left",
		"bar":           "Bar",
		"":              "",
		"__x__":         "X",
		"école_nord":    "École Nord",
		"ñu-zone":       "Ñu Zone",
	}
	for in, want := range tests {
		assert.Equal(t, want, DisplayName(in), in)
	}
}

func TestFormatThreshold(t *testing.T) {
	assert.Equal(t, "450", formatThreshold(450))
	assert.Equal(t, "337.5", formatThreshold(337.5))
}
