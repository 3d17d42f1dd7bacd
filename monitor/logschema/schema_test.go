package logschema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	err := Validate("order_event", map[string]interface{}{
		"mode":      "paper",
		"ticker":    "AAPL",
		"success":   false,
		"attempted": true,
		"kind":      "retry_exhausted",
	})
	assert.NoError(t, err)

	err = Validate("breaker_event", map[string]interface{}{"key": "brokerage/live"})
	assert.EqualError(t, err, "missing fields: from,to")

	assert.NoError(t, Validate("unregistered", nil))
}

func TestKnownEvents(t *testing.T) {
	names := Known()
	assert.Contains(t, names, "retry_event")
	assert.IsIncreasing(t, names)
}
