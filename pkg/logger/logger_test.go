package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud", Format: "json", Output: "stdout"})
	assert.Error(t, err)
}

func TestComponentLoggersCarryFields(t *testing.T) {
	log, err := New(Config{Level: "debug", Format: "json", Output: "discard"})
	require.NoError(t, err)

	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.BreakerLogger("games").WithField("phase", "OPEN").Warn("circuit opened")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "circuit_breaker", entry["component"])
	assert.Equal(t, "games", entry["dependency"])
	assert.Equal(t, "OPEN", entry["phase"])
	assert.Equal(t, "circuit opened", entry["msg"])
	assert.Equal(t, "warning", entry["level"])
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	parent := NewNop().WithField("a", 1)
	child := parent.WithField("b", 2)

	assert.Len(t, parent.Fields(), 1)
	assert.Len(t, child.Fields(), 2)
}
