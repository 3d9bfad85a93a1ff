package task

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_ParseAndString(t *testing.T) {
	for s, name := range stateNames {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, name, s.String())
			parsed, err := ParseState(name)
			require.NoError(t, err)
			assert.Equal(t, s, parsed)
		})
	}

	parsed, err := ParseState(" running ")
	require.NoError(t, err)
	assert.Equal(t, Running, parsed)

	_, err = ParseState("SLEEPING")
	assert.Error(t, err)
}

func TestState_JSON(t *testing.T) {
	raw, err := json.Marshal(struct {
		State State `json:"state"`
	}{FatalError})
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"FATAL_ERROR"}`, string(raw))

	var back struct {
		State State `json:"state"`
	}
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, FatalError, back.State)
}

func TestState_Predicates(t *testing.T) {
	assert.True(t, Exception.NeedsReset())
	assert.True(t, FatalError.NeedsReset())
	assert.False(t, RuntimeError.NeedsReset())
	assert.True(t, RuntimeError.IsError())
	assert.True(t, RuntimeError.IsRunning())
	assert.False(t, Stopped.IsRunning())
}
