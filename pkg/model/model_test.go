package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariationTransitions(t *testing.T) {
	tests := []struct {
		from, to VariationStatus
		want     bool
	}{
		{VariationPending, VariationProvisioning, true},
		{VariationPending, VariationCancelled, true},
		{VariationProvisioning, VariationRunning, true},
		{VariationProvisioning, VariationFailed, true},
		{VariationRunning, VariationCompleted, true},
		{VariationRunning, VariationRunning, false},
		{VariationRunning, VariationProvisioning, false},
		{VariationCompleted, VariationFailed, false},
		{VariationCancelled, VariationCancelled, false},
		{VariationFailed, VariationRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunPending.Terminal())
	assert.False(t, RunRunning.Terminal())
	assert.True(t, RunCompleted.Terminal())
	assert.True(t, RunFailed.Terminal())
	assert.True(t, RunCancelled.Terminal())
}

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{ChannelOutput: 12, ChannelLog: 3, ChannelStatus: 5}
	assert.Equal(t, "log:3,output:12,status:5", c.String())

	parsed, err := ParseCursor(c.String())
	require.NoError(t, err)
	assert.Equal(t, c, parsed)
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	for _, in := range []string{"output", "bogus:1", "output:-1", "output:x"} {
		_, err := ParseCursor(in)
		assert.Error(t, err, in)
	}

	c, err := ParseCursor("")
	require.NoError(t, err)
	assert.Empty(t, c)
}

func TestCursorAdvance(t *testing.T) {
	c := Cursor{}
	assert.True(t, c.Advance(ChannelOutput, 1))
	assert.False(t, c.Advance(ChannelOutput, 1))
	assert.False(t, c.Advance(ChannelOutput, 0))
	assert.True(t, c.Advance(ChannelOutput, 7))
	assert.Equal(t, int64(7), c[ChannelOutput])
}

func TestNewEvent(t *testing.T) {
	ev, err := NewEvent("r1", 2, ChannelOutput, EventAgentOutput, OutputData{Line: "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"line":"hi"}`, string(ev.Data))
	assert.Equal(t, "run:r1:output", ChannelKey(ev.RunID, ev.Channel))
	assert.True(t, ev.Type.Resumable())
	assert.False(t, EventHeartbeat.Resumable())
}
