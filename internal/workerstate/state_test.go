package workerstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "starting", StatusStarting.String())
	assert.Equal(t, "awake", StatusAwake.String())
	assert.Equal(t, "asleep", StatusAsleep.String())
	assert.Equal(t, "shutting-down", StatusShuttingDown.String())
	assert.Equal(t, "error", StatusError.String())
}

func TestParseStatus(t *testing.T) {
	assert.Equal(t, StatusAsleep, ParseStatus("asleep"))
	assert.Equal(t, StatusAwake, ParseStatus("bogus"))
}

func TestCanTransitionTo(t *testing.T) {
	assert.True(t, StatusStarting.CanTransitionTo(StatusAwake))
	assert.True(t, StatusAwake.CanTransitionTo(StatusAsleep))
	assert.True(t, StatusAsleep.CanTransitionTo(StatusAwake))
	assert.True(t, StatusAwake.CanTransitionTo(StatusShuttingDown))
	assert.False(t, StatusShuttingDown.CanTransitionTo(StatusAwake))
	assert.False(t, StatusStarting.CanTransitionTo(StatusAsleep))
}

func TestMachine_HappyPath(t *testing.T) {
	m := New()
	assert.Equal(t, StatusStarting, m.Status())

	require.NoError(t, m.WakeUp())
	assert.Equal(t, StatusAwake, m.Status())

	require.NoError(t, m.GoAsleep())
	assert.Equal(t, StatusAsleep, m.Status())

	require.NoError(t, m.WakeUp())
	assert.Equal(t, StatusAwake, m.Status())
}

func TestMachine_InvalidTransition(t *testing.T) {
	m := New()
	err := m.GoAsleep()
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusStarting, m.Status())
}

func TestMachine_ShutdownAlwaysSucceeds(t *testing.T) {
	m := New()
	m.Shutdown()
	assert.Equal(t, StatusShuttingDown, m.Status())
}

func TestMachine_FailAlwaysSucceeds(t *testing.T) {
	m := New()
	require.NoError(t, m.WakeUp())
	m.Fail()
	assert.Equal(t, StatusError, m.Status())
}

func TestAll(t *testing.T) {
	assert.Len(t, All(), 5)
}
