package modules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lapsproject/laps/internal/broker"
	"github.com/lapsproject/laps/internal/ecode"
)

func TestNewKey(t *testing.T) {
	key, err := NewKey("pathfinder", "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, "pathfinder:1.2.0", key.String())

	_, err = NewKey("has space", "1")
	assert.Equal(t, ecode.KindInvalidInput, ecode.KindOf(err))

	_, err = NewKey("ok", "")
	assert.Equal(t, ecode.KindInvalidInput, ecode.KindOf(err))

	_, err = NewKey("ok", "v1/../etc")
	assert.Equal(t, ecode.KindInvalidInput, ecode.KindOf(err))
}

func TestKeyNaming(t *testing.T) {
	key := Key{Name: "simple", Version: "2.1"}
	assert.Equal(t, "laps/simple:2.1", key.ImageTag("laps"))
	assert.Equal(t, "laps-simple-2-1", key.ContainerName())
}

func TestKeyFromImageTag(t *testing.T) {
	key, ok := KeyFromImageTag("laps", "laps/simple:2.1")
	require.True(t, ok)
	assert.Equal(t, Key{Name: "simple", Version: "2.1"}, key)

	_, ok = KeyFromImageTag("laps", "python:3.12-slim")
	assert.False(t, ok)

	_, ok = KeyFromImageTag("laps", "laps/noversion")
	assert.False(t, ok)
}

func TestRestartBackoff(t *testing.T) {
	assert.Equal(t, time.Second, restartBackoff(1))
	assert.Equal(t, 2*time.Second, restartBackoff(2))
	assert.Equal(t, 32*time.Second, restartBackoff(6))
	assert.Equal(t, time.Minute, restartBackoff(7))
	assert.Equal(t, time.Minute, restartBackoff(40))

	// No attempt count may ever yield a non-positive backoff.
	for attempt := 1; attempt <= 100; attempt++ {
		assert.Positive(t, restartBackoff(attempt), "attempt %d", attempt)
	}
}

func TestReadStateMissing(t *testing.T) {
	b := broker.NewFake()
	state, msg, err := ReadState(context.Background(), b, Key{Name: "a", Version: "1"})
	require.NoError(t, err)
	assert.Equal(t, StateOther, state)
	assert.Empty(t, msg)
}

func TestStateRoundTrip(t *testing.T) {
	b := broker.NewFake()
	key := Key{Name: "a", Version: "1"}
	require.NoError(t, writeState(context.Background(), b, key, StateCrashed, "c1", "exit 2"))

	state, msg, err := ReadState(context.Background(), b, key)
	require.NoError(t, err)
	assert.Equal(t, StateCrashed, state)
	assert.Equal(t, "exit 2", msg)
}
