package refresh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffWindowProgression(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBackoff()
	b.SetClock(func() time.Time { return now })

	// min(300, 30*2^F) seconds after the Fth consecutive failure.
	expected := []time.Duration{
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		300 * time.Second,
		300 * time.Second,
	}
	for i, want := range expected {
		got := b.Failure("cred")
		assert.Equal(t, want, got, "failure %d", i+1)

		until, ok := b.NotBefore("cred")
		require.True(t, ok)
		assert.Equal(t, now.Add(want), until)
	}
	assert.Equal(t, 5, b.Failures("cred"))
}

func TestBackoffReady(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBackoff()
	b.SetClock(func() time.Time { return now })

	assert.True(t, b.Ready("cred"))

	window := b.Failure("cred")
	assert.False(t, b.Ready("cred"))

	// No refresh may be scheduled before the window elapses.
	now = now.Add(window - time.Second)
	assert.False(t, b.Ready("cred"))

	now = now.Add(time.Second)
	assert.True(t, b.Ready("cred"))
}

func TestBackoffSuccessResets(t *testing.T) {
	b := NewBackoff()
	b.Failure("cred")
	b.Failure("cred")
	require.Equal(t, 2, b.Failures("cred"))

	b.Success("cred")
	assert.Equal(t, 0, b.Failures("cred"))
	assert.True(t, b.Ready("cred"))
	_, ok := b.NotBefore("cred")
	assert.False(t, ok)
}

func TestBackoffIsPerCredential(t *testing.T) {
	b := NewBackoff()
	b.Failure("a")
	assert.False(t, b.Ready("a"))
	assert.True(t, b.Ready("b"))
}
