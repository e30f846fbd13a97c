package crdtengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromText(t *testing.T) {
	e, err := FromText("r1", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Hello", e.Plaintext())
}

func TestApplyUpdateIsIdempotent(t *testing.T) {
	e, err := FromText("r1", "Hello")
	require.NoError(t, err)

	update, err := e.InsertText(5, " World")
	require.NoError(t, err)
	assert.Equal(t, "Hello World", e.Plaintext())

	require.NoError(t, e.ApplyUpdate(update))
	require.NoError(t, e.ApplyUpdate(update))
	assert.Equal(t, "Hello World", e.Plaintext())
}

func TestEncodeStateRoundTrip(t *testing.T) {
	e, err := FromText("r1", "Hello")
	require.NoError(t, err)

	state, err := e.EncodeState()
	require.NoError(t, err)

	replayed, err := New("r2", state)
	require.NoError(t, err)
	assert.Equal(t, "Hello", replayed.Plaintext())
}

func TestConvergenceAfterApplyingPeerUpdate(t *testing.T) {
	base, err := FromText("r1", "Hello")
	require.NoError(t, err)
	state, err := base.EncodeState()
	require.NoError(t, err)

	a, err := New("a", state)
	require.NoError(t, err)
	b, err := New("b", state)
	require.NoError(t, err)

	updateFromA, err := a.InsertText(5, " World")
	require.NoError(t, err)

	// b applies the single update it received over the wire from a.
	require.NoError(t, b.ApplyUpdate(updateFromA))

	assert.Equal(t, a.Plaintext(), b.Plaintext())
}

func TestNewWithEmptyStateIsEmptyDocument(t *testing.T) {
	e, err := New("r1", nil)
	require.NoError(t, err)
	assert.Equal(t, "", e.Plaintext())

	state, err := e.EncodeState()
	require.NoError(t, err)
	assert.NotEmpty(t, state)
}
