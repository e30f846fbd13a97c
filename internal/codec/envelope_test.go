package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeSyncStateRoundTrips(t *testing.T) {
	raw, err := EncodeSyncState([]byte("hello world"), 3)
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, TypeSyncState, env.Type)
	assert.Equal(t, []byte("hello world"), env.SyncState.State)
	assert.Equal(t, 3, env.SyncState.Version)
}

func TestEncodeDecodeUpdateRoundTrips(t *testing.T) {
	raw, err := EncodeUpdate([]byte{0x01, 0x02, 0x03}, "u1", "alice", "2026-07-31T00:00:00Z")
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, TypeUpdate, env.Type)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, env.Update.Update)
	assert.Equal(t, "u1", env.Update.UserID)
	assert.Equal(t, "alice", env.Update.Username)
	assert.Equal(t, "2026-07-31T00:00:00Z", env.Update.Ts)
}

func TestEncodeDecodeAwarenessPreservesOpaquePayload(t *testing.T) {
	payload := json.RawMessage(`{"cursor":{"x":1,"y":2}}`)
	raw, err := EncodeAwareness(payload)
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, TypeAwareness, env.Type)
	assert.JSONEq(t, string(payload), string(env.Awareness.Payload))
}

func TestEncodeDecodePresenceRoundTrips(t *testing.T) {
	raw, err := EncodePresence(PresenceEnvelope{
		UserID:    "u1",
		Username:  "alice",
		AvatarRef: "avatar.png",
		ColorTag:  "#ff0000",
		Pos:       json.RawMessage(`{"x":5}`),
	})
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, TypePresence, env.Type)
	assert.Equal(t, "u1", env.Presence.UserID)
	assert.Equal(t, "alice", env.Presence.Username)
	assert.JSONEq(t, `{"x":5}`, string(env.Presence.Pos))
}

func TestEncodeDecodeErrorRoundTrips(t *testing.T) {
	raw, err := EncodeError(ErrorPersistFailed, "fold failed")
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, TypeError, env.Type)
	assert.Equal(t, ErrorPersistFailed, env.Error.Code)
	assert.Equal(t, "fold failed", env.Error.Message)
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"state":"aGVsbG8="}`))
	assert.Error(t, err)
}

func TestDecodeRejectsUpdateWithoutUpdateField(t *testing.T) {
	_, err := Decode([]byte(`{"type":"update"}`))
	assert.Error(t, err)
}

func TestDecodeTolerateUnknownTypeForForwardCompatibility(t *testing.T) {
	env, err := Decode([]byte(`{"type":"cursor_v2"}`))
	require.NoError(t, err)
	assert.Equal(t, EnvelopeType("cursor_v2"), env.Type)
}

func TestDecodeTolerateUnpaddedBase64(t *testing.T) {
	raw := []byte(`{"type":"sync_state","state":"aGVsbG8","version":0}`)
	env, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), env.SyncState.State)
}
