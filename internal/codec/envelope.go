// Package codec implements the tagged JSON wire envelope exchanged on the
// document sync socket and re-published verbatim on the Pub/Sub substrate.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// EnvelopeType tags the variant of a decoded Envelope.
type EnvelopeType string

// Envelope type tags, matching the wire schema exactly.
const (
	TypeSyncState EnvelopeType = "sync_state"
	TypeUpdate    EnvelopeType = "update"
	TypeAwareness EnvelopeType = "awareness"
	TypePresence  EnvelopeType = "presence"
	TypeError     EnvelopeType = "error"
)

// Error sub-codes carried in an "error" envelope sent to the client.
const (
	ErrorPersistFailed = "persist_failed"
)

// wireEnvelope is the over-the-wire shape; binary fields travel as base64
// strings (unpadded is accepted on decode, standard padding is emitted on
// encode), matching the wire format in the external interfaces contract.
type wireEnvelope struct {
	Type      EnvelopeType    `json:"type" validate:"required"`
	State     string          `json:"state,omitempty"`
	Version   *int            `json:"version,omitempty"`
	Update    json.RawMessage `json:"update,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Username  string          `json:"username,omitempty"`
	AvatarRef string          `json:"avatarRef,omitempty"`
	ColorTag  string          `json:"colorTag,omitempty"`
	Pos       json.RawMessage `json:"pos,omitempty"`
	Ts        string          `json:"ts,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// SyncStateEnvelope carries the initial full-state snapshot, sent once per
// session right after join.
type SyncStateEnvelope struct {
	State   []byte
	Version int
}

// UpdateEnvelope carries a CRDT delta plus server-filled attribution.
type UpdateEnvelope struct {
	Update   []byte
	UserID   string
	Username string
	Ts       string
}

// AwarenessEnvelope carries an opaque, client-defined ephemeral payload
// (e.g. cursor position). Never persisted.
type AwarenessEnvelope struct {
	Payload json.RawMessage
}

// PresenceEnvelope carries server-enriched identity fields broadcast
// whenever a user's presence changes. Never persisted.
type PresenceEnvelope struct {
	UserID    string
	Username  string
	AvatarRef string
	ColorTag  string
	Pos       json.RawMessage
}

// ErrorEnvelope reports an in-session, non-fatal error to the client, e.g.
// persist_failed when a fold could not be completed.
type ErrorEnvelope struct {
	Code    string
	Message string
}

// Envelope is the decoded, typed form of one wire message. Exactly one of
// the pointer fields is populated, matching Type.
type Envelope struct {
	Type      EnvelopeType
	SyncState *SyncStateEnvelope
	Update    *UpdateEnvelope
	Awareness *AwarenessEnvelope
	Presence  *PresenceEnvelope
	Error     *ErrorEnvelope
}

var validate = validator.New()

// Decode parses and validates one wire message. A malformed envelope
// (invalid JSON, missing required fields for its declared type) returns a
// ProtocolError-shaped error; callers must log and drop the message rather
// than closing the session, per the error handling design.
func Decode(raw []byte) (*Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	if err := validate.Struct(wire); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	switch wire.Type {
	case TypeSyncState:
		state, err := decodeBase64(wire.State)
		if err != nil {
			return nil, fmt.Errorf("sync_state: %w", err)
		}
		version := 0
		if wire.Version != nil {
			version = *wire.Version
		}
		return &Envelope{Type: TypeSyncState, SyncState: &SyncStateEnvelope{State: state, Version: version}}, nil

	case TypeUpdate:
		if len(wire.Update) == 0 {
			return nil, fmt.Errorf("update: missing update field")
		}
		var encoded string
		if err := json.Unmarshal(wire.Update, &encoded); err != nil {
			return nil, fmt.Errorf("update: update field must be a base64 string: %w", err)
		}
		updateBytes, err := decodeBase64(encoded)
		if err != nil {
			return nil, fmt.Errorf("update: %w", err)
		}
		return &Envelope{Type: TypeUpdate, Update: &UpdateEnvelope{
			Update:   updateBytes,
			UserID:   wire.UserID,
			Username: wire.Username,
			Ts:       wire.Ts,
		}}, nil

	case TypeAwareness:
		return &Envelope{Type: TypeAwareness, Awareness: &AwarenessEnvelope{Payload: wire.Update}}, nil

	case TypePresence:
		return &Envelope{Type: TypePresence, Presence: &PresenceEnvelope{
			UserID:    wire.UserID,
			Username:  wire.Username,
			AvatarRef: wire.AvatarRef,
			ColorTag:  wire.ColorTag,
			Pos:       wire.Pos,
		}}, nil

	case TypeError:
		return &Envelope{Type: TypeError, Error: &ErrorEnvelope{Code: wire.Code, Message: wire.Message}}, nil

	default:
		// Unknown type: per the dispatch design this is logged and ignored,
		// not treated as a hard decode failure, so newer clients can send
		// types this replica doesn't yet understand.
		return &Envelope{Type: wire.Type}, nil
	}
}

// EncodeSyncState builds the wire bytes for the one-per-session snapshot.
func EncodeSyncState(state []byte, version int) ([]byte, error) {
	return json.Marshal(wireEnvelope{
		Type:    TypeSyncState,
		State:   base64.StdEncoding.EncodeToString(state),
		Version: &version,
	})
}

// EncodeUpdate builds the wire bytes for an attributed update, either for
// sending back to local sockets or for publishing to the Bridge.
func EncodeUpdate(update []byte, userID, username, ts string) ([]byte, error) {
	encodedUpdate, err := json.Marshal(base64.StdEncoding.EncodeToString(update))
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{
		Type:     TypeUpdate,
		Update:   encodedUpdate,
		UserID:   userID,
		Username: username,
		Ts:       ts,
	})
}

// EncodeAwareness builds the wire bytes for an awareness broadcast,
// preserving the client's opaque payload verbatim.
func EncodeAwareness(payload json.RawMessage) ([]byte, error) {
	return json.Marshal(wireEnvelope{Type: TypeAwareness, Update: payload})
}

// EncodePresence builds the wire bytes for a presence broadcast.
func EncodePresence(p PresenceEnvelope) ([]byte, error) {
	return json.Marshal(wireEnvelope{
		Type:      TypePresence,
		UserID:    p.UserID,
		Username:  p.Username,
		AvatarRef: p.AvatarRef,
		ColorTag:  p.ColorTag,
		Pos:       p.Pos,
	})
}

// EncodeError builds the wire bytes for an in-session error notice.
func EncodeError(code, message string) ([]byte, error) {
	return json.Marshal(wireEnvelope{Type: TypeError, Code: code, Message: message})
}

func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	// Tolerate unpadded base64, which some clients emit.
	return base64.RawStdEncoding.DecodeString(s)
}
