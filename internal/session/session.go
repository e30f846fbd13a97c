// Package session implements the Document Session: the per-socket
// state machine — DIAL, ACCEPTED, JOINED, CLEANUP.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/crdtsync/internal/authclient"
	"github.com/ruvnet/crdtsync/internal/bridge"
	"github.com/ruvnet/crdtsync/internal/codec"
	apierrors "github.com/ruvnet/crdtsync/internal/errors"
	"github.com/ruvnet/crdtsync/internal/metadataclient"
	"github.com/ruvnet/crdtsync/internal/persistence"
	"github.com/ruvnet/crdtsync/internal/registry"
	"github.com/ruvnet/crdtsync/internal/transport"
	"github.com/ruvnet/crdtsync/pkg/metrics"
)

// Close codes for pre-join rejection, in the policy-reserved range.
const (
	CloseTokenAbsent      = 4001
	CloseTokenInvalid     = 4002
	CloseUserInactive     = 4003
	CloseDocumentNotFound = 4004
	CloseAccessDenied     = 4005
)

// Deps bundles the collaborators a Session needs, assembled once at
// startup and passed to every Dial call rather than reached for as
// ambient singletons.
type Deps struct {
	Auth        authclient.Client
	Metadata    metadataclient.Client
	Persistence *persistence.Coordinator
	Bridge      *bridge.Bridge
	Awareness   *bridge.AwarenessBridge // optional; nil disables cross-replica awareness
	Registry    *registry.Registry
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Session is one socket's state machine instance, alive from a successful
// DIAL to CLEANUP.
type Session struct {
	id       string
	docID    string
	userID   string
	username string
	avatarRef string
	colorTag string
	access   metadataclient.AccessLevel

	initialState []byte

	socket *transport.Socket
	deps   Deps
	ctx    context.Context

	closed bool
}

// Dial runs DIAL → ACCEPTED: token verification, access check, Registry
// attach, Bridge subscribe, and state load. On any failure it closes sock
// with the matching policy close code and returns a non-nil error; the
// caller (Gateway) should simply return after that, the socket is already
// closed.
func Dial(ctx context.Context, deps Deps, sock *transport.Socket, id, docID, token string) (*Session, error) {
	if err := codec.ValidateDocID(docID); err != nil {
		sock.CloseWithCode(CloseTokenInvalid, "invalid document id")
		return nil, apierrors.AccessError(err.Error())
	}

	if token == "" {
		sock.CloseWithCode(CloseTokenAbsent, "token absent")
		return nil, apierrors.AuthError("token absent")
	}

	userID, err := deps.Auth.VerifyToken(ctx, token)
	if err != nil {
		sock.CloseWithCode(CloseTokenInvalid, "token invalid")
		return nil, apierrors.AuthError(err.Error())
	}

	profile, err := deps.Auth.LookupUser(ctx, userID)
	if err != nil {
		if errors.Is(err, authclient.ErrUserInactive) {
			sock.CloseWithCode(CloseUserInactive, "user inactive")
		} else {
			sock.CloseWithCode(CloseTokenInvalid, "user lookup failed")
		}
		return nil, apierrors.AuthError(err.Error())
	}

	access, err := deps.Metadata.CheckAccess(ctx, userID, docID)
	if err != nil {
		sock.CloseWithCode(CloseDocumentNotFound, "document not found")
		return nil, apierrors.AccessError(err.Error())
	}
	if !access.CanRead() {
		sock.CloseWithCode(CloseAccessDenied, "access denied")
		return nil, apierrors.AccessError("access denied")
	}

	var state []byte
	doc, err := deps.Metadata.LoadDocument(ctx, docID)
	if err != nil && !errors.Is(err, metadataclient.ErrDocumentNotFound) {
		sock.CloseWithCode(CloseDocumentNotFound, "document load failed")
		return nil, apierrors.AccessError(err.Error())
	}
	if doc != nil {
		state = doc.State
	}

	deps.Registry.Attach(docID, userID, sock)

	if err := deps.Bridge.Subscribe(ctx, docID); err != nil && deps.Logger != nil {
		// SubstrateError: log and keep going, degraded to local-only
		// broadcast for this document until the substrate recovers.
		deps.Logger.Warn("bridge subscribe failed, degrading to local-only",
			zap.String("doc_id", docID), zap.Error(err))
	}

	if deps.Awareness != nil {
		if err := deps.Awareness.Subscribe(docID); err != nil && deps.Logger != nil {
			deps.Logger.Warn("awareness subscribe failed", zap.String("doc_id", docID), zap.Error(err))
		}
	}

	if deps.Metrics != nil {
		deps.Metrics.RecordSession("joined")
	}

	return &Session{
		id:           id,
		docID:        docID,
		userID:       userID,
		username:     profile.Username,
		avatarRef:    profile.AvatarRef,
		colorTag:     profile.ColorTag,
		access:       access,
		initialState: state,
		socket:       sock,
		deps:         deps,
		ctx:          ctx,
	}, nil
}

// Run sends the initial sync_state snapshot (ACCEPTED → JOINED) and then
// blocks dispatching inbound envelopes until the socket closes. It always
// runs Cleanup before returning, exactly once, regardless of the exit path.
func (s *Session) Run() error {
	defer s.Cleanup()

	snapshot, err := codec.EncodeSyncState(s.initialState, 0)
	if err != nil {
		return fmt.Errorf("session: encode initial snapshot: %w", err)
	}
	if err := s.socket.Send(snapshot); err != nil {
		return fmt.Errorf("session: send initial snapshot: %w", err)
	}

	return s.socket.ReadLoop(s.dispatch)
}

// dispatch handles one decoded envelope per call, in the order the socket
// delivered it — per-socket inbound order is preserved end to end.
func (s *Session) dispatch(raw []byte) {
	env, err := codec.Decode(raw)
	if err != nil {
		if s.deps.Logger != nil {
			s.deps.Logger.Info("dropping malformed envelope",
				zap.String("session_id", s.id), zap.String("doc_id", s.docID), zap.Error(err))
		}
		return
	}

	switch env.Type {
	case codec.TypeUpdate:
		s.handleUpdate(env.Update)
	case codec.TypeAwareness:
		s.handleAwareness(env.Awareness)
	case codec.TypePresence:
		s.handlePresence(env.Presence)
	default:
		if s.deps.Logger != nil {
			s.deps.Logger.Debug("ignoring unknown envelope type",
				zap.String("session_id", s.id), zap.String("type", string(env.Type)))
		}
	}
}

// handleUpdate requires write capability, folds through the Persistence
// Coordinator, and only publishes cross-replica if the fold succeeded
// (invariant §3.4 — a failed update must never be published).
func (s *Session) handleUpdate(u *codec.UpdateEnvelope) {
	if !s.access.CanWrite() {
		if s.deps.Logger != nil {
			s.deps.Logger.Info("dropping update from read-only session",
				zap.String("session_id", s.id), zap.String("user_id", s.userID), zap.String("doc_id", s.docID))
		}
		return
	}

	if err := s.deps.Persistence.Fold(s.ctx, s.docID, u.Update); err != nil {
		if s.deps.Logger != nil {
			s.deps.Logger.Warn("fold failed, dropping update",
				zap.String("doc_id", s.docID), zap.Error(err))
		}
		if errEnv, encErr := codec.EncodeError(codec.ErrorPersistFailed, "failed to persist update"); encErr == nil {
			_ = s.socket.Send(errEnv)
		}
		return
	}

	ts := time.Now().UTC().Format(time.RFC3339)
	attributed, err := codec.EncodeUpdate(u.Update, s.userID, s.username, ts)
	if err != nil {
		if s.deps.Logger != nil {
			s.deps.Logger.Warn("encode update for publish failed", zap.Error(err))
		}
		return
	}

	if err := s.deps.Bridge.Publish(s.ctx, s.docID, attributed); err != nil && s.deps.Logger != nil {
		s.deps.Logger.Warn("publish failed", zap.String("doc_id", s.docID), zap.Error(err))
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordPublish("update")
	}
}

// handleAwareness fans out locally, excluding the sender, and never
// persists. Cross-replica propagation is opt-in via deps.Awareness per §9.
func (s *Session) handleAwareness(a *codec.AwarenessEnvelope) {
	wire, err := codec.EncodeAwareness(a.Payload)
	if err != nil {
		return
	}

	s.deps.Registry.BroadcastExcept(s.docID, wire, s.socket)
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordBroadcast("awareness")
	}

	if s.deps.Awareness != nil {
		if err := s.deps.Awareness.Publish(s.docID, wire); err != nil && s.deps.Logger != nil {
			s.deps.Logger.Warn("awareness publish failed", zap.String("doc_id", s.docID), zap.Error(err))
		}
	}
}

// handlePresence enriches with the identity captured at DIAL and publishes
// cross-replica; never persisted.
func (s *Session) handlePresence(p *codec.PresenceEnvelope) {
	enriched := codec.PresenceEnvelope{
		UserID:    s.userID,
		Username:  s.username,
		AvatarRef: s.avatarRef,
		ColorTag:  s.colorTag,
		Pos:       p.Pos,
	}

	wire, err := codec.EncodePresence(enriched)
	if err != nil {
		return
	}

	if err := s.deps.Bridge.Publish(s.ctx, s.docID, wire); err != nil && s.deps.Logger != nil {
		s.deps.Logger.Warn("presence publish failed", zap.String("doc_id", s.docID), zap.Error(err))
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordPublish("presence")
	}
}

// Cleanup implements JOINED → CLEANUP → CLOSED: detach from the Registry,
// unsubscribe the Bridge if this was the last local session for docId
// (with linger), and close the socket. Safe to call multiple times;
// guarded by the socket's own close-once semantics plus an idempotent
// Registry.Detach, so concurrent error paths can never double-cleanup in a
// way that's observable.
func (s *Session) Cleanup() {
	s.deps.Registry.Detach(s.docID, s.userID, s.socket)

	if s.deps.Registry.Count(s.docID) == 0 {
		s.deps.Bridge.Unsubscribe(s.docID)
		if s.deps.Awareness != nil {
			s.deps.Awareness.Unsubscribe(s.docID)
		}
	}

	s.socket.Close()

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordSession("closed")
	}
}
