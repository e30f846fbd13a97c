// Package registry implements the Connection Registry: the process-local
// map from a document id to the set of locally attached sockets, and the
// fan-out primitive every Document Session publishes through.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ruvnet/crdtsync/pkg/crdt"
	"github.com/ruvnet/crdtsync/pkg/metrics"
)

// Socket is the minimal surface the Registry needs from a Document
// Session's transport: an identity for equality/logging, and a
// non-blocking-from-the-caller's-perspective send. Implementations (see
// internal/transport) are expected to queue the write on the socket's own
// writer goroutine and return promptly.
type Socket interface {
	ID() string
	Send(envelope []byte) error
}

// Registry is the process-wide DocumentId -> Set<Socket> table described in
// the connection registry design: attach/detach/broadcast/broadcastExcept
// plus a refcount-friendly count.
type Registry struct {
	mu       sync.RWMutex
	docs     map[string]map[Socket]struct{}
	presence map[string]*crdt.PresenceSet
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New creates an empty Registry.
func New(logger *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		docs:     make(map[string]map[Socket]struct{}),
		presence: make(map[string]*crdt.PresenceSet),
		logger:   logger,
		metrics:  m,
	}
}

// Attach registers a socket for a document after it has been accepted,
// creating the document's entry if this is its first local socket, and
// records userID as online in that document's presence roster.
func (r *Registry) Attach(docID, userID string, s Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.docs[docID]
	if !ok {
		set = make(map[Socket]struct{})
		r.docs[docID] = set
	}
	set[s] = struct{}{}

	if userID != "" {
		r.presenceSetLocked(docID).Join(userID, crdt.NodeID(userID+":"+s.ID()))
	}

	if r.metrics != nil {
		r.metrics.IncConnections()
	}
}

func (r *Registry) presenceSetLocked(docID string) *crdt.PresenceSet {
	p, ok := r.presence[docID]
	if !ok {
		p = crdt.NewPresenceSet(docID)
		r.presence[docID] = p
	}
	return p
}

// Detach removes a socket from a document's set, dropping the document's
// entry entirely once empty, and retires userID's presence tag for this
// session. Idempotent: detaching an already-absent socket is a no-op.
func (r *Registry) Detach(docID, userID string, s Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.detachLocked(docID, s)

	// The presence tag is userID+":"+socketID, so this only retires the
	// tag for this specific socket; a user's other concurrent sessions on
	// the same document keep their own tags live in Online.
	if userID != "" {
		r.presenceSetLocked(docID).Leave(userID, crdt.NodeID(userID+":"+s.ID()))
	}
}

// Online returns the current presence roster for docID: the user ids with
// at least one live session attached to this replica. The roster is fed
// only by this Registry's Attach/Detach; it is not merged with other
// replicas' rosters. Unknown documents return an empty slice.
func (r *Registry) Online(docID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.presence[docID]
	if !ok {
		return nil
	}
	return p.Members()
}

func (r *Registry) detachLocked(docID string, s Socket) {
	set, ok := r.docs[docID]
	if !ok {
		return
	}
	if _, present := set[s]; !present {
		return
	}

	delete(set, s)
	if len(set) == 0 {
		delete(r.docs, docID)
	}

	if r.metrics != nil {
		r.metrics.DecConnections()
	}
}

// Count returns a snapshot of the number of local sockets attached to a
// document, used by the Document Session's cleanup to decide whether to
// unsubscribe the Pub/Sub Bridge.
func (r *Registry) Count(docID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs[docID])
}

// Broadcast sends envelope to every socket attached to docID. Iteration
// runs over a snapshot taken under the read lock so a send failure
// triggering a concurrent Detach cannot invalidate the traversal. A send
// failure on one socket is logged and that socket is detached; it never
// aborts delivery to the remaining sockets.
func (r *Registry) Broadcast(docID string, envelope []byte) {
	r.broadcast(docID, envelope, nil)
}

// BroadcastExcept behaves like Broadcast but skips one socket (typically
// the sender, for envelope types the sender already has locally, e.g.
// awareness echoes).
func (r *Registry) BroadcastExcept(docID string, envelope []byte, exclude Socket) {
	r.broadcast(docID, envelope, exclude)
}

func (r *Registry) broadcast(docID string, envelope []byte, exclude Socket) {
	snapshot := r.snapshot(docID)
	if len(snapshot) == 0 {
		return
	}

	var failed []Socket
	for _, s := range snapshot {
		if exclude != nil && s == exclude {
			continue
		}
		if err := s.Send(envelope); err != nil {
			if r.logger != nil {
				r.logger.Warn("socket send failed, detaching",
					zap.String("doc_id", docID),
					zap.String("socket_id", s.ID()),
					zap.Error(err),
				)
			}
			if r.metrics != nil {
				r.metrics.RecordBroadcastFailure()
			}
			failed = append(failed, s)
		}
	}

	if len(failed) == 0 {
		return
	}

	r.mu.Lock()
	for _, s := range failed {
		r.detachLocked(docID, s)
	}
	r.mu.Unlock()
}

func (r *Registry) snapshot(docID string) []Socket {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.docs[docID]
	if !ok {
		return nil
	}

	out := make([]Socket, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}
