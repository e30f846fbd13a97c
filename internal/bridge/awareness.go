package bridge

import (
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const awareSubjectPrefix = "aware:"

func awareSubjectFor(docID string) string { return awareSubjectPrefix + docID }

// AwarenessHandler receives a decoded cursor/presence payload for a docId,
// recovered from the subject it arrived on.
type AwarenessHandler func(docID string, payload []byte)

// AwarenessBridge is the optional cross-replica side-channel for ephemeral
// cursor/selection broadcasts, kept off the durable Redis channel so a burst
// of mouse-move-driven awareness traffic can never contend with document
// update delivery. It is enabled only when a NATS connection is configured;
// when absent, Document Sessions fall back to local-only awareness fan-out.
type AwarenessBridge struct {
	nc      *nats.Conn
	logger  *zap.Logger
	handler AwarenessHandler

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewAwarenessBridge wraps an established NATS connection. handler is
// invoked from NATS's own delivery goroutine for every inbound message on a
// subscribed docId.
func NewAwarenessBridge(nc *nats.Conn, logger *zap.Logger, handler AwarenessHandler) *AwarenessBridge {
	return &AwarenessBridge{
		nc:      nc,
		logger:  logger,
		handler: handler,
		subs:    make(map[string]*nats.Subscription),
	}
}

// Subscribe joins the aware:<docId> subject. Idempotent per docId.
func (ab *AwarenessBridge) Subscribe(docID string) error {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if _, ok := ab.subs[docID]; ok {
		return nil
	}

	sub, err := ab.nc.Subscribe(awareSubjectFor(docID), func(msg *nats.Msg) {
		ab.handler(docID, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("bridge: awareness subscribe %s: %w", docID, err)
	}

	ab.subs[docID] = sub
	return nil
}

// Unsubscribe leaves the aware:<docId> subject. Idempotent per docId.
func (ab *AwarenessBridge) Unsubscribe(docID string) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	sub, ok := ab.subs[docID]
	if !ok {
		return
	}
	delete(ab.subs, docID)

	if err := sub.Unsubscribe(); err != nil && ab.logger != nil {
		ab.logger.Warn("bridge: awareness unsubscribe failed", zap.String("doc_id", docID), zap.Error(err))
	}
}

// Publish fires payload at every replica subscribed to docId's awareness
// subject, itself included; awareness has no durability requirement so
// publish is fire-and-forget over NATS core pub/sub.
func (ab *AwarenessBridge) Publish(docID string, payload []byte) error {
	if err := ab.nc.Publish(awareSubjectFor(docID), payload); err != nil {
		return fmt.Errorf("bridge: awareness publish %s: %w", docID, err)
	}
	return nil
}

// Close drains all subscriptions.
func (ab *AwarenessBridge) Close() {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	for docID, sub := range ab.subs {
		if err := sub.Unsubscribe(); err != nil && ab.logger != nil {
			ab.logger.Warn("bridge: awareness close unsubscribe failed", zap.String("doc_id", docID), zap.Error(err))
		}
	}
	ab.subs = make(map[string]*nats.Subscription)
}
