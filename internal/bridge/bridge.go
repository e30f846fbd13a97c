// Package bridge owns the single connection to the distributed Pub/Sub
// substrate and demultiplexes inbound cross-replica messages back into the
// local Connection Registry.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/ruvnet/crdtsync/internal/registry"
	"github.com/ruvnet/crdtsync/pkg/metrics"
)

const (
	channelPrefix   = "doc:"
	minBackoff      = 100 * time.Millisecond
	maxBackoff      = 5 * time.Second
)

func channelFor(docID string) string { return channelPrefix + docID }

// Bridge is the Pub/Sub Bridge: a single shared connection to Redis,
// ref-counted per-document subscribe/unsubscribe with linger, and a
// background loop fanning inbound messages out to the local Registry.
type Bridge struct {
	rdb      *redis.Client
	pubsub   *redis.PubSub
	registry *registry.Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
	linger   time.Duration

	mu           sync.Mutex
	refs         map[string]int
	lingerTimers map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Bridge. Start must be called before Subscribe/Publish.
func New(rdb *redis.Client, reg *registry.Registry, logger *zap.Logger, m *metrics.Metrics, linger time.Duration) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		rdb:          rdb,
		registry:     reg,
		logger:       logger,
		metrics:      m,
		linger:       linger,
		refs:         make(map[string]int),
		lingerTimers: make(map[string]*time.Timer),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start opens the substrate connection and spawns the background read loop.
func (b *Bridge) Start() {
	b.pubsub = b.rdb.Subscribe(b.ctx)
	b.wg.Add(1)
	go b.readLoop()
}

// Subscribe is idempotent and ref-counted: only the 0->1 transition issues a
// real subscribe to the substrate. A subscribe cancels any unsubscribe that
// is currently lingering for this docId.
func (b *Bridge) Subscribe(ctx context.Context, docID string) error {
	b.mu.Lock()
	if timer, pending := b.lingerTimers[docID]; pending {
		timer.Stop()
		delete(b.lingerTimers, docID)
	}
	b.refs[docID]++
	first := b.refs[docID] == 1
	subCount := len(b.refs)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SetSubstrateSubscriptions(subCount)
	}

	if !first {
		return nil
	}

	if err := b.pubsub.Subscribe(ctx, channelFor(docID)); err != nil {
		b.mu.Lock()
		b.refs[docID]--
		if b.refs[docID] <= 0 {
			delete(b.refs, docID)
		}
		b.mu.Unlock()
		return fmt.Errorf("bridge: subscribe %s: %w", docID, err)
	}

	return nil
}

// Unsubscribe is idempotent and ref-counted: only the 1->0 transition
// schedules a real unsubscribe, delayed by the configured linger to absorb
// rapid disconnect/reconnect churn.
func (b *Bridge) Unsubscribe(docID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refs[docID] <= 0 {
		return
	}

	b.refs[docID]--
	if b.refs[docID] > 0 {
		return
	}

	delete(b.refs, docID)
	if b.metrics != nil {
		b.metrics.SetSubstrateSubscriptions(len(b.refs))
	}

	timer := time.AfterFunc(b.linger, func() { b.finishUnsubscribe(docID) })
	b.lingerTimers[docID] = timer
}

func (b *Bridge) finishUnsubscribe(docID string) {
	b.mu.Lock()
	if _, stillRefd := b.refs[docID]; stillRefd {
		b.mu.Unlock()
		return
	}
	delete(b.lingerTimers, docID)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.pubsub.Unsubscribe(ctx, channelFor(docID)); err != nil && b.logger != nil {
		b.logger.Warn("bridge: unsubscribe failed", zap.String("doc_id", docID), zap.Error(err))
	}
}

// Publish serializes envelope to doc:<docId>.
func (b *Bridge) Publish(ctx context.Context, docID string, envelope []byte) error {
	if err := b.rdb.Publish(ctx, channelFor(docID), envelope).Err(); err != nil {
		return fmt.Errorf("bridge: publish %s: %w", docID, err)
	}
	return nil
}

// readLoop reads incoming messages, recovers the docId from the channel
// name, and hands the raw payload to the Registry for local fan-out. It
// survives any single-message error and applies a bounded exponential
// backoff on connection-level errors; it never exits except on Stop.
func (b *Bridge) readLoop() {
	defer b.wg.Done()

	backoff := minBackoff
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		msg, err := b.pubsub.ReceiveMessage(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			if b.logger != nil {
				b.logger.Warn("bridge: receive error, backing off", zap.Error(err), zap.Duration("backoff", backoff))
			}
			if b.metrics != nil {
				b.metrics.SetSubstrateHealthy(false)
			}

			select {
			case <-time.After(backoff):
			case <-b.ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = minBackoff
		if b.metrics != nil {
			b.metrics.SetSubstrateHealthy(true)
		}

		docID := strings.TrimPrefix(msg.Channel, channelPrefix)
		if docID == msg.Channel {
			// Doesn't match our channel convention; log and drop rather
			// than crash the loop.
			if b.logger != nil {
				b.logger.Warn("bridge: message on unexpected channel", zap.String("channel", msg.Channel))
			}
			continue
		}

		// The originating replica also receives its own publish here. The
		// minimal design relies on client-side CRDT idempotence rather than
		// origin-tagging to suppress the self-echo; see the design notes.
		b.registry.Broadcast(docID, []byte(msg.Payload))
	}
}

// Stop cancels the background loop, waits up to a bounded drain window, and
// closes the substrate connection.
func (b *Bridge) Stop(ctx context.Context) error {
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	return b.pubsub.Close()
}
