// Package crdtengine wraps a sequence CRDT (RGA — Replicated Growable
// Array) producing a self-describing binary wire format for plain text
// documents. It is the only package in the module permitted to know what a
// CrdtUpdate or SerializedCrdtState actually contains; every other
// component treats both as opaque bytes, which is what lets the Engine be
// swapped for a different sequence-CRDT library without touching the
// session, registry, bridge, or persistence code.
package crdtengine

import (
	"encoding/json"
	"fmt"
)

// NodeID identifies one inserted character. Clock is the author's local
// Lamport-style counter; Replica breaks ties between concurrent inserts
// from different authors with the same Clock value.
type NodeID struct {
	Clock   uint64 `json:"clock"`
	Replica string `json:"replica"`
}

var zeroNodeID = NodeID{}

func idGreater(a, b NodeID) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	return a.Replica > b.Replica
}

// node is one character position in the document, alive or tombstoned.
type node struct {
	ID       NodeID `json:"id"`
	OriginID NodeID `json:"originId"`
	Value    rune   `json:"value"`
	Deleted  bool   `json:"deleted"`
}

// opType tags one entry of an update.
type opType string

const (
	opInsert opType = "insert"
	opDelete opType = "delete"
)

// op is one entry of the update wire format: an ordered batch of inserts
// and deletes, applied together by ApplyUpdate.
type op struct {
	Type     opType `json:"type"`
	ID       NodeID `json:"id"`
	OriginID NodeID `json:"originId,omitempty"`
	Value    rune   `json:"value,omitempty"`
}

// snapshot is the wire format of EncodeState: every node ever inserted,
// tombstones included, in their converged linear order, plus the replica's
// next-clock watermark so a freshly restarted replica doesn't reuse clock
// values.
type snapshot struct {
	Nodes     []node `json:"nodes"`
	NextClock uint64 `json:"nextClock"`
}

// Engine holds one document's materialized CRDT state.
type Engine struct {
	replicaID string
	clock     uint64
	nodes     []*node
	index     map[NodeID]int
	seen      map[NodeID]bool
}

// New initializes an Engine, replaying state if present, or starting an
// empty document otherwise.
func New(replicaID string, state []byte) (*Engine, error) {
	e := &Engine{
		replicaID: replicaID,
		index:     make(map[NodeID]int),
		seen:      make(map[NodeID]bool),
	}

	if len(state) == 0 {
		return e, nil
	}

	var snap snapshot
	if err := json.Unmarshal(state, &snap); err != nil {
		return nil, fmt.Errorf("crdtengine: malformed state: %w", err)
	}

	e.nodes = make([]*node, len(snap.Nodes))
	for i := range snap.Nodes {
		n := snap.Nodes[i]
		e.nodes[i] = &n
		e.index[n.ID] = i
		e.seen[n.ID] = true
	}
	e.clock = snap.NextClock

	return e, nil
}

// FromText bootstraps a new document from a seed string, producing an
// Engine whose Plaintext() equals s.
func FromText(replicaID, s string) (*Engine, error) {
	e, err := New(replicaID, nil)
	if err != nil {
		return nil, err
	}

	origin := zeroNodeID
	for _, r := range s {
		id := e.nextID()
		e.integrateInsert(node{ID: id, OriginID: origin, Value: r})
		origin = id
	}

	return e, nil
}

func (e *Engine) nextID() NodeID {
	e.clock++
	return NodeID{Clock: e.clock, Replica: e.replicaID}
}

// ApplyUpdate folds a binary update into the document. Applying the same
// bytes twice is a no-op the second time: every op id is checked against
// the seen set before being integrated.
func (e *Engine) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return nil
	}

	var ops []op
	if err := json.Unmarshal(update, &ops); err != nil {
		return fmt.Errorf("crdtengine: malformed update: %w", err)
	}

	for _, o := range ops {
		switch o.Type {
		case opInsert:
			if e.seen[o.ID] {
				continue
			}
			e.integrateInsert(node{ID: o.ID, OriginID: o.OriginID, Value: o.Value})
			if o.ID.Clock > e.clock && o.ID.Replica == e.replicaID {
				e.clock = o.ID.Clock
			}
		case opDelete:
			e.integrateDelete(o.ID)
		default:
			return fmt.Errorf("crdtengine: unknown op type %q", o.Type)
		}
	}

	return nil
}

// integrateInsert places a node using the RGA integrate rule: walk forward
// from the origin past any already-placed sibling whose id sorts higher
// than the new node's id, so that concurrent inserts at the same origin
// converge to the same order on every replica regardless of delivery
// order.
func (e *Engine) integrateInsert(n node) {
	if e.seen[n.ID] {
		return
	}

	pos := 0
	if n.OriginID != zeroNodeID {
		originIdx, ok := e.index[n.OriginID]
		if ok {
			pos = originIdx + 1
		} else {
			pos = len(e.nodes)
		}
	}

	for pos < len(e.nodes) {
		next := e.nodes[pos]
		if next.OriginID == n.OriginID && idGreater(next.ID, n.ID) {
			pos++
			continue
		}
		break
	}

	stored := n
	e.nodes = append(e.nodes, nil)
	copy(e.nodes[pos+1:], e.nodes[pos:])
	e.nodes[pos] = &stored

	e.seen[n.ID] = true
	e.reindexFrom(pos)
}

func (e *Engine) integrateDelete(id NodeID) {
	if idx, ok := e.index[id]; ok {
		e.nodes[idx].Deleted = true
	}
	e.seen[id] = true
}

func (e *Engine) reindexFrom(from int) {
	for i := from; i < len(e.nodes); i++ {
		e.index[e.nodes[i].ID] = i
	}
}

// EncodeState exports a full-state snapshot suitable as the state argument
// of New.
func (e *Engine) EncodeState() ([]byte, error) {
	nodes := make([]node, len(e.nodes))
	for i, n := range e.nodes {
		nodes[i] = *n
	}
	return json.Marshal(snapshot{Nodes: nodes, NextClock: e.clock})
}

// Plaintext linearizes the live (non-tombstoned) characters in document
// order. Derived, never authoritative: persistence stores it alongside the
// state for search/readability, but EncodeState is what New replays from.
func (e *Engine) Plaintext() string {
	var sb []rune
	for _, n := range e.nodes {
		if !n.Deleted {
			sb = append(sb, n.Value)
		}
	}
	return string(sb)
}

// InsertText builds and applies a local insert-after-index operation,
// returning the update bytes so the caller can both fold it locally and
// publish it. Used by tests to produce update bytes; ordinary clients
// generate their own update bytes with their own CRDT library and never
// call this.
func (e *Engine) InsertText(atIndex int, text string) ([]byte, error) {
	live := e.liveNodeIDs()
	origin := zeroNodeID
	if atIndex > 0 && atIndex <= len(live) {
		origin = live[atIndex-1]
	}

	var ops []op
	for _, r := range text {
		id := e.nextID()
		ops = append(ops, op{Type: opInsert, ID: id, OriginID: origin, Value: r})
		origin = id
	}

	encoded, err := json.Marshal(ops)
	if err != nil {
		return nil, err
	}
	return encoded, e.ApplyUpdate(encoded)
}

func (e *Engine) liveNodeIDs() []NodeID {
	ids := make([]NodeID, 0, len(e.nodes))
	for _, n := range e.nodes {
		if !n.Deleted {
			ids = append(ids, n.ID)
		}
	}
	return ids
}
