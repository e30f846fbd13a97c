package crdt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// PNCounter implements a positive-negative counter CRDT. The Persistence
// Coordinator uses one per document to track the running edit count, held
// in memory on that replica and not persisted; increments are recorded on
// every successful fold, decrements are reserved for future revert support.
type PNCounter struct {
	mu       sync.RWMutex
	nodeID   string
	positive map[string]uint64
	negative map[string]uint64
}

// NewPNCounter creates a new positive-negative counter.
func NewPNCounter(nodeID string) *PNCounter {
	return &PNCounter{
		nodeID:   nodeID,
		positive: make(map[string]uint64),
		negative: make(map[string]uint64),
	}
}

// Update applies increment/decrement operations.
func (p *PNCounter) Update(operation Operation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	value, ok := operation.Value.(float64)
	if !ok {
		value = 1
	}

	nodeID := string(operation.NodeID)

	switch operation.Type {
	case IncrementOperation:
		p.positive[nodeID] += uint64(value)
	case DecrementOperation:
		p.negative[nodeID] += uint64(value)
	default:
		return fmt.Errorf("unsupported operation type for PNCounter: %v", operation.Type)
	}

	return nil
}

// Increment bumps this node's positive half by delta, a convenience
// wrapper around Update for callers that don't otherwise build Operation
// values themselves.
func (p *PNCounter) Increment(delta uint64) error {
	return p.Update(Operation{
		Type:      IncrementOperation,
		Value:     float64(delta),
		NodeID:    NodeID(p.nodeID),
		Timestamp: time.Now(),
	})
}

// Value returns the current counter value (positive - negative).
func (p *PNCounter) Value() int64 {
	return p.State().(int64)
}

// Merge merges another PNCounter by taking the per-node maximum, the usual
// GCounter-style merge applied to both the positive and negative halves.
func (p *PNCounter) Merge(other CRDT) error {
	otherPN, ok := other.(*PNCounter)
	if !ok {
		return fmt.Errorf("cannot merge different CRDT types")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	otherPN.mu.RLock()
	defer otherPN.mu.RUnlock()

	for nodeID, value := range otherPN.positive {
		if p.positive[nodeID] < value {
			p.positive[nodeID] = value
		}
	}

	for nodeID, value := range otherPN.negative {
		if p.negative[nodeID] < value {
			p.negative[nodeID] = value
		}
	}

	return nil
}

// State returns the current value (positive - negative).
func (p *PNCounter) State() interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var pos, neg uint64
	for _, value := range p.positive {
		pos += value
	}
	for _, value := range p.negative {
		neg += value
	}

	return int64(pos) - int64(neg)
}

// Clone creates a deep copy.
func (p *PNCounter) Clone() CRDT {
	p.mu.RLock()
	defer p.mu.RUnlock()

	clone := &PNCounter{
		nodeID:   p.nodeID,
		positive: make(map[string]uint64),
		negative: make(map[string]uint64),
	}

	for nodeID, value := range p.positive {
		clone.positive[nodeID] = value
	}
	for nodeID, value := range p.negative {
		clone.negative[nodeID] = value
	}

	return clone
}

// Serialize converts to bytes.
func (p *PNCounter) Serialize() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	data := struct {
		Positive map[string]uint64 `json:"positive"`
		Negative map[string]uint64 `json:"negative"`
	}{
		Positive: p.positive,
		Negative: p.negative,
	}

	return json.Marshal(data)
}

// Deserialize converts from bytes.
func (p *PNCounter) Deserialize(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var deserialized struct {
		Positive map[string]uint64 `json:"positive"`
		Negative map[string]uint64 `json:"negative"`
	}

	if err := json.Unmarshal(data, &deserialized); err != nil {
		return err
	}

	p.positive = deserialized.Positive
	p.negative = deserialized.Negative

	return nil
}

// ORSet implements an observed-remove set CRDT. The Connection Registry's
// presence tracker uses one per document on its own replica, keyed by
// userId with one tag per session, so that a user stays a member while any
// of their sessions' tags is live: remove only retires the one tag named by
// the operation's NodeID, never every tag observed for the value.
type ORSet struct {
	mu      sync.RWMutex
	nodeID  string
	added   map[string]map[string]bool // element -> {unique_tag -> true}
	removed map[string]map[string]bool // element -> {unique_tag -> true}
}

// NewORSet creates a new observed-remove set.
func NewORSet(nodeID string) *ORSet {
	return &ORSet{
		nodeID:  nodeID,
		added:   make(map[string]map[string]bool),
		removed: make(map[string]map[string]bool),
	}
}

// Update applies add/remove operations.
func (o *ORSet) Update(operation Operation) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	value, ok := operation.Value.(string)
	if !ok {
		return fmt.Errorf("ORSet values must be strings")
	}

	// The tag is the operation's NodeID alone, not NodeID+timestamp: a
	// remove must name the exact tag an earlier add used so it retires
	// only that add, never every add the replica has observed for the
	// value. Callers that want distinct tags per logical actor (e.g. one
	// per session) encode that into NodeID itself.
	tag := string(operation.NodeID)

	switch operation.Type {
	case AddOperation:
		if o.added[value] == nil {
			o.added[value] = make(map[string]bool)
		}
		o.added[value][tag] = true
	case RemoveOperation:
		if o.removed[value] == nil {
			o.removed[value] = make(map[string]bool)
		}
		o.removed[value][tag] = true
	default:
		return fmt.Errorf("unsupported operation type for ORSet: %v", operation.Type)
	}

	return nil
}

// Merge merges another ORSet.
func (o *ORSet) Merge(other CRDT) error {
	otherOR, ok := other.(*ORSet)
	if !ok {
		return fmt.Errorf("cannot merge different CRDT types")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	otherOR.mu.RLock()
	defer otherOR.mu.RUnlock()

	for element, tags := range otherOR.added {
		if o.added[element] == nil {
			o.added[element] = make(map[string]bool)
		}
		for tag := range tags {
			o.added[element][tag] = true
		}
	}

	for element, tags := range otherOR.removed {
		if o.removed[element] == nil {
			o.removed[element] = make(map[string]bool)
		}
		for tag := range tags {
			o.removed[element][tag] = true
		}
	}

	return nil
}

// State returns the current set (added minus removed) as a slice.
func (o *ORSet) State() interface{} {
	o.mu.RLock()
	defer o.mu.RUnlock()

	result := make([]string, 0)
	for element, addedTags := range o.added {
		hasLiveTags := false
		removedTags := o.removed[element]

		for tag := range addedTags {
			if removedTags == nil || !removedTags[tag] {
				hasLiveTags = true
				break
			}
		}

		if hasLiveTags {
			result = append(result, element)
		}
	}

	return result
}

// Clone creates a deep copy.
func (o *ORSet) Clone() CRDT {
	o.mu.RLock()
	defer o.mu.RUnlock()

	clone := &ORSet{
		nodeID:  o.nodeID,
		added:   make(map[string]map[string]bool),
		removed: make(map[string]map[string]bool),
	}

	for element, tags := range o.added {
		clone.added[element] = make(map[string]bool)
		for tag := range tags {
			clone.added[element][tag] = true
		}
	}

	for element, tags := range o.removed {
		clone.removed[element] = make(map[string]bool)
		for tag := range tags {
			clone.removed[element][tag] = true
		}
	}

	return clone
}

// Serialize converts to bytes.
func (o *ORSet) Serialize() ([]byte, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	data := struct {
		Added   map[string]map[string]bool `json:"added"`
		Removed map[string]map[string]bool `json:"removed"`
	}{
		Added:   o.added,
		Removed: o.removed,
	}

	return json.Marshal(data)
}

// Deserialize converts from bytes.
func (o *ORSet) Deserialize(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var deserialized struct {
		Added   map[string]map[string]bool `json:"added"`
		Removed map[string]map[string]bool `json:"removed"`
	}

	if err := json.Unmarshal(data, &deserialized); err != nil {
		return err
	}

	o.added = deserialized.Added
	o.removed = deserialized.Removed

	return nil
}

// PresenceSet wraps an ORSet keyed by userId, giving the Registry a named
// convenience type for the per-document online-user membership tracked
// alongside the local socket set.
type PresenceSet struct {
	*ORSet
}

// NewPresenceSet creates an empty presence membership set for one document.
func NewPresenceSet(nodeID string) *PresenceSet {
	return &PresenceSet{ORSet: NewORSet(nodeID)}
}

// Join records a user joining the document from this replica.
func (p *PresenceSet) Join(userID string, node NodeID) error {
	return p.Update(Operation{Type: AddOperation, Value: userID, NodeID: node, Timestamp: time.Now()})
}

// Leave records a user's session leaving the document from this replica.
func (p *PresenceSet) Leave(userID string, node NodeID) error {
	return p.Update(Operation{Type: RemoveOperation, Value: userID, NodeID: node, Timestamp: time.Now()})
}

// Members returns the currently online user ids.
func (p *PresenceSet) Members() []string {
	return p.State().([]string)
}
