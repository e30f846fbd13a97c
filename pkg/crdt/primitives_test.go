package crdt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPNCounterIncrementAndValue(t *testing.T) {
	c := NewPNCounter("r1")
	require.NoError(t, c.Increment(3))
	require.NoError(t, c.Increment(2))
	assert.Equal(t, int64(5), c.Value())
}

func TestPNCounterMergeTakesPerNodeMax(t *testing.T) {
	a := NewPNCounter("r1")
	b := NewPNCounter("r2")

	require.NoError(t, a.Increment(5))
	require.NoError(t, b.Increment(8))

	require.NoError(t, a.Merge(b))
	assert.Equal(t, int64(13), a.Value())

	// Merging again is idempotent: re-merging the same state changes nothing.
	require.NoError(t, a.Merge(b))
	assert.Equal(t, int64(13), a.Value())
}

func TestPNCounterSerializeDeserializeRoundTrips(t *testing.T) {
	c := NewPNCounter("r1")
	require.NoError(t, c.Increment(7))

	data, err := c.Serialize()
	require.NoError(t, err)

	restored := NewPNCounter("r1")
	require.NoError(t, restored.Deserialize(data))
	assert.Equal(t, c.Value(), restored.Value())
}

func TestORSetAddObservedRemoveWins(t *testing.T) {
	s := NewORSet("r1")
	now := time.Now()

	require.NoError(t, s.Update(Operation{Type: AddOperation, Value: "alice", NodeID: "r1", Timestamp: now}))
	assert.Contains(t, s.State().([]string), "alice")

	require.NoError(t, s.Update(Operation{Type: RemoveOperation, Value: "alice", NodeID: "r1", Timestamp: now}))
	assert.NotContains(t, s.State().([]string), "alice")
}

func TestORSetMergeConvergesAcrossReplicas(t *testing.T) {
	a := NewORSet("r1")
	b := NewORSet("r2")

	require.NoError(t, a.Update(Operation{Type: AddOperation, Value: "alice", NodeID: "r1", Timestamp: time.Now()}))
	require.NoError(t, b.Update(Operation{Type: AddOperation, Value: "bob", NodeID: "r2", Timestamp: time.Now()}))

	require.NoError(t, a.Merge(b))
	require.NoError(t, b.Merge(a))

	assert.ElementsMatch(t, []string{"alice", "bob"}, a.State().([]string))
	assert.ElementsMatch(t, []string{"alice", "bob"}, b.State().([]string))
}

func TestPresenceSetJoinLeave(t *testing.T) {
	p := NewPresenceSet("doc1")

	require.NoError(t, p.Join("alice", NodeID("alice:sess-1")))
	require.NoError(t, p.Join("bob", NodeID("bob:sess-1")))
	assert.ElementsMatch(t, []string{"alice", "bob"}, p.Members())

	require.NoError(t, p.Leave("alice", NodeID("alice:sess-1")))
	assert.ElementsMatch(t, []string{"bob"}, p.Members())
}
