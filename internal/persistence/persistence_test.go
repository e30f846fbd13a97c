package persistence

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ruvnet/crdtsync/internal/crdtengine"
	"github.com/ruvnet/crdtsync/internal/metadataclient"
)

func TestFoldPersistsStateAndPlaintext(t *testing.T) {
	md := metadataclient.NewDevMetadata()
	md.Seed("doc1", "owner", nil, nil)

	c := New(md, "r1", zap.NewNop(), nil)

	seed, err := crdtengine.FromText("seed", "Hello")
	require.NoError(t, err)
	state, err := seed.EncodeState()
	require.NoError(t, err)
	md.Seed("doc1", "owner", state, nil)

	update, err := seed.InsertText(5, " World")
	require.NoError(t, err)

	require.NoError(t, c.Fold(context.Background(), "doc1", update))

	doc, err := md.LoadDocument(context.Background(), "doc1")
	require.NoError(t, err)

	replayed, err := crdtengine.New("reader", doc.State)
	require.NoError(t, err)
	assert.Equal(t, "Hello World", replayed.Plaintext())

	assert.Equal(t, "Hello World", md.StoredPlaintext("doc1"))

	assert.Equal(t, int64(1), c.EditCount("doc1"))
}

func TestFoldIsIdempotentForTheSameUpdate(t *testing.T) {
	md := metadataclient.NewDevMetadata()
	c := New(md, "r1", zap.NewNop(), nil)

	seed, err := crdtengine.FromText("seed", "Hi")
	require.NoError(t, err)
	update, err := seed.InsertText(2, "!")
	require.NoError(t, err)

	state, err := crdtengine.FromText("seed", "Hi")
	require.NoError(t, err)
	encoded, err := state.EncodeState()
	require.NoError(t, err)
	md.Seed("doc1", "owner", encoded, nil)

	require.NoError(t, c.Fold(context.Background(), "doc1", update))
	doc1, err := md.LoadDocument(context.Background(), "doc1")
	require.NoError(t, err)

	require.NoError(t, c.Fold(context.Background(), "doc1", update))
	doc2, err := md.LoadDocument(context.Background(), "doc1")
	require.NoError(t, err)

	e1, err := crdtengine.New("r", doc1.State)
	require.NoError(t, err)
	e2, err := crdtengine.New("r", doc2.State)
	require.NoError(t, err)
	assert.Equal(t, e1.Plaintext(), e2.Plaintext())
}

func TestFoldSerializesConcurrentUpdatesPerDoc(t *testing.T) {
	md := metadataclient.NewDevMetadata()
	md.Seed("doc1", "owner", nil, nil)
	c := New(md, "r1", zap.NewNop(), nil)

	seed, err := crdtengine.FromText("seed", "")
	require.NoError(t, err)
	state, err := seed.EncodeState()
	require.NoError(t, err)
	md.Seed("doc1", "owner", state, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		author, err := crdtengine.New(fmt.Sprintf("author-%d", i), state)
		require.NoError(t, err)
		update, err := author.InsertText(0, "x")
		require.NoError(t, err)

		wg.Add(1)
		go func(u []byte) {
			defer wg.Done()
			_ = c.Fold(context.Background(), "doc1", u)
		}(update)
	}
	wg.Wait()

	doc, err := md.LoadDocument(context.Background(), "doc1")
	require.NoError(t, err)
	replayed, err := crdtengine.New("reader", doc.State)
	require.NoError(t, err)
	assert.Len(t, replayed.Plaintext(), 10)
}
