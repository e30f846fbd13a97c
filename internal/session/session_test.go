package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ruvnet/crdtsync/internal/authclient"
	"github.com/ruvnet/crdtsync/internal/bridge"
	"github.com/ruvnet/crdtsync/internal/codec"
	"github.com/ruvnet/crdtsync/internal/crdtengine"
	"github.com/ruvnet/crdtsync/internal/metadataclient"
	"github.com/ruvnet/crdtsync/internal/persistence"
	"github.com/ruvnet/crdtsync/internal/registry"
	"github.com/ruvnet/crdtsync/internal/transport"
)

func newTestBridge(t *testing.T, reg *registry.Registry) *bridge.Bridge {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	b := bridge.New(rdb, reg, zap.NewNop(), nil, 10*time.Millisecond)
	b.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b
}

// testHarness wires a real HTTP test server that upgrades to a
// transport.Socket and runs Dial+Run on the server side, so the close
// codes and the sync_state handshake are exercised over a real socket
// rather than faked in-process.
type testHarness struct {
	server *httptest.Server
	deps   Deps
	reg    *registry.Registry
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	auth := authclient.NewDevAuth()
	require.NoError(t, auth.Register(authclient.UserProfile{UserID: "u1", Username: "alice", Active: true}, "pw"))

	md := metadataclient.NewDevMetadata()
	seed, err := crdtengine.FromText("seed", "Hello")
	require.NoError(t, err)
	state, err := seed.EncodeState()
	require.NoError(t, err)
	md.Seed("doc1", "u1", state, map[string]metadataclient.AccessLevel{"u1": metadataclient.AccessEditor})

	reg := registry.New(zap.NewNop(), nil)
	coord := persistence.New(md, "r1", zap.NewNop(), nil)
	b := newTestBridge(t, reg)

	h := &testHarness{deps: Deps{
		Auth:        auth,
		Metadata:    md,
		Persistence: coord,
		Bridge:      b,
		Registry:    reg,
		Logger:      zap.NewNop(),
	}, reg: reg}

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sock := transport.New("sess-1", conn, 1<<20, zap.NewNop())

		docID := r.URL.Query().Get("doc")
		token := r.URL.Query().Get("token")

		deps := h.deps
		sess, err := Dial(context.Background(), deps, sock, "sess-1", docID, token)
		if err != nil {
			return
		}
		_ = sess.Run()
	})
	h.server = httptest.NewServer(mux)
	return h
}

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

// expectRejection dials path, which must upgrade successfully at the HTTP
// level and then be torn down by the server with the given policy close
// code before any application data arrives.
func expectRejection(t *testing.T, server *httptest.Server, path string, wantCode int) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, path), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)

	ce, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close error, got %T: %v", err, err)
	assert.Equal(t, wantCode, ce.Code)
}

func TestDialRejectsAbsentToken(t *testing.T) {
	h := newTestHarness(t)
	defer h.server.Close()
	expectRejection(t, h.server, "/sync?doc=doc1", CloseTokenAbsent)
}

func TestDialRejectsInvalidToken(t *testing.T) {
	h := newTestHarness(t)
	defer h.server.Close()
	expectRejection(t, h.server, "/sync?doc=doc1&token=garbage", CloseTokenInvalid)
}

func TestDialRejectsUnknownDocument(t *testing.T) {
	h := newTestHarness(t)
	defer h.server.Close()

	token, err := h.deps.Auth.(*authclient.DevAuth).Login("u1", "pw")
	require.NoError(t, err)

	expectRejection(t, h.server, "/sync?doc=nosuch&token="+token, CloseDocumentNotFound)
}

func TestJoinedSessionReceivesSyncState(t *testing.T) {
	h := newTestHarness(t)
	defer h.server.Close()

	token, err := h.deps.Auth.(*authclient.DevAuth).Login("u1", "pw")
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(h.server, "/sync?doc=doc1&token="+token), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	env, err := codec.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, codec.TypeSyncState, env.Type)
	assert.Equal(t, "Hello", mustPlaintext(t, env.SyncState.State))
}

func mustPlaintext(t *testing.T, state []byte) string {
	t.Helper()
	e, err := crdtengine.New("reader", state)
	require.NoError(t, err)
	return e.Plaintext()
}
