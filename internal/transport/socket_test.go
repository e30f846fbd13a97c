package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newSocketPair(t *testing.T) (*Socket, *websocket.Conn) {
	t.Helper()

	var serverSock *Socket
	ready := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverSock = New("test-sock", conn, 1<<20, zap.NewNop())
		close(ready)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	<-ready
	return serverSock, clientConn
}

func TestSendDeliversToClient(t *testing.T) {
	sock, clientConn := newSocketPair(t)

	require.NoError(t, sock.Send([]byte("hello")))

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := clientConn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payload))
}

func TestSendAfterCloseReturnsError(t *testing.T) {
	sock, _ := newSocketPair(t)

	sock.Close()
	time.Sleep(50 * time.Millisecond)

	err := sock.Send([]byte("too late"))
	assert.Error(t, err)
}

func TestCloseWithCodeSendsCloseFrame(t *testing.T) {
	sock, clientConn := newSocketPair(t)

	sock.CloseWithCode(4005, "access denied")

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := clientConn.ReadMessage()
	require.Error(t, err)

	ce, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, 4005, ce.Code)
	assert.Equal(t, "access denied", ce.Text)
}

func TestReadLoopDispatchesInboundMessages(t *testing.T) {
	sock, clientConn := newSocketPair(t)

	received := make(chan []byte, 4)
	go func() {
		_ = sock.ReadLoop(func(payload []byte) {
			received <- payload
		})
	}()

	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, []byte("one")))
	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, []byte("two")))

	select {
	case got := <-received:
		assert.Equal(t, "one", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first message")
	}
	select {
	case got := <-received:
		assert.Equal(t, "two", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second message")
	}
}
