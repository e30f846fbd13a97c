package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/ruvnet/crdtsync/internal/authclient"
	"github.com/ruvnet/crdtsync/internal/bridge"
	"github.com/ruvnet/crdtsync/internal/codec"
	"github.com/ruvnet/crdtsync/internal/config"
	"github.com/ruvnet/crdtsync/internal/crdtengine"
	"github.com/ruvnet/crdtsync/internal/metadataclient"
	"github.com/ruvnet/crdtsync/internal/persistence"
	"github.com/ruvnet/crdtsync/internal/registry"
	"github.com/ruvnet/crdtsync/internal/session"
	"github.com/ruvnet/crdtsync/pkg/metrics"
)

type GatewaySuite struct {
	suite.Suite
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	server *httptest.Server
	auth   *authclient.DevAuth
	md     *metadataclient.DevMetadata
}

func (s *GatewaySuite) SetupTest() {
	gin.SetMode(gin.TestMode)

	mr, err := miniredis.Run()
	require.NoError(s.T(), err)
	s.mr = mr
	s.rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})

	logger := zap.NewNop()
	m := metrics.NewMetrics()
	reg := registry.New(logger, m)
	b := bridge.New(s.rdb, reg, logger, m, 10*time.Millisecond)
	b.Start()

	s.auth = authclient.NewDevAuth()
	require.NoError(s.T(), s.auth.Register(authclient.UserProfile{UserID: "u1", Username: "alice", Active: true}, "pw"))

	s.md = metadataclient.NewDevMetadata()
	seed, err := crdtengine.FromText("seed", "Hello")
	require.NoError(s.T(), err)
	state, err := seed.EncodeState()
	require.NoError(s.T(), err)
	s.md.Seed("doc1", "u1", state, nil)

	coord := persistence.New(s.md, "r1", logger, m)

	deps := session.Deps{
		Auth:        s.auth,
		Metadata:    s.md,
		Persistence: coord,
		Bridge:      b,
		Registry:    reg,
		Logger:      logger,
		Metrics:     m,
	}

	cfg := config.Load()
	gw := New(cfg, deps, s.rdb, nil, logger, m)
	s.server = httptest.NewServer(gw.Handler())
}

func (s *GatewaySuite) TearDownTest() {
	s.server.Close()
	s.rdb.Close()
	s.mr.Close()
}

func (s *GatewaySuite) TestHealthReportsSubstrateUp() {
	resp, err := http.Get(s.server.URL + "/health")
	require.NoError(s.T(), err)
	defer resp.Body.Close()
	assert.Equal(s.T(), http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(s.T(), json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(s.T(), "healthy", body["status"])
}

func (s *GatewaySuite) TestSyncRouteDeliversSyncState() {
	token, err := s.auth.Login("u1", "pw")
	require.NoError(s.T(), err)

	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/documents/doc1/sync?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(s.T(), err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(s.T(), err)

	env, err := codec.Decode(raw)
	require.NoError(s.T(), err)
	require.Equal(s.T(), codec.TypeSyncState, env.Type)

	engine, err := crdtengine.New("reader", env.SyncState.State)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "Hello", engine.Plaintext())
}

func (s *GatewaySuite) TestSyncRouteRejectsMissingToken() {
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/documents/doc1/sync"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(s.T(), err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(s.T(), err)

	ce, ok := err.(*websocket.CloseError)
	require.True(s.T(), ok)
	assert.Equal(s.T(), session.CloseTokenAbsent, ce.Code)
}

func TestGatewaySuite(t *testing.T) {
	suite.Run(t, new(GatewaySuite))
}
