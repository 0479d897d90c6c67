package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lvbridge/internal/auth"
	"lvbridge/internal/constants"
	"lvbridge/internal/protocol"
	"lvbridge/internal/relay"
	"lvbridge/internal/security"
	"lvbridge/internal/session"
)

const testSecret = "deez nuts 420"

func newTestServer(t *testing.T, hbInterval, handshakeTimeout time.Duration) (*Server, *httptest.Server) {
	t.Helper()

	store := session.NewStore()
	bus := relay.NewMemoryBus()
	s := &Server{
		Store:            store,
		Bus:              bus,
		Router:           relay.NewRouter(bus, store),
		Verifier:         auth.NewVerifier(testSecret),
		ConnLimiter:      security.NewConnectionLimiter(constants.MaxConnectionsPerIP),
		BruteProtector:   security.NewBruteForceProtector(constants.MaxAuthAttempts, constants.BlockDuration),
		HandshakeTimeout: handshakeTimeout,
	}
	s.Monitor = session.NewMonitor(hbInterval, constants.DefaultHeartbeatGrace, s.expireSession)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Monitor.Run(ctx)
	go s.Router.Run(ctx)

	ts := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	t.Cleanup(ts.Close)
	return s, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func readHello(t *testing.T, conn *websocket.Conn) protocol.HelloData {
	t.Helper()
	msg := readFrame(t, conn)
	require.Equal(t, protocol.OpHello, msg.Op)
	var hello protocol.HelloData
	require.NoError(t, json.Unmarshal(msg.D, &hello))
	require.NotEmpty(t, hello.Nonce)
	return hello
}

func sendFrame(t *testing.T, conn *websocket.Conn, op protocol.OpCode, d interface{}) {
	t.Helper()
	data, err := protocol.Encode(op, d)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func identify(t *testing.T, conn *websocket.Conn, nonce string) {
	t.Helper()
	token := auth.NewVerifier(testSecret).Token(nonce)
	sendFrame(t, conn, protocol.OpIdentify, protocol.IdentifyData{Token: token})
	msg := readFrame(t, conn)
	require.Equal(t, protocol.OpReady, msg.Op)
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			require.ErrorAs(t, err, &closeErr, "expected close %d, got %v", code, err)
			assert.Equal(t, code, closeErr.Code)
			return
		}
	}
}

func onlySessionID(t *testing.T, s *Server) string {
	t.Helper()
	var id string
	s.Store.Range(func(sess *session.Session) bool {
		id = sess.ID
		return false
	})
	require.NotEmpty(t, id)
	return id
}

func TestHandshake_Success(t *testing.T) {
	s, ts := newTestServer(t, time.Second, constants.DefaultHandshakeTimeout)
	conn := dialWS(t, ts)

	hello := readHello(t, conn)
	assert.Equal(t, int64(1000), hello.HeartbeatInterval)

	token := auth.NewVerifier(testSecret).Token(hello.Nonce)
	sendFrame(t, conn, protocol.OpIdentify, protocol.IdentifyData{Token: token})

	msg := readFrame(t, conn)
	require.Equal(t, protocol.OpReady, msg.Op)
	var ready protocol.ReadyData
	require.NoError(t, json.Unmarshal(msg.D, &ready))
	assert.Equal(t, 1.0, ready.Health)

	id := onlySessionID(t, s)
	sess, ok := s.Store.Get(id)
	require.True(t, ok)
	assert.Equal(t, session.StateAuthenticated, sess.State())
	assert.True(t, s.Monitor.Tracks(id))
}

func TestHandshake_WrongSecret(t *testing.T) {
	s, ts := newTestServer(t, time.Second, constants.DefaultHandshakeTimeout)
	conn := dialWS(t, ts)

	hello := readHello(t, conn)
	id := onlySessionID(t, s)

	token := auth.NewVerifier("wrong").Token(hello.Nonce)
	sendFrame(t, conn, protocol.OpIdentify, protocol.IdentifyData{Token: token})

	expectClose(t, conn, protocol.CloseAuthFailed)

	assert.False(t, s.Monitor.Tracks(id))
	assert.Eventually(t, func() bool { return s.Store.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHandshake_Timeout(t *testing.T) {
	s, ts := newTestServer(t, time.Second, 100*time.Millisecond)
	conn := dialWS(t, ts)

	readHello(t, conn)
	// Never identify.
	expectClose(t, conn, protocol.CloseAuthTimeout)
	assert.Eventually(t, func() bool { return s.Store.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestFrameBeforeAuth_Rejected(t *testing.T) {
	_, ts := newTestServer(t, time.Second, constants.DefaultHandshakeTimeout)
	conn := dialWS(t, ts)

	readHello(t, conn)
	sendFrame(t, conn, protocol.OpInfo, protocol.InfoData{Type: 0, Target: "someone"})
	expectClose(t, conn, protocol.CloseBadState)
}

func TestHeartbeatBeforeAuth_Rejected(t *testing.T) {
	_, ts := newTestServer(t, time.Second, constants.DefaultHandshakeTimeout)
	conn := dialWS(t, ts)

	readHello(t, conn)
	sendFrame(t, conn, protocol.OpHeartbeat, nil)
	expectClose(t, conn, protocol.CloseBadState)
}

func TestUndecodableFrame_Rejected(t *testing.T) {
	_, ts := newTestServer(t, time.Second, constants.DefaultHandshakeTimeout)
	conn := dialWS(t, ts)

	readHello(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	expectClose(t, conn, protocol.CloseDecodeError)
}

func TestResume_Unsupported(t *testing.T) {
	_, ts := newTestServer(t, time.Second, constants.DefaultHandshakeTimeout)
	conn := dialWS(t, ts)

	hello := readHello(t, conn)
	identify(t, conn, hello.Nonce)

	sendFrame(t, conn, protocol.OpResume, nil)
	expectClose(t, conn, protocol.CloseGeneral)
}

func TestHeartbeat_AckAndEviction(t *testing.T) {
	s, ts := newTestServer(t, 100*time.Millisecond, constants.DefaultHandshakeTimeout)
	conn := dialWS(t, ts)

	hello := readHello(t, conn)
	identify(t, conn, hello.Nonce)

	// Beat well inside the window a few times and expect acks.
	for i := 0; i < 3; i++ {
		sendFrame(t, conn, protocol.OpHeartbeat, nil)
		msg := readFrame(t, conn)
		require.Equal(t, protocol.OpHeartbeatACK, msg.Op)
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, 1, s.Store.Count())

	// Then go silent past interval × grace and expect the dedicated close
	// code within a sweep.
	expectClose(t, conn, protocol.CloseHeartbeatExpired)
	assert.Eventually(t, func() bool { return s.Store.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRelay_BetweenSessions(t *testing.T) {
	s, ts := newTestServer(t, time.Second, constants.DefaultHandshakeTimeout)

	connA := dialWS(t, ts)
	helloA := readHello(t, connA)
	identify(t, connA, helloA.Nonce)
	idA := onlySessionID(t, s)

	connB := dialWS(t, ts)
	helloB := readHello(t, connB)
	identify(t, connB, helloB.Nonce)

	var idB string
	s.Store.Range(func(sess *session.Session) bool {
		if sess.ID != idA {
			idB = sess.ID
			return false
		}
		return true
	})
	require.NotEmpty(t, idB)

	sendFrame(t, connA, protocol.OpInfo, protocol.InfoData{
		Type:   0,
		Target: idB,
		Data:   json.RawMessage(`{"channel_id":42}`),
	})

	msg := readFrame(t, connB)
	require.Equal(t, protocol.OpInfo, msg.Op)
	var info protocol.InfoData
	require.NoError(t, json.Unmarshal(msg.D, &info))
	assert.JSONEq(t, `{"channel_id":42}`, string(info.Data))
	assert.Equal(t, idB, info.Target)
}

// stallConn simulates a peer whose TCP window is full: control writes block
// until the write deadline would fire.
type stallConn struct {
	delay time.Duration
}

func (c *stallConn) WriteMessage(int, []byte) error { return nil }
func (c *stallConn) WriteControl(int, []byte, time.Time) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return nil
}
func (c *stallConn) Close() error { return nil }

func TestExpiry_StalledPeerDoesNotStarveSweep(t *testing.T) {
	s, _ := newTestServer(t, 50*time.Millisecond, constants.DefaultHandshakeTimeout)

	// A's peer blocks the close-frame write for far longer than the expiry
	// window.
	a := session.New(&stallConn{delay: 2 * time.Second}, "127.0.0.1", "na")
	require.NoError(t, a.Authenticate())
	s.Store.Add(a)
	s.Monitor.Register(a.ID)

	b := session.New(&stallConn{}, "127.0.0.1", "nb")
	require.NoError(t, b.Authenticate())
	s.Store.Add(b)
	s.Monitor.Register(b.ID)

	// Keep B alive until A has been expired, then let B go silent too.
	require.Eventually(t, func() bool {
		s.Monitor.Touch(b.ID)
		return !s.Monitor.Tracks(a.ID)
	}, 2*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.Eventually(t, func() bool {
		return !s.Monitor.Tracks(b.ID)
	}, 2*time.Second, 5*time.Millisecond)

	// B's eviction is bounded by its own window plus one sweep; A's stalled
	// socket must not push it out.
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestShutdown_ClosesSessionsGoingAway(t *testing.T) {
	s, ts := newTestServer(t, time.Second, constants.DefaultHandshakeTimeout)
	conn := dialWS(t, ts)

	hello := readHello(t, conn)
	identify(t, conn, hello.Nonce)

	s.Cleanup()

	expectClose(t, conn, websocket.CloseGoingAway)
	assert.Eventually(t, func() bool { return s.Store.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, time.Second, constants.DefaultHandshakeTimeout)

	rec := httptest.NewRecorder()
	s.HandleHealth(rec, httptest.NewRequest(http.MethodGet, constants.EndpointHealth, nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, 1.0, body["health"])
}
