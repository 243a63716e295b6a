package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/dkovacs/passage/internal/broker"
	"github.com/dkovacs/passage/internal/relay"
)

type stubVerifier struct {
	appID string
	err   error
}

func (v stubVerifier) VerifyAppToken(token string) (string, error) {
	return v.appID, v.err
}

type stubGate struct {
	active bool
	err    error
}

func (g stubGate) IsActive(ctx context.Context, appID string) (bool, error) {
	return g.active, g.err
}

func newTestServer(t *testing.T, cfg Config, verifier TokenVerifier, gate AppGate) (*httptest.Server, *relay.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	b := broker.NewMemory()
	t.Cleanup(func() { b.Close() })

	sessions := relay.NewSessionStore(b, 5*time.Minute)
	engine := relay.NewEngine(b, sessions, relay.NewRegistry(), relay.EngineConfig{
		SessionTTL:     5 * time.Minute,
		MaxMessageSize: cfg.MaxMessageSize,
	})

	handler := NewHandler(engine, cfg, verifier, gate)

	router := gin.New()
	router.GET("/v1/relay", handler.Handle)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, engine
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/relay"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	sock, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })
	return sock
}

func readFrame(t *testing.T, sock *websocket.Conn) relay.Frame {
	t.Helper()
	require.NoError(t, sock.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame relay.Frame
	require.NoError(t, sock.ReadJSON(&frame))
	return frame
}

func testConfig() Config {
	return Config{
		MaxMessageSize: 4096,
		IdleTimeout:    5 * time.Second,
	}
}

func TestHandler_Greeting(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), nil, nil)

	sock := dial(t, wsURL(srv))
	greeting := readFrame(t, sock)

	require.Equal(t, relay.OpGreeting, greeting.Op)
	require.Equal(t, relay.ProtocolVersion, greeting.Version)
	require.Contains(t, greeting.Ops, relay.OpPublish)
	require.EqualValues(t, 4096, greeting.MaxMessageSize)
}

func TestHandler_PingPong(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), nil, nil)

	sock := dial(t, wsURL(srv))
	readFrame(t, sock) // greeting

	require.NoError(t, sock.WriteJSON(relay.InboundFrame{Op: relay.OpPing}))
	pong := readFrame(t, sock)
	require.Equal(t, relay.OpPong, pong.Op)
}

func TestHandler_SubscribePublishRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), nil, nil)

	c1 := dial(t, wsURL(srv))
	c2 := dial(t, wsURL(srv))
	readFrame(t, c1) // greeting
	readFrame(t, c2)

	require.NoError(t, c1.WriteJSON(relay.InboundFrame{Op: relay.OpSubscribe, Topic: "abc"}))
	ack := readFrame(t, c1)
	require.Equal(t, relay.OpAck, ack.Op)
	require.Equal(t, relay.StatePending, ack.SessionState)

	require.NoError(t, c2.WriteJSON(relay.InboundFrame{Op: relay.OpSubscribe, Topic: "abc"}))
	ack = readFrame(t, c2)
	require.Equal(t, relay.OpAck, ack.Op)
	require.Equal(t, relay.StateActive, ack.SessionState)

	msg := &relay.RelayMessage{
		Topic: "abc",
		Kind:  relay.KindRequest,
		Payload: relay.EncryptedPayload{
			Ciphertext: "Y2lwaGVydGV4dA==",
			IV:         "aXYtYnl0ZXM=",
			Tag:        "dGFnLWJ5dGVz",
		},
		TTL: 60,
	}
	require.NoError(t, c1.WriteJSON(relay.InboundFrame{Op: relay.OpPublish, Topic: "abc", Message: msg}))

	ack = readFrame(t, c1)
	require.Equal(t, relay.OpAck, ack.Op)
	require.NotEmpty(t, ack.MessageID)

	event := readFrame(t, c2)
	require.Equal(t, relay.OpEvent, event.Op)
	require.NotNil(t, event.Message)
	require.Equal(t, ack.MessageID, event.Message.ID)
	require.Equal(t, msg.Payload, event.Message.Payload)
}

func TestHandler_MalformedFrameCloses(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), nil, nil)

	sock := dial(t, wsURL(srv))
	readFrame(t, sock) // greeting

	require.NoError(t, sock.WriteMessage(websocket.TextMessage, []byte("this is not json")))

	require.NoError(t, sock.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := sock.ReadMessage()
	require.Error(t, err, "server must close after a malformed frame")
}

func TestHandler_OversizedFrameCloses(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageSize = 256
	srv, _ := newTestServer(t, cfg, nil, nil)

	sock := dial(t, wsURL(srv))
	readFrame(t, sock) // greeting

	// Far beyond the payload limit plus the frame headroom.
	huge := fmt.Sprintf(`{"op":"publish","topic":"%s"}`, strings.Repeat("x", 16384))
	require.NoError(t, sock.WriteMessage(websocket.TextMessage, []byte(huge)))

	require.NoError(t, sock.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := sock.ReadMessage()
	require.Error(t, err, "server must close when the read limit is exceeded")
}

func TestHandler_OversizedPayloadRejectedGracefully(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageSize = 256
	srv, _ := newTestServer(t, cfg, nil, nil)

	sock := dial(t, wsURL(srv))
	readFrame(t, sock) // greeting

	require.NoError(t, sock.WriteJSON(relay.InboundFrame{Op: relay.OpSubscribe, Topic: "abc"}))
	readFrame(t, sock) // ack

	// A payload just over the limit fits under the socket read limit, so it
	// reaches the engine and comes back as an error frame instead of a
	// closed connection.
	msg := &relay.RelayMessage{
		Topic: "abc",
		Kind:  relay.KindRequest,
		Payload: relay.EncryptedPayload{
			Ciphertext: strings.Repeat("A", 512),
			IV:         "aXYtYnl0ZXM=",
			Tag:        "dGFnLWJ5dGVz",
		},
		TTL: 60,
	}
	require.NoError(t, sock.WriteJSON(relay.InboundFrame{Op: relay.OpPublish, Topic: "abc", Message: msg}))

	errFrame := readFrame(t, sock)
	require.Equal(t, relay.OpError, errFrame.Op)
	require.Equal(t, relay.CodeInvalidMessage, errFrame.Code)

	// The connection survives the rejection.
	require.NoError(t, sock.WriteJSON(relay.InboundFrame{Op: relay.OpPing}))
	pong := readFrame(t, sock)
	require.Equal(t, relay.OpPong, pong.Op)
}

func TestHandler_AuthRequired(t *testing.T) {
	cfg := testConfig()
	cfg.RequireAppAuth = true

	t.Run("missing token", func(t *testing.T) {
		srv, _ := newTestServer(t, cfg, stubVerifier{appID: "app-1"}, stubGate{active: true})
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("invalid token", func(t *testing.T) {
		srv, _ := newTestServer(t, cfg, stubVerifier{err: fmt.Errorf("bad signature")}, stubGate{active: true})
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=whatever", nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("inactive application", func(t *testing.T) {
		srv, _ := newTestServer(t, cfg, stubVerifier{appID: "app-1"}, stubGate{active: false})
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=whatever", nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("registry unavailable", func(t *testing.T) {
		srv, _ := newTestServer(t, cfg, stubVerifier{appID: "app-1"}, stubGate{err: fmt.Errorf("db closed")})
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=whatever", nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("valid token via query", func(t *testing.T) {
		srv, _ := newTestServer(t, cfg, stubVerifier{appID: "app-1"}, stubGate{active: true})
		sock := dial(t, wsURL(srv)+"?token=whatever")
		greeting := readFrame(t, sock)
		require.Equal(t, relay.OpGreeting, greeting.Op)
	})

	t.Run("valid token via header", func(t *testing.T) {
		srv, _ := newTestServer(t, cfg, stubVerifier{appID: "app-1"}, stubGate{active: true})
		header := http.Header{"Authorization": []string{"Bearer whatever"}}
		sock, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
		require.NoError(t, err)
		t.Cleanup(func() { sock.Close() })
		greeting := readFrame(t, sock)
		require.Equal(t, relay.OpGreeting, greeting.Op)
	})
}

func TestHandler_DisconnectReleasesTopic(t *testing.T) {
	srv, engine := newTestServer(t, testConfig(), nil, nil)
	_ = engine

	c1 := dial(t, wsURL(srv))
	c2 := dial(t, wsURL(srv))
	readFrame(t, c1)
	readFrame(t, c2)

	for _, sock := range []*websocket.Conn{c1, c2} {
		require.NoError(t, sock.WriteJSON(relay.InboundFrame{Op: relay.OpSubscribe, Topic: "abc"}))
		readFrame(t, sock)
	}

	// Abrupt close of one peer must not break the other.
	require.NoError(t, c2.Close())
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, c1.WriteJSON(relay.InboundFrame{Op: relay.OpPing}))
	pong := readFrame(t, c1)
	require.Equal(t, relay.OpPong, pong.Op)
}
