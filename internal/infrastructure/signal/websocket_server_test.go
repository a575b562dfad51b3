package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fivecall/internal/core/domain"
	"fivecall/internal/infrastructure/middleware"
	"fivecall/internal/infrastructure/repositories/memory"
	"fivecall/pkg/retry"
	"fivecall/pkg/validation"
)

func testServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:   time.Second,
		PongTimeout:    2 * time.Second,
		WriteTimeout:   time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     32,
	}
}

func newRelayServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop().Sugar()
	hub := NewHub(memory.NewReplayStore(testRetention), nil, HubConfig{}, logger)
	ws := NewWebSocketServer(hub, validation.NewPasscodeValidator(6), testServerConfig(), nil, logger)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	ws.RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return srv, hub
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dialRoom(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, path), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) domain.RelayMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg domain.RelayMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWebSocketServer_RejectsInvalidPasscode(t *testing.T) {
	srv, _ := newRelayServer(t)

	for _, passcode := range []string{"12", "abcdef", "1234567"} {
		resp, err := http.Get(srv.URL + "/room/" + passcode)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, passcode)
	}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/room/12ab56"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketServer_RequiresUpgrade(t *testing.T) {
	srv, _ := newRelayServer(t)

	resp, err := http.Get(srv.URL + "/room/123456")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestWebSocketServer_RelaysBetweenPeers(t *testing.T) {
	srv, hub := newRelayServer(t)

	a := dialRoom(t, srv, "/room/123456")
	assert.Equal(t, domain.MessageTypeConnected, readMessage(t, a).Type)
	assert.Equal(t, 1, *readMessage(t, a).Count)

	b := dialRoom(t, srv, "/room/123456/")
	assert.Equal(t, domain.MessageTypeConnected, readMessage(t, b).Type)
	assert.Equal(t, 2, *readMessage(t, b).Count)
	assert.Equal(t, 2, *readMessage(t, a).Count)

	offer := `{"type":"offer","roomId":"123456","payload":{"type":"offer","sdp":"v=0"}}`
	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte(offer)))

	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := a.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, offer, string(data))

	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte(`{"type":"offer","roomId":"999999"}`)))
	assert.Equal(t, domain.ErrorInvalidFormat, readMessage(t, b).Error)

	b.Close()
	assert.Equal(t, 1, *readMessage(t, a).Count)
	require.Eventually(t, func() bool {
		return hub.Stats().Sessions == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketServer_LateJoinerGetsReplay(t *testing.T) {
	srv, hub := newRelayServer(t)

	a := dialRoom(t, srv, "/room/123456")
	readMessage(t, a)
	readMessage(t, a)

	offer := `{"type":"offer","roomId":"123456","payload":{"sdp":"v=0"}}`
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(offer)))
	require.Eventually(t, func() bool {
		n, err := hub.store.Len(context.Background(), "123456")
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
	a.Close()

	b := dialRoom(t, srv, "/room/123456")
	assert.Equal(t, domain.MessageTypeConnected, readMessage(t, b).Type)

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := b.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, offer, string(data))
}

func testDialerConfig() DialerConfig {
	return DialerConfig{
		PingInterval:   time.Second,
		PongTimeout:    2 * time.Second,
		WriteTimeout:   time.Second,
		MaxMessageSize: 64 * 1024,
		Retry: retry.Config{
			Enabled:      true,
			MaxAttempts:  2,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			Multiplier:   2,
		},
	}
}

func receive(t *testing.T, ch <-chan domain.RelayMessage) domain.RelayMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "relay channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay message")
		return domain.RelayMessage{}
	}
}

func TestDialer_RoundTrip(t *testing.T) {
	srv, _ := newRelayServer(t)
	dialer := NewDialer(srv.URL, testDialerConfig(), zap.NewNop().Sugar())

	first, err := dialer.Dial(context.Background(), "123456")
	require.NoError(t, err)
	defer first.Close()
	assert.Equal(t, domain.MessageTypeConnected, receive(t, first.Incoming()).Type)
	assert.Equal(t, 1, *receive(t, first.Incoming()).Count)

	second, err := dialer.Dial(context.Background(), "123456")
	require.NoError(t, err)
	receive(t, second.Incoming())
	assert.Equal(t, 2, *receive(t, second.Incoming()).Count)
	assert.Equal(t, 2, *receive(t, first.Incoming()).Count)

	payload := json.RawMessage(`{"candidate":"candidate:1 1 udp 1 127.0.0.1 5000 typ host"}`)
	require.NoError(t, second.Send(domain.RelayMessage{Type: domain.MessageTypeCandidate, RoomID: "123456", Payload: payload}))

	got := receive(t, first.Incoming())
	assert.Equal(t, domain.MessageTypeCandidate, got.Type)
	assert.JSONEq(t, string(payload), string(got.Payload))

	require.NoError(t, second.Close())
	assert.Equal(t, 1, *receive(t, first.Incoming()).Count)
	assert.ErrorIs(t, second.Send(domain.RelayMessage{Type: "offer", RoomID: "123456"}), domain.ErrSessionClosed)
}

func TestDialer_RejectedPasscodeIsNotRetried(t *testing.T) {
	srv, _ := newRelayServer(t)
	dialer := NewDialer(srv.URL, testDialerConfig(), zap.NewNop().Sugar())

	_, err := dialer.Dial(context.Background(), "12")
	assert.ErrorIs(t, err, domain.ErrInvalidRoomID)
	assert.NotErrorIs(t, err, domain.ErrRelayUnavailable)
}

func TestDialer_UnreachableRelay(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	dialer := NewDialer(url, testDialerConfig(), zap.NewNop().Sugar())
	_, err := dialer.Dial(context.Background(), "123456")
	assert.ErrorIs(t, err, domain.ErrRelayUnavailable)
}

func TestDialer_RoomURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{base: "http://localhost:8080", want: "ws://localhost:8080/room/123456"},
		{base: "https://relay.example.com/", want: "wss://relay.example.com/room/123456"},
		{base: "ws://10.0.0.1:9000", want: "ws://10.0.0.1:9000/room/123456"},
	}

	for _, tt := range tests {
		d := NewDialer(tt.base, testDialerConfig(), zap.NewNop().Sugar())
		got, err := d.RoomURL("123456")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
