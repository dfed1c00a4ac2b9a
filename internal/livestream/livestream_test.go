package livestream

import (
	"bufio"
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

	"notifyhub/internal/notification"
	"notifyhub/internal/presence"
	logx "notifyhub/pkg/logx"
)

func newTestServer(t *testing.T, cfg Config) (*Hub, *presence.Registry, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := presence.NewRegistry()
	hub := NewHub(cfg, reg, logx.Nop())
	r := gin.New()
	r.GET("/sse", func(c *gin.Context) {
		hub.ServeSSE(c, c.Query("user"), c.Query("session"), c.Query("pwa") == "1")
	})
	r.GET("/ws", func(c *gin.Context) {
		hub.ServeWS(c, c.Query("user"), c.Query("session"), false)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, reg, srv
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func readSSEFrame(t *testing.T, br *bufio.Reader) notification.Frame {
	t.Helper()
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var f notification.Frame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &f))
		return f
	}
}

func TestSSEDeliversFramesAndUnregistersOnClose(t *testing.T) {
	_, reg, srv := newTestServer(t, Config{HeartbeatInterval: time.Hour})

	resp, err := http.Get(srv.URL + "/sse?user=u1&session=s1&pwa=1")
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	br := bufio.NewReader(resp.Body)

	first := readSSEFrame(t, br)
	assert.Equal(t, notification.FrameConnected, first.Type)
	assert.Equal(t, 1, reg.Stats().PWAClients)

	sessions := reg.DetailsForUser("u1")
	require.Len(t, sessions, 1)
	frame, err := notification.EncodeFrame(notification.Frame{Type: notification.FrameNotification, Data: map[string]string{"title": "Order Confirmed"}})
	require.NoError(t, err)
	require.NoError(t, sessions[0].Sink().Send(frame))

	got := readSSEFrame(t, br)
	assert.Equal(t, notification.FrameNotification, got.Type)

	require.NoError(t, resp.Body.Close())
	waitFor(t, func() bool { return reg.Stats().TotalClients == 0 })
}

func TestSSEEndsWhenSessionUnregistered(t *testing.T) {
	hub, reg, srv := newTestServer(t, Config{HeartbeatInterval: 20 * time.Millisecond})

	resp, err := http.Get(srv.URL + "/sse?user=u1&session=s1")
	require.NoError(t, err)
	defer resp.Body.Close()
	br := bufio.NewReader(resp.Body)
	assert.Equal(t, notification.FrameConnected, readSSEFrame(t, br).Type)

	reg.Unregister("s1")
	waitFor(t, func() bool {
		_, err := br.ReadString('\n')
		return err != nil
	})
	require.NoError(t, hub.Wait(t.Context()))
}

func TestWebSocketHeartbeatAndActivity(t *testing.T) {
	_, reg, srv := newTestServer(t, Config{HeartbeatInterval: 30 * time.Millisecond})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user=u7&session=w1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	var f notification.Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, notification.FrameConnected, f.Type)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "activity"}))

	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, notification.FrameHeartbeat, f.Type)
	assert.Equal(t, 1, reg.Stats().ActiveClients)

	require.NoError(t, conn.Close())
	waitFor(t, func() bool { return reg.Stats().TotalClients == 0 })
}

func TestSinkRejectsWhenFullOrClosed(t *testing.T) {
	s := newSink(1)
	require.NoError(t, s.Send([]byte("a")))
	assert.ErrorIs(t, s.Send([]byte("b")), ErrStreamFull)
	s.Close()
	assert.ErrorIs(t, s.Send([]byte("c")), ErrStreamClosed)
	assert.Equal(t, uint64(1), s.dropped.Load())
}

func TestCheckOrigin(t *testing.T) {
	hub := NewHub(Config{AllowedOrigins: []string{"https://app.example"}}, presence.NewRegistry(), logx.Nop())
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, hub.checkOrigin(req))
	req.Header.Set("Origin", "https://APP.example")
	assert.True(t, hub.checkOrigin(req))
}

func TestWebSocketRefusesSessionOfAnotherUser(t *testing.T) {
	_, reg, srv := newTestServer(t, Config{HeartbeatInterval: time.Hour})
	reg.Register("u1", "w1", false, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user=u2&session=w1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Len(t, reg.DetailsForUser("u1"), 1)
	assert.Empty(t, reg.DetailsForUser("u2"))
}

func TestReconnectWithSameSessionEndsOldStream(t *testing.T) {
	_, reg, srv := newTestServer(t, Config{HeartbeatInterval: time.Hour})

	old, err := http.Get(srv.URL + "/sse?user=u1&session=s1")
	require.NoError(t, err)
	defer old.Body.Close()
	oldBr := bufio.NewReader(old.Body)
	assert.Equal(t, notification.FrameConnected, readSSEFrame(t, oldBr).Type)

	fresh, err := http.Get(srv.URL + "/sse?user=u1&session=s1")
	require.NoError(t, err)
	defer fresh.Body.Close()
	assert.Equal(t, notification.FrameConnected, readSSEFrame(t, bufio.NewReader(fresh.Body)).Type)

	waitFor(t, func() bool {
		_, err := oldBr.ReadString('\n')
		return err != nil
	})
	assert.Equal(t, 1, reg.Stats().TotalClients)
}
