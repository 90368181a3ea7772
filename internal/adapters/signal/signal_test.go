package signal

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Duet/internal/app"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, opts Options) (*app.Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	hub := app.NewHub(app.NewRegistry())
	ctl := NewSignalWSController(hub, opts)

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
		ctl.Wait()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func write(t *testing.T, ws *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	b, err := protocol.Encode(env)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, b))
}

func read(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func register(t *testing.T, url, identity string) *websocket.Conn {
	t.Helper()
	ws := dial(t, url)
	write(t, ws, protocol.Register(identity))
	ack := read(t, ws)
	require.Equal(t, protocol.TypeRegistrationSuccess, ack.Type)
	require.Equal(t, identity, ack.Identity)
	require.NotEmpty(t, ack.SID)
	return ws
}

func TestSignalInviteRoundTrip(t *testing.T) {
	_, url := startHub(t, DefaultOptions())
	alice := register(t, url, "alice@example.com")
	bob := register(t, url, "bob@example.com")

	write(t, alice, protocol.SendInvite("bob@example.com", "alice@example.com"))
	inv := read(t, bob)
	assert.Equal(t, protocol.TypeInvite, inv.Type)
	assert.Equal(t, "alice@example.com", inv.From)
	assert.Equal(t, protocol.TypeInviteSent, read(t, alice).Type)

	write(t, bob, protocol.AcceptInvite("alice@example.com", "bob@example.com"))
	acc := read(t, alice)
	assert.Equal(t, protocol.TypeInviteAccepted, acc.Type)
	assert.Equal(t, "bob@example.com", acc.From)
}

func TestSignalRelayStampsSender(t *testing.T) {
	_, url := startHub(t, DefaultOptions())
	alice := register(t, url, "alice@example.com")
	bob := register(t, url, "bob@example.com")

	raw := []byte(`{"type":"offer","sdp":"v=0"}`)
	env := protocol.OutboundSignal("bob@example.com", raw)
	env.From = "mallory@example.com"
	write(t, alice, env)

	got := read(t, bob)
	assert.Equal(t, protocol.TypeSignal, got.Type)
	assert.Equal(t, "alice@example.com", got.From)
	assert.JSONEq(t, string(raw), string(got.Signal))
	assert.Equal(t, protocol.TypeSignalDelivered, read(t, alice).Type)
}

func TestSignalRegisterUserAlias(t *testing.T) {
	hub, url := startHub(t, DefaultOptions())
	ws := dial(t, url)

	write(t, ws, protocol.Envelope{Type: protocol.TypeRegisterUser, Email: "carol@example.com"})
	ack := read(t, ws)
	assert.Equal(t, protocol.TypeRegistrationSuccess, ack.Type)
	assert.True(t, hub.Presence("carol@example.com"))
}

func TestSignalPingAndMalformed(t *testing.T) {
	_, url := startHub(t, DefaultOptions())
	ws := dial(t, url)

	write(t, ws, protocol.Envelope{Type: protocol.TypePing})
	assert.Equal(t, protocol.TypePong, read(t, ws).Type)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	e := read(t, ws)
	assert.Equal(t, protocol.TypeError, e.Type)

	write(t, ws, protocol.Envelope{Type: "teleport"})
	assert.Equal(t, protocol.TypeError, read(t, ws).Type)
}

func TestSignalDisconnectRemovesIdentity(t *testing.T) {
	hub, url := startHub(t, DefaultOptions())
	ws := register(t, url, "alice@example.com")
	require.True(t, hub.Presence("alice@example.com"))

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return !hub.Presence("alice@example.com") }, 2*time.Second, 10*time.Millisecond)
}

func TestSignalReRegisterEvictsOldSocket(t *testing.T) {
	hub, url := startHub(t, DefaultOptions())
	first := register(t, url, "alice@example.com")
	register(t, url, "alice@example.com")

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err, "evicted socket is closed by the hub")
	assert.True(t, hub.Presence("alice@example.com"))
	assert.Equal(t, 1, hub.Registry.Len())
}

func TestSignalSilentSocketGoesOffline(t *testing.T) {
	opts := DefaultOptions()
	opts.PingPeriod = 100 * time.Millisecond
	opts.PongWait = 300 * time.Millisecond
	hub, url := startHub(t, opts)

	// never read again, so pings go unanswered
	register(t, url, "alice@example.com")
	require.True(t, hub.Presence("alice@example.com"))

	assert.Eventually(t, func() bool { return !hub.Presence("alice@example.com") },
		2*time.Second, 20*time.Millisecond)
	_, ok := hub.Registry.Lookup("alice@example.com")
	assert.False(t, ok)
}

func TestSignalRateLimited(t *testing.T) {
	opts := DefaultOptions()
	opts.RateLimit = 2
	opts.RateInterval = time.Hour
	_, url := startHub(t, opts)
	ws := dial(t, url)

	for i := 0; i < 3; i++ {
		write(t, ws, protocol.Envelope{Type: protocol.TypePing})
	}
	assert.Equal(t, protocol.TypePong, read(t, ws).Type)
	assert.Equal(t, protocol.TypePong, read(t, ws).Type)
	e := read(t, ws)
	assert.Equal(t, protocol.TypeError, e.Type)
	assert.Equal(t, domain.ErrRateLimited.Error(), e.Message)
}

func TestSignalShutdownClosesSockets(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	ctl := NewSignalWSController(app.NewHub(app.NewRegistry()), DefaultOptions())
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	defer srv.Close()

	ws := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws")
	write(t, ws, protocol.Envelope{Type: protocol.TypePing})
	read(t, ws)

	cancel()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	done := make(chan struct{})
	go func() { ctl.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pumps did not stop")
	}
}
