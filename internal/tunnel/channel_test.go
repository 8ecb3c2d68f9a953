package tunnel

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newWSChannelPair brings up a real WebSocket connection over httptest and
// wraps both ends as Channels, mirroring how Server/Client establish theirs.
func newWSChannelPair(t *testing.T) (server *Channel, client *Channel, cleanup func()) {
	t.Helper()
	logger := NewLogger("test", LogLevelError)

	serverChCh := make(chan *Channel, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("server upgrade failed: %s", err)
			return
		}
		serverChCh <- NewChannel(logger, conn)
	}))

	wsURL := strings.Replace(srv.URL, "http", "ws", 1)
	u, err := url.Parse(wsURL)
	if err != nil {
		t.Fatalf("url.Parse failed: %s", err)
	}

	clientConn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("client dial failed: %s", err)
	}
	client = NewChannel(logger, clientConn)

	select {
	case server = <-serverChCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side channel")
	}

	cleanup = func() {
		client.Close(nil)
		server.Close(nil)
		srv.Close()
	}
	return server, client, cleanup
}

func TestChannelSendReceive(t *testing.T) {
	server, client, cleanup := newWSChannelPair(t)
	defer cleanup()

	frame := &Frame{Type: FrameTypeRegister, Register: &RegisterPayload{LocalPort: 1, PublicPort: 2, Protocol: ProtocolHTTP}}
	if err := client.Send(frame); err != nil {
		t.Fatalf("Send failed: %s", err)
	}

	select {
	case got := <-server.Receive():
		if got.Type != FrameTypeRegister || got.Register.LocalPort != 1 {
			t.Errorf("unexpected frame received: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestChannelCloseStopsReceive(t *testing.T) {
	server, client, cleanup := newWSChannelPair(t)
	defer cleanup()

	client.Close(nil)

	select {
	case <-server.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server channel to observe close")
	}
}
