package protocol

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeServer is a minimal stand-in for the browser's debug endpoint:
// it echoes {"id":..,"result":{"ok":true}} for any request, and lets
// the test push arbitrary events on demand.
type fakeServer struct {
	upgrader websocket.Upgrader
	srv      *httptest.Server
	connCh   chan *websocket.Conn
}

func newFakeServer() *fakeServer {
	f := &fakeServer{connCh: make(chan *websocket.Conn, 1)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.connCh <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.ID != 0 {
				reply := Message{ID: msg.ID, Result: json.RawMessage(`{"ok":true}`)}
				_ = conn.WriteJSON(reply)
			}
		}
	}))
	return f
}

func (f *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/debug"
}

func (f *fakeServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.connCh:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted a connection")
		return nil
	}
}

func (f *fakeServer) close() {
	f.srv.Close()
}

func connectClient(t *testing.T, wsURL string) *Client {
	t.Helper()
	resolver := func(ctx context.Context) (string, error) { return wsURL, nil }
	c, err := Connect(context.Background(), resolver, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCallRoundTrip(t *testing.T) {
	f := newFakeServer()
	defer f.close()
	c := connectClient(t, f.wsURL())

	result, err := c.Call(context.Background(), "Target.getTargets", nil, "")
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(result))
}

func TestCallTimesOutWithoutReply(t *testing.T) {
	// Server that never replies.
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/debug"
	c := connectClient(t, wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, "Network.enable", nil, "")
	require.ErrorIs(t, err, ErrTimeout)
}

func TestSubscribeSessionScoping(t *testing.T) {
	f := newFakeServer()
	defer f.close()
	c := connectClient(t, f.wsURL())
	serverConn := f.conn(t)

	taggedCh, cancelTagged := c.SubscribeSession("Page.loadEventFired", "sessionA")
	defer cancelTagged()
	untaggedCh, cancelUntagged := c.Subscribe("Page.loadEventFired")
	defer cancelUntagged()
	anyCh, cancelAny := c.SubscribeAny("Page.loadEventFired")
	defer cancelAny()

	require.NoError(t, serverConn.WriteJSON(Message{Method: "Page.loadEventFired", SessionID: "sessionA"}))
	require.NoError(t, serverConn.WriteJSON(Message{Method: "Page.loadEventFired"}))

	// Tagged subscriber sees only the sessionA event.
	select {
	case ev := <-taggedCh:
		require.Equal(t, "sessionA", ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("tagged subscriber never received event")
	}

	// Untagged subscriber sees only the untagged event.
	select {
	case ev := <-untaggedCh:
		require.Equal(t, "", ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("untagged subscriber never received event")
	}

	// Any subscriber sees both.
	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-anyCh:
			seen[ev.SessionID]++
		case <-time.After(time.Second):
			t.Fatalf("any subscriber only received %d/2 events", i)
		}
	}
	require.Equal(t, 1, seen[""])
	require.Equal(t, 1, seen["sessionA"])
}

func TestDisconnectDrainsPendingAndSubscribers(t *testing.T) {
	// Server that never replies, so the call below stays pending until
	// the server side of the websocket is closed. httptest.Server.Close
	// does not close hijacked connections, so the test keeps the
	// server's conn and closes it directly.
	var upgrader websocket.Upgrader
	connCh := make(chan *websocket.Conn, 1)
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			select {
			case received <- struct{}{}:
			default:
			}
		}
	}))
	defer srv.Close()
	c := connectClient(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/debug")
	serverConn := <-connCh

	evCh, _ := c.Subscribe("Page.loadEventFired")

	var disconnectErr error
	done := make(chan struct{})
	c.OnDisconnect(func(err error) {
		disconnectErr = err
		close(done)
	})

	callErrCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "Network.enable", nil, "")
		callErrCh <- err
	}()

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("call never reached the server")
	}
	require.NoError(t, serverConn.Close()) // sever the connection from the server side

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect never fired")
	}
	require.ErrorIs(t, disconnectErr, ErrDisconnected)

	select {
	case err := <-callErrCh:
		require.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never unblocked")
	}

	_, stillOpen := <-evCh
	require.False(t, stillOpen, "subscriber channel should be closed on disconnect")
}
