package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServer serves one handler per upgraded connection.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// drainServer reads until the peer goes away so control frames are handled.
func drainServer(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// connectClient dials server with cfg and closes the client on cleanup.
func connectClient(t *testing.T, server *httptest.Server, cfg ClientConfig) Client {
	t.Helper()
	cfg.URL = wsURL(server)
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = time.Second
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 16
	}

	c := NewClient(cfg, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_ConnectAndClose(t *testing.T) {
	server := mockWSServer(t, drainServer)
	defer server.Close()

	c := connectClient(t, server, ClientConfig{PingTimeout: 30 * time.Second})
	if !c.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	select {
	case <-c.Done():
	default:
		t.Error("Done not closed after Close")
	}

	if err := c.Connect(context.Background()); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Connect() after Close = %v, want ErrAlreadyClosed", err)
	}
}

func TestClient_Send(t *testing.T) {
	got := make(chan string, 1)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		got <- string(msg)
		drainServer(conn)
	})
	defer server.Close()

	c := connectClient(t, server, ClientConfig{})

	frame := `{"header":{"tr_type":"1"}}`
	if err := c.Send([]byte(frame)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case msg := <-got:
		if msg != frame {
			t.Errorf("server received %q, want %q", msg, frame)
		}
	case <-time.After(time.Second):
		t.Fatal("server did not receive the frame")
	}
}

func TestClient_SendNotConnected(t *testing.T) {
	c := NewClient(ClientConfig{URL: "ws://localhost:1", BufferSize: 1}, nil)

	if err := c.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestClient_Messages(t *testing.T) {
	frames := []string{
		"0|H0STCNT0|001|005930^090000^71000",
		`{"header":{"tr_id":"PINGPONG"}}`,
		"0|H0STCNT0|001|000660^090001^132500",
	}

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		drainServer(conn)
	})
	defer server.Close()

	c := connectClient(t, server, ClientConfig{PingTimeout: 30 * time.Second})

	for i, want := range frames {
		select {
		case msg := <-c.Messages():
			if string(msg.Data) != want {
				t.Errorf("frame %d = %q, want %q", i, msg.Data, want)
			}
			if msg.ReceivedAt.IsZero() {
				t.Errorf("frame %d has zero ReceivedAt", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for frame %d", i)
		}
	}
}

func TestClient_AnswersServerPing(t *testing.T) {
	pong := make(chan string, 1)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.SetPongHandler(func(data string) error {
			pong <- data
			return nil
		})
		if err := conn.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second)); err != nil {
			return
		}
		drainServer(conn)
	})
	defer server.Close()

	c := connectClient(t, server, ClientConfig{PingTimeout: 30 * time.Second})

	select {
	case data := <-pong:
		if data != "hb" {
			t.Errorf("pong payload = %q, want hb", data)
		}
	case <-time.After(time.Second):
		t.Fatal("no pong received")
	}
	if !c.IsConnected() {
		t.Error("client disconnected after ping")
	}
}

func TestClient_ServerCloseReportsError(t *testing.T) {
	// The handler returns at once and the deferred Close drops the socket.
	server := mockWSServer(t, func(conn *websocket.Conn) {})
	defer server.Close()

	c := connectClient(t, server, ClientConfig{})

	select {
	case err := <-c.Errors():
		if err == nil {
			t.Error("Errors() delivered nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connection error")
	}
}

func TestClient_StaleConnection(t *testing.T) {
	server := mockWSServer(t, drainServer)
	defer server.Close()

	c := connectClient(t, server, ClientConfig{
		PingInterval: time.Hour,
		PingTimeout:  50 * time.Millisecond,
	})

	select {
	case err := <-c.Errors():
		if !errors.Is(err, ErrStaleConnection) {
			t.Errorf("error = %v, want ErrStaleConnection", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for stale detection")
	}
	if c.IsConnected() {
		t.Error("stale client still reports connected")
	}
}

func TestClient_TrafficKeepsConnectionAlive(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for range 30 {
			<-ticker.C
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"header":{"tr_id":"PINGPONG"}}`)); err != nil {
				return
			}
		}
		drainServer(conn)
	})
	defer server.Close()

	c := connectClient(t, server, ClientConfig{
		PingInterval: time.Hour,
		PingTimeout:  100 * time.Millisecond,
		BufferSize:   64,
	})

	select {
	case err := <-c.Errors():
		t.Fatalf("unexpected error while traffic flows: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	if !c.IsConnected() {
		t.Error("IsConnected() = false while traffic flows")
	}
}

func TestDefaultConfigs(t *testing.T) {
	clientCfg := DefaultClientConfig()
	if clientCfg.PingTimeout != 90*time.Second {
		t.Errorf("PingTimeout = %v, want 90s", clientCfg.PingTimeout)
	}
	if clientCfg.BufferSize != 1000 {
		t.Errorf("BufferSize = %d, want 1000", clientCfg.BufferSize)
	}

	mgrCfg := DefaultManagerConfig()
	if mgrCfg.TRID != "H0STCNT0" {
		t.Errorf("TRID = %s, want H0STCNT0", mgrCfg.TRID)
	}
	if mgrCfg.MaxReconnectFailures != 3 {
		t.Errorf("MaxReconnectFailures = %d, want 3", mgrCfg.MaxReconnectFailures)
	}
	if mgrCfg.MinCallInterval != 100*time.Millisecond {
		t.Errorf("MinCallInterval = %v, want 100ms", mgrCfg.MinCallInterval)
	}
}
