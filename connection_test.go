package sockethub

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestConnectionSendBuffer(t *testing.T) {
	c := &connection{send: make(chan []byte, 2)}

	for i := 0; i < 2; i++ {
		if err := c.Send([]byte("x")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := c.Send([]byte("x")); !errors.Is(err, ErrSlowConsumer) {
		t.Errorf("full buffer: got %v want ErrSlowConsumer", err)
	}

	c.close()
	c.close() // no double close panic
	if err := c.Send([]byte("x")); !errors.Is(err, ErrConnClosed) {
		t.Errorf("closed conn: got %v want ErrConnClosed", err)
	}
}

// wsPair upgrades a request on a test server and hands the server side of
// the socket to serve, returning the client side.
func wsPair(t *testing.T, serve func(*connection)) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		serve(newConnection(ws, r, DefaultConnBufferSize))
	}))
	t.Cleanup(ts.Close)

	client, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	t.Cleanup(func() { client.Close() })
	return client
}

/*
Connection writes queued messages to the socket in order, and closes the
socket cleanly once the hub closes its send channel.
*/
func TestConnectionWriter(t *testing.T) {
	client := wsPair(t, func(c *connection) {
		c.Send([]byte(`{"n":1}`))
		c.Send([]byte(`{"n":2}`))
		c.close()
		c.writer(time.Minute) // blocks until send is closed
	})

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{`{"n":1}`, `{"n":2}`} {
		_, got, err := client.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Errorf("got %s want %s", got, want)
		}
	}
	_, _, err := client.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
}

func TestConnectionKeepalive(t *testing.T) {
	done := make(chan struct{})
	client := wsPair(t, func(c *connection) {
		go func() {
			<-done
			c.close()
		}()
		c.writer(20 * time.Millisecond)
	})

	pings := make(chan struct{}, 8)
	client.SetPingHandler(func(string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return nil
	})
	// control frames are only processed while reading
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Error("no keepalive ping received")
	}
	close(done)
}

func TestConnectionStatus(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("User-Agent", "tester")
	c := &connection{id: "abc", r: req, created: time.Unix(1000, 0)}
	c.msgsSent.Add(3)

	st := c.Status()
	if st.ID != "abc" || st.Path != "/ws" || st.UserAgent != "tester" || st.MsgsSent != 3 || st.Created != 1000 {
		t.Errorf("unexpected status %+v", st)
	}
}
