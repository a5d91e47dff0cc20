package sockethub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/mroth/sockethub/internal/clock"
)

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *httptest.Server) {
	t.Helper()
	s, err := NewServer(opts...)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		s.Shutdown()
		ts.Close()
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })

	if m := readMsg(t, ws); m.Type != TypeWelcome || m.ConnectionID == "" {
		t.Fatalf("expected welcome, got %+v", m)
	}
	return ws
}

func readMsg(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m Message
	if err := ws.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func writeFrame(t *testing.T, ws *websocket.Conn, s string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func subscribe(t *testing.T, ws *websocket.Conn, channel, subID string) Message {
	t.Helper()
	writeFrame(t, ws, `{"type":"subscribe","channel":"`+channel+`","subId":"`+subID+`"}`)
	ack := readMsg(t, ws)
	if ack.Type != TypeAck || ack.Channel != channel || ack.NumConnections == nil {
		t.Fatalf("unexpected subscribe ack %+v", ack)
	}
	return ack
}

func TestServerEndToEnd(t *testing.T) {
	_, ts := newTestServer(t)
	ws1, ws2 := dial(t, ts, nil), dial(t, ts, nil)

	subscribe(t, ws1, "chat", "room1")
	if ack := subscribe(t, ws2, "chat", "room1"); *ack.NumConnections != 2 {
		t.Errorf("numConnections: got %d want 2", *ack.NumConnections)
	}

	writeFrame(t, ws1, `{"type":"announce","channel":"chat","subId":"room1","payload":{"text":"hi"}}`)
	got := readMsg(t, ws2)
	if got.Type != TypeAnnounce || string(got.Payload) != `{"text":"hi"}` || got.ID == "" {
		t.Errorf("unexpected announce %+v", got)
	}

	// The sender's next message is the info reply, so nothing was echoed.
	writeFrame(t, ws1, `{"type":"getInfo","channel":"chat"}`)
	if info := readMsg(t, ws1); info.Type != TypeGetInfo {
		t.Errorf("expected getInfo reply, got %+v", info)
	}

	writeFrame(t, ws2, `{"type":"unsubscribe","channel":"chat"}`)
	ack := readMsg(t, ws2)
	if ack.RemovedConnectionCount == nil || *ack.RemovedConnectionCount != 1 {
		t.Errorf("unexpected unsubscribe ack %+v", ack)
	}
}

func TestServerMalformedFrame(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dial(t, ts, nil)

	writeFrame(t, ws, `{not json`)
	if m := readMsg(t, ws); m.Type != TypeError || m.Value != "Malformed message" {
		t.Errorf("unexpected reply %+v", m)
	}
	writeFrame(t, ws, `{"type":"dance"}`)
	if m := readMsg(t, ws); m.Type != TypeError || !strings.Contains(m.Value, "dance") {
		t.Errorf("unexpected reply %+v", m)
	}
}

func headerIdentity(r *http.Request) (*Identity, error) {
	user := r.Header.Get("X-User")
	if user == "" {
		return nil, errors.New("anonymous")
	}
	return &Identity{Key: user}, nil
}

func TestServerNotifyUser(t *testing.T) {
	s, ts := newTestServer(t, WithIdentityResolver(headerIdentity))
	alice := dial(t, ts, http.Header{"X-User": {"alice"}})
	bob := dial(t, ts, http.Header{"X-User": {"bob"}})
	dial(t, ts, nil)

	if !s.IsUserOnline("bob") {
		t.Fatal("bob should be online")
	}

	writeFrame(t, alice, `{"type":"notification","userTag":"bob","payload":"ping"}`)
	if m := readMsg(t, bob); m.Type != TypeNotification || string(m.Payload) != `"ping"` {
		t.Errorf("unexpected notification %+v", m)
	}

	writeFrame(t, alice, `{"type":"notification","userTag":"carol"}`)
	if m := readMsg(t, alice); m.Type != TypeUserOffline || m.UserTag != "carol" {
		t.Errorf("expected userOffline, got %+v", m)
	}
}

func TestServerCloseUser(t *testing.T) {
	s, ts := newTestServer(t, WithIdentityResolver(headerIdentity))
	bob := dial(t, ts, http.Header{"X-User": {"bob"}})

	if n := s.CloseUser("bob"); n != 1 {
		t.Errorf("CloseUser: got %d want 1", n)
	}
	bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := bob.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
	if s.IsUserOnline("bob") {
		t.Error("bob still online after CloseUser")
	}
}

func TestServerEmit(t *testing.T) {
	s, ts := newTestServer(t)
	ws := dial(t, ts, nil)
	subscribe(t, ws, "news", "front")

	ok, err := s.Emit("news", "", "", map[string]string{"headline": "go"})
	if err != nil || !ok {
		t.Fatalf("Emit: ok=%v err=%v", ok, err)
	}
	if m := readMsg(t, ws); m.Type != TypeAnnounce || m.SubID != "" || string(m.Payload) != `{"headline":"go"}` {
		t.Errorf("unexpected emitted message %+v", m)
	}

	if ok, _ := s.Emit("sports", "", "", nil); ok {
		t.Error("emit to a channel nobody joined should report false")
	}
	if _, err := s.Emit("news", "", "", make(chan int)); err == nil {
		t.Error("expected a marshal error")
	}
}

type fakeSubscriber struct {
	mu        sync.Mutex
	topic     string
	handler   func([]byte)
	cancelled bool
}

func (f *fakeSubscriber) Subscribe(_ context.Context, topic string, h func([]byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topic, f.handler = topic, h
	return func() {
		f.mu.Lock()
		f.cancelled = true
		f.mu.Unlock()
	}, nil
}

func TestServerRemoteFrames(t *testing.T) {
	sub := &fakeSubscriber{}
	var published [][]byte
	var mu sync.Mutex
	pub := PublisherFunc(func(_ context.Context, topic string, data []byte) error {
		mu.Lock()
		published = append(published, data)
		mu.Unlock()
		return nil
	})
	s, ts := newTestServer(t,
		WithPubSubTopic("fanout"),
		WithSubscriber(sub),
		WithPublisher(pub),
		WithPubSubMessageTypes("broadcast"),
	)
	if sub.topic != "fanout" {
		t.Fatalf("subscribed to %q", sub.topic)
	}

	ws := dial(t, ts, nil)
	subscribe(t, ws, "chat", "room1")
	sub.handler([]byte(`{"type":"announce","channel":"chat","subId":"room1","payload":"remote"}`))
	if m := readMsg(t, ws); m.Type != TypeAnnounce || string(m.Payload) != `"remote"` {
		t.Errorf("unexpected remote delivery %+v", m)
	}

	writeFrame(t, ws, `{"type":"broadcast","payload":1}`)
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(published)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pass-through frame was not published")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Shutdown()
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.cancelled {
		t.Error("subscription not cancelled on shutdown")
	}
}

func TestServerRetryUntilAck(t *testing.T) {
	fc := clock.Fake(testEpoch)
	_, ts := newTestServer(t,
		withClock(fc),
		WithAckMessageTypes(TypeAnnounce),
		WithResendDelay(time.Second),
	)
	sender, receiver := dial(t, ts, nil), dial(t, ts, nil)
	subscribe(t, receiver, "orders", "desk")

	writeFrame(t, sender, `{"type":"announce","channel":"orders","subId":"desk","payload":42}`)
	first := readMsg(t, receiver)
	if first.IsRetry || first.SentDateTime != "2026-01-02T03:04:05.000Z" {
		t.Fatalf("unexpected first delivery %+v", first)
	}
	// round trip through the hub so the retry timer is armed
	writeFrame(t, receiver, `{"type":"getInfo"}`)
	if m := readMsg(t, receiver); m.Type != TypeGetInfo {
		t.Fatalf("expected getInfo reply, got %+v", m)
	}

	fc.Advance(time.Second)
	retry := readMsg(t, receiver)
	if !retry.IsRetry || retry.ID != first.ID || retry.LastRetryDateTime != "2026-01-02T03:04:06.000Z" {
		t.Fatalf("unexpected retry %+v", retry)
	}

	writeFrame(t, receiver, `{"type":"ack","id":"`+first.ID+`"}`)
	// getInfo is handled after the ack, so its reply shows the backlog cleared
	writeFrame(t, receiver, `{"type":"getInfoDetail"}`)
	reply := readMsg(t, receiver)
	var info Info
	if err := json.Unmarshal(reply.Payload, &info); err != nil {
		t.Fatal(err)
	}
	if info.AwaitingAckCount != 0 {
		t.Errorf("still awaiting ack: %+v", info)
	}
}

func TestServerSetDeliveryOptions(t *testing.T) {
	s, _ := newTestServer(t, WithAckMessageTypes(TypeAnnounce))
	if got := s.DeliveryOptions(); got.ResendDelay != DefaultResendDelay || len(got.AckMessageTypes) != 1 {
		t.Errorf("unexpected initial options %+v", got)
	}
	if err := s.SetDeliveryOptions(DeliveryOptions{MaxRetries: 3}); err != nil {
		t.Fatal(err)
	}
	if got := s.DeliveryOptions(); got.MaxRetries != 3 || len(got.AckMessageTypes) != 0 {
		t.Errorf("options not applied: %+v", got)
	}
	s.Shutdown()
	if err := s.SetDeliveryOptions(DeliveryOptions{}); !errors.Is(err, ErrServerClosed) {
		t.Errorf("expected ErrServerClosed, got %v", err)
	}
	if _, err := s.Info("", false); !errors.Is(err, ErrServerClosed) {
		t.Errorf("expected ErrServerClosed, got %v", err)
	}
}

func TestServerOptionValidation(t *testing.T) {
	noop := func(Conn, *Message, *Director) {}
	var testcases = []struct {
		name string
		opts []ServerOption
	}{
		{"zero buffer", []ServerOption{WithConnBufferSize(0)}},
		{"negative retries", []ServerOption{WithMaxRetries(-1)}},
		{"zero resend delay", []ServerOption{WithResendDelay(0)}},
		{"override builtin", []ServerOption{WithHandler(TypeSubscribe, noop)}},
		{"nil handler", []ServerOption{WithHandler("custom", nil)}},
		{"pass-through without publisher", []ServerOption{WithPubSubTopic("t"), WithPubSubMessageTypes("x")}},
		{"publisher without topic", []ServerOption{WithPublisher(PublisherFunc(nil))}},
		{"bad ping period", []ServerOption{WithPingPeriod(time.Hour)}},
		{"bad rate", []ServerOption{WithInboundRateLimit(0, 1)}},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := NewServer(tc.opts...)
			if !errors.Is(err, ErrInvalidOption) {
				t.Errorf("expected ErrInvalidOption, got %v", err)
			}
			if s != nil {
				t.Error("expected nil server on error")
			}
		})
	}
}

func TestServerRejectsPlainHTTP(t *testing.T) {
	s, err := NewServer()
	if err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown()

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unexpected status code: got %v want %v", rr.Code, http.StatusBadRequest)
	}
}

func TestServer_Shutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, err := NewServer()
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(s)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	// verify calling multiple times is safe and does not hang
	for i := 0; i < 5; i++ {
		s.Shutdown()
	}

	// the client sees the server close the socket
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	ws.Close()

	// new connections are refused
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("unexpected status code after shutdown: got %v", rr.Code)
	}
	ts.Close()
}
