package natsbridge

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// These tests need a running NATS server, e.g.
//
//	docker run -p 4222:4222 nats
//	SOCKETHUB_NATS_URL=nats://127.0.0.1:4222 go test ./natsbridge
func testBridge(t *testing.T) *Bridge {
	t.Helper()
	url := os.Getenv("SOCKETHUB_NATS_URL")
	if url == "" {
		t.Skip("SOCKETHUB_NATS_URL not set")
	}
	b, err := Connect(url, "sockethub-test", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestPublishSubscribe(t *testing.T) {
	b := testBridge(t)
	topic := "sockethub.test." + t.Name()

	got := make(chan []byte, 1)
	unsub, err := b.Subscribe(context.Background(), topic, func(data []byte) { got <- data })
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Publish(ctx, topic, []byte(`{"type":"announce"}`)); err != nil {
		t.Fatal(err)
	}

	select {
	case data := <-got:
		if string(data) != `{"type":"announce"}` {
			t.Errorf("unexpected payload %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}

func TestSubscribeEndsWithContext(t *testing.T) {
	b := testBridge(t)
	topic := "sockethub.test." + t.Name()

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan []byte, 1)
	unsub, err := b.Subscribe(ctx, topic, func(data []byte) { got <- data })
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	unsub() // safe after the context already ended it

	pctx, pcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer pcancel()
	if err := b.Publish(pctx, topic, []byte("late")); err != nil {
		t.Fatal(err)
	}
	select {
	case data := <-got:
		t.Errorf("received %s after unsubscribe", data)
	case <-time.After(200 * time.Millisecond):
	}
}
