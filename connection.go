package sockethub

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/azer/debug"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// DefaultConnBufferSize is the outbound message buffer of a connection.
	// A connection whose buffer fills up is killed.
	DefaultConnBufferSize = 256

	// DefaultReadLimit is the largest inbound frame accepted, in bytes.
	DefaultReadLimit = 64 * 1024

	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	defaultPingPeriod = 15 * time.Second
)

type connection struct {
	ws       *websocket.Conn
	r        *http.Request // The HTTP upgrade request
	id       string
	created  time.Time     // Timestamp for when connection was opened
	send     chan []byte   // Buffered channel of outbound messages
	identity *Identity     // Resolved at upgrade time, may be nil
	limiter  *rate.Limiter // Inbound rate limit, may be nil
	msgsSent atomic.Uint64 // Msgs the connection has written (all time)

	// closed is only touched by the hub goroutine.
	closed bool
}

func newConnection(ws *websocket.Conn, r *http.Request, bufSize uint) *connection {
	return &connection{
		ws:      ws,
		r:       r,
		id:      uuid.NewString(),
		created: time.Now(),
		send:    make(chan []byte, bufSize),
	}
}

// Send queues data for the writer. It never blocks: a full buffer means
// the client is not keeping up.
func (c *connection) Send(data []byte) error {
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// close tells the writer to shut down. Called by the hub only.
func (c *connection) close() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

type connectionStatus struct {
	ID        string   `json:"id"`
	Path      string   `json:"request_path"`
	Created   int64    `json:"created_at"`
	ClientIP  string   `json:"client_ip"`
	UserAgent string   `json:"user_agent"`
	MsgsSent  uint64   `json:"msgs_sent"`
	Channels  []string `json:"channels"`
}

func (c *connection) Status() connectionStatus {
	st := connectionStatus{
		ID:       c.id,
		Created:  c.created.Unix(),
		MsgsSent: c.msgsSent.Load(),
	}
	if c.r != nil {
		st.Path = c.r.URL.Path
		st.ClientIP = c.r.RemoteAddr
		st.UserAgent = c.r.UserAgent()
	}
	return st
}

// writer is the event loop that writes queued messages to the websocket
// and keeps it alive with pings. It exits when the send channel is closed
// (the hub is done with us) or when a write fails, closing the socket
// either way so the reader unblocks.
func (c *connection) writer(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				debug.Debug("hub told us to shut down")
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				debug.Debug("Error writing msg to client, closing")
				return
			}
			c.msgsSent.Add(1)

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				debug.Debug("Error writing keepalive to client, closing")
				return
			}
		}
	}
}

// reader forwards inbound frames to the hub until the socket fails, then
// unregisters the connection.
func (c *connection) reader(ctx context.Context, h *hub, readLimit int64) {
	defer h.unregisterConn(c)

	c.ws.SetReadLimit(readLimit)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("conn", c.id).Msg("unexpected close")
			}
			return
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
		}
		if !h.inboundFrame(c, data) {
			return
		}
	}
}
