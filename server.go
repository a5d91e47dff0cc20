package sockethub

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mroth/sockethub/internal/clock"
)

// Server is the primary interface to a pub/sub websocket server.
//
// Clients connect over a websocket, subscribe to channels and announce
// messages to each other. The host process can push messages to a channel
// with Emit, close a user's connections with CloseUser, and adjust delivery
// while running with SetDeliveryOptions.
//
// Server implements the http.Handler interface, and can be mounted into
// existing HTTP routing muxes at whatever path clients should upgrade on.
type Server struct {
	hub      *hub
	upgrader websocket.Upgrader
	conf     serverConfig
	log      zerolog.Logger

	closeOnce   sync.Once
	unsubscribe func()
}

// serverConfig defines configurable options that can be customized for a Server.
type serverConfig struct {
	ConnBufSize uint          // message buffer count for new connections
	ReadLimit   int64         // largest inbound frame in bytes
	PingPeriod  time.Duration // websocket keepalive interval

	delivery       DeliveryOptions
	handlers       map[string]HandlerFunc
	passThrough    []string
	publisher      Publisher
	subscriber     Subscriber
	topic          string
	publishTimeout time.Duration

	userProps []string
	identity  IdentityResolver

	rateLimit   rate.Limit
	rateBurst   int
	checkOrigin func(r *http.Request) bool

	bridge *EventBridge
	clock  clock.Clock
	log    zerolog.Logger
}

// Identity is who a connection belongs to. Key is registered as a user tag
// as is; Record is keyed by the configured user props.
type Identity struct {
	Key    string
	Record UserRecord
}

// IdentityResolver resolves the identity of an upgrade request. Returning
// nil registers the connection anonymously. An error is logged and the
// connection proceeds anonymously.
type IdentityResolver func(r *http.Request) (*Identity, error)

// Subscriber subscribes to an external pub/sub topic. Frames received on
// it are delivered to local connections. The returned func cancels the
// subscription.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler func(data []byte)) (unsubscribe func(), err error)
}

// NewServer creates a new Server with optional ServerOptions for configuration.
func NewServer(opts ...ServerOption) (*Server, error) {
	s := &Server{
		conf: serverConfig{
			ConnBufSize: DefaultConnBufferSize,
			ReadLimit:   DefaultReadLimit,
			PingPeriod:  defaultPingPeriod,
			handlers:    make(map[string]HandlerFunc),
			log:         zerolog.Nop(),
		},
	}

	// set configuration from provided options
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if err := s.conf.validate(); err != nil {
		return nil, err
	}
	s.log = s.conf.log.With().Str("component", "server").Logger()

	bridge := s.conf.bridge
	if bridge == nil {
		bridge = NewEventBridge()
	}
	reg := NewRegistry(s.conf.userProps...)
	d := newDirector(reg, directorConfig{
		delivery:       s.conf.delivery,
		handlers:       s.conf.handlers,
		passThrough:    s.conf.passThrough,
		publisher:      s.conf.publisher,
		topic:          s.conf.topic,
		publishTimeout: s.conf.publishTimeout,
		clock:          s.conf.clock,
		log:            s.conf.log,
	})
	s.hub = newHub(reg, d, bridge, s.conf.log)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.conf.checkOrigin,
	}

	// start up our actual internal connection hub
	s.hub.Start()

	if s.conf.subscriber != nil {
		unsub, err := s.conf.subscriber.Subscribe(s.hub.ctx, s.conf.topic, s.remoteFrame)
		if err != nil {
			s.hub.Shutdown()
			return nil, fmt.Errorf("sockethub: subscribe to %q: %w", s.conf.topic, err)
		}
		s.unsubscribe = unsub
	}
	return s, nil
}

func (c *serverConfig) validate() error {
	if len(c.passThrough) > 0 && c.publisher == nil {
		return fmt.Errorf("%w: pass-through message types need a publisher", ErrInvalidOption)
	}
	if (c.publisher != nil || c.subscriber != nil) && c.topic == "" {
		return fmt.Errorf("%w: publisher and subscriber need a topic", ErrInvalidOption)
	}
	return nil
}

// remoteFrame is the external subscription handler.
func (s *Server) remoteFrame(data []byte) {
	frame := append([]byte(nil), data...)
	s.hub.post(func() { s.hub.director.HandleRemote(frame) })
}

// ServeHTTP implements the http.Handler interface by upgrading the request
// to a websocket and serving it until either side closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.hub.done:
		http.Error(w, "503 server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ident := s.resolveIdentity(r)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.log.Debug().Err(err).Str("remote", clientIP(r)).Msg("upgrade failed")
		return
	}

	c := newConnection(ws, r, s.conf.ConnBufSize)
	c.identity = ident
	if s.conf.rateLimit > 0 {
		c.limiter = rate.NewLimiter(s.conf.rateLimit, s.conf.rateBurst)
	}

	s.log.Info().Str("conn", c.id).Str("remote", clientIP(r)).Str("path", r.URL.Path).Msg("CONNECT")
	if !s.hub.registerConn(c) {
		ws.Close()
		return
	}
	go c.writer(s.conf.PingPeriod)
	c.reader(s.hub.ctx, s.hub, s.conf.ReadLimit)
	s.log.Info().Str("conn", c.id).Dur("duration", time.Since(c.created)).Msg("DISCONNECT")
}

func (s *Server) resolveIdentity(r *http.Request) (ident *Identity) {
	if s.conf.identity == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			s.log.Error().Interface("panic", p).Msg("identity resolver panicked")
			ident = nil
		}
	}()
	ident, err := s.conf.identity(r)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", clientIP(r)).Msg("could not resolve identity")
		return nil
	}
	return ident
}

// clientIP prefers the X-Real-IP header set by a fronting proxy.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Emit pushes a message of type msgType (announce when empty) to the
// subscribers of channel, or of (channel, subID) when subID is set. It
// reports whether the channel had any subscribers. It never blocks, so it
// is safe to call from a HandlerFunc; delivery happens once the handler
// returns.
func (s *Server) Emit(channel, subID, msgType string, payload any) (bool, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return false, err
		}
		raw = b
	}
	return s.hub.bridge.Emit(channel, Event{SubID: subID, Type: msgType, Payload: raw}), nil
}

// Bridge returns the server's EventBridge.
func (s *Server) Bridge() *EventBridge { return s.hub.bridge }

// CloseUser force-closes every connection registered under userTag and
// returns how many were closed.
func (s *Server) CloseUser(userTag string) int {
	var n int
	s.hub.do(func() { n = s.hub.closeUser(userTag) })
	return n
}

// IsUserOnline reports whether userTag has a local connection.
func (s *Server) IsUserOnline(userTag string) bool {
	var online bool
	s.hub.do(func() { online = s.hub.registry.IsUserOnline(userTag) })
	return online
}

// Info returns a registry and acknowledgement snapshot for channel, or for
// every channel when empty.
func (s *Server) Info(channel string, detail bool) (Info, error) {
	var info Info
	if !s.hub.do(func() { info = s.hub.director.Info(channel, detail) }) {
		return Info{}, ErrServerClosed
	}
	return info, nil
}

// SetDeliveryOptions replaces the delivery options of a running server.
func (s *Server) SetDeliveryOptions(o DeliveryOptions) error {
	if !s.hub.do(func() { s.hub.director.SetDeliveryOptions(o) }) {
		return ErrServerClosed
	}
	return nil
}

// DeliveryOptions returns the current delivery options.
func (s *Server) DeliveryOptions() DeliveryOptions {
	var o DeliveryOptions
	if !s.hub.do(func() { o = s.hub.director.DeliveryOptions() }) {
		return s.conf.delivery
	}
	return o
}

// Shutdown a server gracefully, closing active connections and cancelling
// the external subscription. It returns once the hub has stopped; it does
// not wait for the client sockets to finish closing.
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	})
	s.hub.Shutdown()
}
