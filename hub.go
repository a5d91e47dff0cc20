package sockethub

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/azer/debug"
	"github.com/rs/zerolog"
)

// A connection hub keeps track of all the active client connections and owns
// the Registry and Director. Everything that touches them runs on the hub
// goroutine: connection events arrive over channels, and timers, publisher
// callbacks and bridge events are posted as tasks.
type hub struct {
	register   chan *connection // Register requests from the connections.
	unregister chan *connection // Unregister requests from connections.
	inbound    chan frame       // Frames read off the connections.
	tasks      chan func()      // Work posted from other goroutines.

	// Bridge events queue here instead of on tasks, so that emitting never
	// blocks, even from a handler running on the hub goroutine.
	eventMu   sync.Mutex
	events    []func()
	eventWake chan struct{}

	shutdown     chan struct{}
	done         chan struct{}
	startOnce    sync.Once
	shutdownOnce sync.Once
	ctx          context.Context // Cancelled on shutdown
	cancel       context.CancelFunc

	// Registered connections, with the channel/subscription pairs each one
	// joined so teardown does not have to scan the registry.
	connections map[*connection]channelSet

	registry  *Registry
	director  *Director
	bridge    *EventBridge
	bridgeOff map[string]func()

	startupTime time.Time // Time hub was created
	log         zerolog.Logger
}

type frame struct {
	c    *connection
	data []byte
}

// channelSet maps channel -> subscription ids.
type channelSet map[string]map[string]struct{}

func (cs channelSet) add(channel, subID string) {
	subs, ok := cs[channel]
	if !ok {
		subs = make(map[string]struct{})
		cs[channel] = subs
	}
	subs[subID] = struct{}{}
}

func (cs channelSet) remove(channel, subID string) {
	if subID == "" {
		delete(cs, channel)
		return
	}
	if subs, ok := cs[channel]; ok {
		delete(subs, subID)
		if len(subs) == 0 {
			delete(cs, channel)
		}
	}
}

func newHub(reg *Registry, d *Director, bridge *EventBridge, log zerolog.Logger) *hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &hub{
		register:    make(chan *connection),
		unregister:  make(chan *connection),
		inbound:     make(chan frame),
		tasks:       make(chan func()),
		eventWake:   make(chan struct{}, 1),
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		connections: make(map[*connection]channelSet),
		registry:    reg,
		director:    d,
		bridge:      bridge,
		bridgeOff:   make(map[string]func()),
		startupTime: time.Now(),
		log:         log.With().Str("component", "hub").Logger(),
	}
	d.post = func(f func()) { h.post(f) }
	d.onSendError = h.sendFailed
	return h
}

// Start runs the hub loop in its own goroutine. Calling it more than once
// is a no-op.
func (h *hub) Start() {
	h.startOnce.Do(func() { go h.run() })
}

// Shutdown closes every connection and stops the loop, waiting for it to
// exit. It is safe to call more than once.
func (h *hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		h.cancel()
		close(h.shutdown)
	})
	<-h.done
}

func (h *hub) run() {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			debug.Debug("connection told us to unregister " + c.id)
			h.remove(c)
		case f := <-h.inbound:
			h.handle(f.c, f.data)
		case fn := <-h.tasks:
			h.runEvents() // events emitted before fn was posted run first
			fn()
		case <-h.eventWake:
			h.runEvents()
		case <-h.shutdown:
			for c := range h.connections {
				h.remove(c)
			}
			for ch, off := range h.bridgeOff {
				off()
				delete(h.bridgeOff, ch)
			}
			return
		}
	}
}

// post queues fn to run on the hub goroutine. It reports false once the
// hub has stopped. Never call it from the hub goroutine.
func (h *hub) post(fn func()) bool {
	select {
	case h.tasks <- fn:
		return true
	case <-h.done:
		return false
	}
}

// do runs fn on the hub goroutine and waits for it to finish.
func (h *hub) do(fn func()) bool {
	ran := make(chan struct{})
	if !h.post(func() { fn(); close(ran) }) {
		return false
	}
	<-ran
	return true
}

// postEvent queues fn to run on the hub goroutine without blocking.
// Queued events run in order.
func (h *hub) postEvent(fn func()) {
	h.eventMu.Lock()
	h.events = append(h.events, fn)
	h.eventMu.Unlock()
	select {
	case h.eventWake <- struct{}{}:
	default:
	}
}

func (h *hub) runEvents() {
	h.eventMu.Lock()
	queued := h.events
	h.events = nil
	h.eventMu.Unlock()
	for _, fn := range queued {
		fn()
	}
}

func (h *hub) registerConn(c *connection) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *hub) unregisterConn(c *connection) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *hub) inboundFrame(c *connection, data []byte) bool {
	select {
	case h.inbound <- frame{c, data}:
		return true
	case <-h.done:
		return false
	}
}

func (h *hub) add(c *connection) {
	if _, ok := h.connections[c]; ok {
		return
	}
	debug.Debug("new connection being registered " + c.id)
	h.connections[c] = make(channelSet)
	h.registerIdentity(c)
	h.director.sendUntracked(c, &Message{Type: TypeWelcome, ConnectionID: c.id})
}

func (h *hub) registerIdentity(c *connection) {
	if c.identity == nil {
		return
	}
	if c.identity.Key != "" {
		if err := h.registry.RegisterUserKey(c.identity.Key, c); err != nil {
			h.log.Error().Err(err).Str("conn", c.id).Msg("register user key")
		}
	}
	if c.identity.Record != nil {
		if err := h.registry.RegisterUserRecord(c.identity.Record, c); err != nil {
			h.log.Warn().Err(err).Str("conn", c.id).Msg("register user record")
		}
	}
}

func (h *hub) handle(c *connection, data []byte) {
	subs, ok := h.connections[c]
	if !ok {
		return
	}
	msg := h.director.HandleMessage(c, data)
	if msg == nil {
		return
	}
	if _, live := h.connections[c]; !live {
		return // the reply failed and c was torn down
	}
	switch msg.Type {
	case TypeSubscribe:
		if msg.Channel != "" && msg.SubID != "" && h.registry.HasChannel(msg.Channel) {
			subs.add(msg.Channel, msg.SubID)
			h.attachBridge(msg.Channel)
		}
	case TypeUnsubscribe:
		subs.remove(msg.Channel, msg.SubID)
		h.pruneBridge(msg.Channel)
	}
}

// remove tears a connection down: it leaves every channel, drops its user
// tags and pending acks, and closes its send channel. Removing a
// connection that is not registered is a no-op.
func (h *hub) remove(c *connection) {
	subs, ok := h.connections[c]
	if !ok {
		return
	}
	delete(h.connections, c)

	// Handlers may subscribe through the Registry directly, so the side
	// index alone does not cover everything c joined.
	left := h.registry.RemoveConn(c)
	for _, ch := range left {
		h.pruneBridge(ch)
	}
	for ch := range subs {
		h.pruneBridge(ch)
	}
	h.registry.RemoveUserConn(c)
	dropped := h.director.DropConn(c)
	c.close()

	h.log.Debug().Str("conn", c.id).Int("channels", len(left)).Int("pending", dropped).Msg("connection removed")
}

func (h *hub) sendFailed(c Conn, err error) {
	hc, ok := c.(*connection)
	if !ok {
		return
	}
	if err == ErrSlowConsumer {
		debug.Debug("cant pass to a connection send chan, buffer is full -- kill it with fire")
	}
	h.log.Warn().Err(err).Str("conn", hc.id).Msg("closing connection")
	h.remove(hc)
}

// attachBridge starts routing bridge events for channel into the loop.
func (h *hub) attachBridge(channel string) {
	if _, ok := h.bridgeOff[channel]; ok {
		return
	}
	h.bridgeOff[channel] = h.bridge.On(channel, func(e Event) {
		msg := &Message{Type: e.Type, Channel: channel, SubID: e.SubID, Payload: e.Payload}
		if msg.Type == "" {
			msg.Type = TypeAnnounce
		}
		h.postEvent(func() { h.director.Announce(nil, msg, channel, e.SubID) })
	})
}

// pruneBridge detaches the bridge listener once channel has no
// subscriptions left.
func (h *hub) pruneBridge(channel string) {
	if h.registry.HasChannel(channel) {
		return
	}
	if off, ok := h.bridgeOff[channel]; ok {
		off()
		delete(h.bridgeOff, channel)
	}
}

// closeUser force-closes every connection registered under userTag.
func (h *hub) closeUser(userTag string) int {
	n := 0
	for _, c := range h.registry.UserConns(userTag) {
		if hc, ok := c.(*connection); ok {
			if _, live := h.connections[hc]; live {
				h.remove(hc)
				n++
			}
		}
	}
	return n
}

func (h *hub) connStatuses() connStatusList {
	cl := make(connStatusList, 0, len(h.connections))
	for c, subs := range h.connections {
		st := c.Status()
		st.Channels = make([]string, 0, len(subs))
		for ch := range subs {
			st.Channels = append(st.Channels, ch)
		}
		sort.Strings(st.Channels)
		cl = append(cl, st)
	}
	sort.Sort(cl)
	return cl
}
