package sockethub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mroth/sockethub/internal/clock"
)

// Defaults for DeliveryOptions and publishing.
const (
	DefaultResendDelay    = 5 * time.Second
	DefaultPublishTimeout = 10 * time.Second
)

// DeliveryOptions are the director settings that can be changed while
// the server is running.
type DeliveryOptions struct {
	// AckMessageTypes lists outbound message types that clients must
	// acknowledge. Unacknowledged messages are resent every ResendDelay.
	AckMessageTypes []string

	ResendDelay time.Duration

	// MaxRetries bounds the number of resends of an unacknowledged
	// message. Zero retries forever, until acked or the connection closes.
	MaxRetries int

	// EchoToSender delivers announces back to the connection that sent
	// them.
	EchoToSender bool
}

// HandlerFunc handles a custom inbound message type. It runs on the event
// loop and may use d to reply, announce or notify.
type HandlerFunc func(c Conn, msg *Message, d *Director)

// Publisher publishes a frame to an external pub/sub topic, for delivery
// by other server instances.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, topic string, data []byte) error

func (f PublisherFunc) Publish(ctx context.Context, topic string, data []byte) error {
	return f(ctx, topic, data)
}

// A Director interprets inbound frames, routes them to the Registry or
// fans them out, and tracks outbound messages awaiting acknowledgement.
//
// Like the Registry it is owned by a single goroutine. Retry timers and
// publisher callbacks re-enter it through post.
type Director struct {
	registry *Registry
	opts     DeliveryOptions
	ackTypes map[string]bool

	handlers       map[string]HandlerFunc
	passThrough    map[string]bool
	publisher      Publisher
	topic          string
	publishTimeout time.Duration

	pending map[Conn]map[string]*pendingAck

	clock       clock.Clock
	newID       func() string
	post        func(func())
	onSendError func(Conn, error)
	log         zerolog.Logger

	sentMsgs uint64
}

type directorConfig struct {
	delivery       DeliveryOptions
	handlers       map[string]HandlerFunc
	passThrough    []string
	publisher      Publisher
	topic          string
	publishTimeout time.Duration
	clock          clock.Clock
	log            zerolog.Logger
}

func newDirector(reg *Registry, cfg directorConfig) *Director {
	d := &Director{
		registry:       reg,
		handlers:       make(map[string]HandlerFunc, len(cfg.handlers)),
		passThrough:    make(map[string]bool, len(cfg.passThrough)),
		publisher:      cfg.publisher,
		topic:          cfg.topic,
		publishTimeout: cfg.publishTimeout,
		pending:        make(map[Conn]map[string]*pendingAck),
		clock:          cfg.clock,
		newID:          uuid.NewString,
		post:           func(f func()) { f() },
		log:            cfg.log.With().Str("component", "director").Logger(),
	}
	for t, h := range cfg.handlers {
		d.handlers[t] = h
	}
	for _, t := range cfg.passThrough {
		d.passThrough[t] = true
	}
	if d.clock == nil {
		d.clock = clock.Real()
	}
	if d.publishTimeout <= 0 {
		d.publishTimeout = DefaultPublishTimeout
	}
	d.SetDeliveryOptions(cfg.delivery)
	return d
}

// Registry returns the registry the director routes to.
func (d *Director) Registry() *Registry { return d.registry }

// SetDeliveryOptions replaces the delivery options. Pending entries keep
// their timers; the new ResendDelay applies from their next resend.
func (d *Director) SetDeliveryOptions(o DeliveryOptions) {
	if o.ResendDelay <= 0 {
		o.ResendDelay = DefaultResendDelay
	}
	o.AckMessageTypes = append([]string(nil), o.AckMessageTypes...)
	d.opts = o
	d.ackTypes = make(map[string]bool, len(o.AckMessageTypes))
	for _, t := range o.AckMessageTypes {
		d.ackTypes[t] = true
	}
}

// DeliveryOptions returns the current delivery options.
func (d *Director) DeliveryOptions() DeliveryOptions { return d.opts }

// HandleMessage interprets one inbound frame from c. It returns the parsed
// message, or nil if the frame was not valid JSON.
func (d *Director) HandleMessage(c Conn, frame []byte) *Message {
	msg, err := parseMessage(frame)
	if err != nil {
		d.log.Debug().Err(err).Msg("malformed frame")
		d.reply(c, &Message{Type: TypeError, Value: "Malformed message"})
		return nil
	}

	switch msg.Type {
	case TypeSubscribe:
		res := d.registry.Subscribe(c, msg.Channel, msg.SubID)
		d.reply(c, &Message{
			Type:           TypeAck,
			Channel:        res.Channel,
			SubID:          res.SubID,
			NumConnections: res.NumConnections,
		})
	case TypeUnsubscribe:
		res := d.registry.Unsubscribe(c, msg.Channel, msg.SubID)
		d.reply(c, &Message{
			Type:                   TypeAck,
			Channel:                res.Channel,
			SubID:                  res.SubID,
			RemovedConnectionCount: intp(res.RemovedConnectionCount),
			SubscriptionsDeleted:   intp(res.SubscriptionsDeleted),
			ChannelsDeleted:        intp(res.ChannelsDeleted),
		})
	case TypeAnnounce:
		d.Announce(c, msg, msg.Channel, msg.SubID)
	case TypeNotification:
		d.NotifyUser(c, msg, msg.UserTag)
	case TypeAck:
		if !d.Ack(c, msg.ackTarget()) {
			d.log.Debug().Str("id", msg.ackTarget()).Msg("ack for unknown message")
		}
	case TypeGetInfo, TypeGetInfoDetail:
		payload, err := json.Marshal(d.Info(msg.Channel, msg.Type == TypeGetInfoDetail))
		if err != nil {
			d.log.Error().Err(err).Msg("marshal info")
			return msg
		}
		d.reply(c, &Message{Type: msg.Type, Channel: msg.Channel, Payload: payload})
	default:
		switch {
		case d.handlers[msg.Type] != nil:
			d.runHandler(d.handlers[msg.Type], c, msg)
		case d.passThrough[msg.Type]:
			d.publish(c, frame, "")
		default:
			d.reply(c, &Message{
				Type:  TypeError,
				Value: fmt.Sprintf("Message type %q not supported", msg.Type),
				Msg:   json.RawMessage(frame),
			})
		}
	}
	return msg
}

func (d *Director) runHandler(h HandlerFunc, c Conn, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("type", msg.Type).Interface("panic", r).Msg("custom handler panicked")
			d.reply(c, &Message{Type: TypeError, Value: fmt.Sprintf("Handler for %q failed", msg.Type)})
		}
	}()
	h(c, msg, d)
}

// Announce fans msg out to the subscription (channel, subID), to the whole
// channel when subID is empty, or to every subscribed connection when
// channel is empty. origin is skipped unless EchoToSender is set; it may
// be nil. It returns the number of successful sends.
func (d *Director) Announce(origin Conn, msg *Message, channel, subID string) int {
	var targets []Conn
	switch {
	case channel != "" && subID != "":
		targets = d.registry.SubscriptionConns(channel, subID)
	case channel != "":
		targets = d.registry.ChannelConns(channel)
	default:
		targets = d.registry.AllConns()
	}
	return d.deliver(origin, msg, targets)
}

// NotifyUser sends msg to every connection of userTag except origin. When
// the user has no local connection the message is handed to the publisher,
// since the user may be connected to another instance; without a publisher
// origin is told the user is offline.
func (d *Director) NotifyUser(origin Conn, msg *Message, userTag string) {
	if conns := d.registry.UserConns(userTag); len(conns) > 0 {
		d.deliver(origin, msg, conns)
		return
	}
	if d.publisher != nil {
		data, err := json.Marshal(msg)
		if err != nil {
			d.log.Error().Err(err).Msg("marshal notification")
			return
		}
		d.publish(origin, data, userTag)
		return
	}
	d.userOffline(origin, userTag)
}

func (d *Director) userOffline(c Conn, userTag string) {
	if c == nil {
		return
	}
	d.reply(c, &Message{
		Type:    TypeUserOffline,
		UserTag: userTag,
		Value:   fmt.Sprintf("User %q is not online", userTag),
	})
}

func (d *Director) deliver(origin Conn, msg *Message, targets []Conn) int {
	n := 0
	for _, c := range targets {
		if c == origin && !d.opts.EchoToSender {
			continue
		}
		out := msg.clone()
		out.IsRetry = false
		out.AckID = ""
		if d.SendMessage(c, out) == nil {
			n++
		}
	}
	return n
}

// HandleRemote delivers a frame received from the external subscription.
// Notifications go to local user connections only; anything else is fanned
// out like an announce with no origin.
func (d *Director) HandleRemote(frame []byte) {
	msg, err := parseMessage(frame)
	if err != nil {
		d.log.Warn().Err(err).Msg("malformed remote frame")
		return
	}
	if msg.Type == TypeNotification {
		d.deliver(nil, msg, d.registry.UserConns(msg.UserTag))
		return
	}
	d.Announce(nil, msg, msg.Channel, msg.SubID)
}

// publish hands data to the publisher without blocking the event loop.
// If the publish fails and userTag is set, origin is told the user is
// offline.
func (d *Director) publish(origin Conn, data []byte, userTag string) {
	if d.publisher == nil {
		d.log.Warn().Str("topic", d.topic).Msg("no publisher configured, dropping pass-through message")
		return
	}
	pub, topic, timeout := d.publisher, d.topic, d.publishTimeout
	go func() {
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("publisher panic: %v", r)
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return pub.Publish(ctx, topic, data)
		}()
		if err == nil {
			return
		}
		d.log.Warn().Err(err).Str("topic", topic).Msg("publish failed")
		if userTag != "" && origin != nil {
			d.post(func() { d.userOffline(origin, userTag) })
		}
	}()
}

// SendMessage stamps msg and sends it to c. Messages of an ack-required
// type are tracked until acknowledged.
func (d *Director) SendMessage(c Conn, msg *Message) error {
	return d.send(c, msg, true)
}

// sendUntracked sends without registering a pending acknowledgement.
func (d *Director) sendUntracked(c Conn, msg *Message) error {
	return d.send(c, msg, false)
}

func (d *Director) reply(c Conn, msg *Message) {
	if c == nil {
		return
	}
	_ = d.SendMessage(c, msg)
}

func (d *Director) send(c Conn, msg *Message, track bool) error {
	if c == nil || msg == nil {
		return nil
	}
	msg.stamp(d.clock.Now(), d.newID)
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.Send(data); err != nil {
		d.log.Debug().Err(err).Str("type", msg.Type).Msg("send failed")
		if d.onSendError != nil {
			d.onSendError(c, err)
		}
		return err
	}
	d.sentMsgs++
	if track && !msg.IsRetry && d.ackTypes[msg.Type] {
		d.addPending(c, msg.clone())
	}
	return nil
}

// Info is a snapshot of the registry plus the acknowledgement backlog.
type Info struct {
	ChannelInfo            ChannelInfo `json:"channelInfo"`
	AwaitingAckConnections int         `json:"awaitingAckConnections"`
	AwaitingAckCount       int         `json:"awaitingAckCount"`
	AwaitingAck            []string    `json:"awaitingAck,omitempty"`
}

// Info returns a snapshot for channel (or everything when empty). The
// detail variant adds the per-subscription breakdown, user tags and the
// ids awaiting acknowledgement.
func (d *Director) Info(channel string, detail bool) Info {
	var info Info
	if detail {
		info.ChannelInfo = d.registry.InfoDetail(channel)
		info.AwaitingAck = d.pendingIDs()
	} else {
		info.ChannelInfo = d.registry.Info(channel)
	}
	info.AwaitingAckConnections, info.AwaitingAckCount = d.PendingCount()
	return info
}
