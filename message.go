package sockethub

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"
)

// Message types understood by the director.
const (
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypeAnnounce      = "announce"
	TypeNotification  = "notification"
	TypeAck           = "ack"
	TypeGetInfo       = "getInfo"
	TypeGetInfoDetail = "getInfoDetail"
	TypeError         = "error"
	TypeWelcome       = "welcome"
	TypeUserOffline   = "userOffline"
)

// isoMillis is the ISO-8601 layout used for server stamped times, UTC with
// millisecond precision (e.g. 2026-01-02T15:04:05.000Z).
const isoMillis = "2006-01-02T15:04:05.000Z"

// Message is the JSON envelope exchanged with clients, one per frame.
//
// Payload is kept raw so that it is forwarded untouched, and so are any
// top-level fields a client adds beyond the ones below (see Extra). The
// count fields are only set on acknowledgements of subscribe/unsubscribe
// requests.
type Message struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	SubID   string          `json:"subId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	UserTag string          `json:"userTag,omitempty"`

	// Server stamped.
	ID                string `json:"id,omitempty"`
	SentDateTime      string `json:"sentDateTime,omitempty"`
	LastRetryDateTime string `json:"lastRetryDateTime,omitempty"`
	IsRetry           bool   `json:"isRetry,omitempty"`

	// AckID is accepted on inbound acks as an alias for ID.
	AckID string `json:"ackId,omitempty"`

	// Error envelopes and notices.
	Value string          `json:"value,omitempty"`
	Msg   json.RawMessage `json:"msg,omitempty"`

	NumConnections         *int `json:"numConnections,omitempty"`
	RemovedConnectionCount *int `json:"removedConnectionCount,omitempty"`
	SubscriptionsDeleted   *int `json:"subscriptionsDeleted,omitempty"`
	ChannelsDeleted        *int `json:"channelsDeleted,omitempty"`

	ConnectionID string `json:"connectionId,omitempty"`

	// Extra holds the fields of an inbound frame that Message does not
	// declare. They are written back out next to the declared fields,
	// which win on a name clash.
	Extra map[string]json.RawMessage `json:"-"`
}

// wireMessage is Message without its JSON methods.
type wireMessage Message

// messageFields holds the lower-cased JSON names declared by Message.
// encoding/json matches names case-insensitively, so Extra does too.
var messageFields = func() map[string]bool {
	t := reflect.TypeOf(wireMessage{})
	names := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			names[strings.ToLower(name)] = true
		}
	}
	return names
}()

// UnmarshalJSON decodes the declared fields and collects the rest in Extra.
func (m *Message) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*wireMessage)(m)); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	m.Extra = nil
	for k, v := range fields {
		if messageFields[strings.ToLower(k)] {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]json.RawMessage)
		}
		m.Extra[k] = v
	}
	return nil
}

// MarshalJSON encodes the declared fields together with Extra.
func (m Message) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(wireMessage(m))
	if err != nil || len(m.Extra) == 0 {
		return data, err
	}
	out := make(map[string]json.RawMessage, len(m.Extra)+8)
	for k, v := range m.Extra {
		if !messageFields[strings.ToLower(k)] {
			out[k] = v
		}
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// parseMessage decodes a single inbound frame.
func parseMessage(frame []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// clone returns a copy of m that can be stamped independently.
func (m *Message) clone() *Message {
	cp := *m
	return &cp
}

// stamp sets the server fields for a send at time now. A first send gets
// a fresh id and sentDateTime; a retry keeps both and records the retry
// time instead.
func (m *Message) stamp(now time.Time, newID func() string) {
	if m.IsRetry {
		m.LastRetryDateTime = now.UTC().Format(isoMillis)
		return
	}
	m.ID = newID()
	m.SentDateTime = now.UTC().Format(isoMillis)
	m.LastRetryDateTime = ""
}

// ackTarget returns the id an inbound ack refers to.
func (m *Message) ackTarget() string {
	if m.ID != "" {
		return m.ID
	}
	return m.AckID
}

func intp(n int) *int { return &n }
