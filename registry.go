package sockethub

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Conn is an opaque handle to a client transport endpoint. The registry
// and director only ever send on it; opening and closing belongs to the
// hub.
type Conn interface {
	Send(data []byte) error
}

// UserRecord is a structured identity, e.g. a session user. Only the
// properties configured with WithUserProps are used to key it.
type UserRecord map[string]any

// A Registry maps channels to subscriptions to connections, and user tags
// to connections.
//
// Registry is not safe for concurrent use. Inside a Server it is owned by
// the hub goroutine; every method is synchronous and in-memory.
//
// Malformed calls (missing connection, channel or subscription id) never
// panic, they degrade to no-ops with partial results.
type Registry struct {
	channels  map[string]map[string][]Conn // channel -> subId -> conns
	users     map[string][]Conn            // user tag -> conns
	userProps []string                     // record properties used as user tags
}

// NewRegistry returns an empty Registry. userProps lists the UserRecord
// properties whose values key a registered record.
func NewRegistry(userProps ...string) *Registry {
	return &Registry{
		channels:  make(map[string]map[string][]Conn),
		users:     make(map[string][]Conn),
		userProps: append([]string(nil), userProps...),
	}
}

// SubscribeResult acknowledges a Subscribe. NumConnections is nil when the
// call was malformed.
type SubscribeResult struct {
	Channel        string
	SubID          string
	NumConnections *int
}

// UnsubscribeResult acknowledges an Unsubscribe.
type UnsubscribeResult struct {
	Channel                string
	SubID                  string
	RemovedConnectionCount int
	SubscriptionsDeleted   int
	ChannelsDeleted        int
}

// Subscribe adds c to (channel, subID). Subscribing twice is a no-op;
// the count reflects the subscription's current size.
func (r *Registry) Subscribe(c Conn, channel, subID string) SubscribeResult {
	res := SubscribeResult{Channel: channel, SubID: subID}
	if c == nil || channel == "" || subID == "" {
		return res
	}
	subs, ok := r.channels[channel]
	if !ok {
		subs = make(map[string][]Conn)
		r.channels[channel] = subs
	}
	if !containsConn(subs[subID], c) {
		subs[subID] = append(subs[subID], c)
	}
	res.NumConnections = intp(len(subs[subID]))
	return res
}

// Unsubscribe removes c from (channel, subID), or from every subscription
// of channel when subID is empty. Subscriptions left empty are pruned, and
// so is the channel once it has no subscriptions.
func (r *Registry) Unsubscribe(c Conn, channel, subID string) UnsubscribeResult {
	res := UnsubscribeResult{Channel: channel, SubID: subID}
	if c == nil || channel == "" {
		return res
	}
	subs, ok := r.channels[channel]
	if !ok {
		return res
	}

	if subID != "" {
		if conns, ok := subs[subID]; ok {
			var removed bool
			subs[subID], removed = removeConn(conns, c)
			if removed {
				res.RemovedConnectionCount++
			}
		}
	} else {
		for id, conns := range subs {
			var removed bool
			subs[id], removed = removeConn(conns, c)
			if removed {
				res.RemovedConnectionCount++
			}
		}
	}

	for id, conns := range subs {
		if len(conns) == 0 {
			delete(subs, id)
			res.SubscriptionsDeleted++
		}
	}
	if len(subs) == 0 {
		delete(r.channels, channel)
		res.ChannelsDeleted++
	}
	return res
}

// RemoveConn removes c from every subscription of every channel, pruning
// as Unsubscribe does. It returns the channels c was removed from, sorted.
func (r *Registry) RemoveConn(c Conn) []string {
	if c == nil {
		return nil
	}
	var left []string
	for _, ch := range sortedKeys(r.channels) {
		if r.Unsubscribe(c, ch, "").RemovedConnectionCount > 0 {
			left = append(left, ch)
		}
	}
	return left
}

// SubscriptionConns returns the connections of (channel, subID) in
// subscription order. The slice is a copy.
func (r *Registry) SubscriptionConns(channel, subID string) []Conn {
	conns := r.channels[channel][subID]
	if len(conns) == 0 {
		return nil
	}
	return append([]Conn(nil), conns...)
}

// ChannelConns returns the connections of every subscription in channel.
// A connection in two subscriptions appears twice: fan-out sends once per
// subscription membership.
func (r *Registry) ChannelConns(channel string) []Conn {
	subs := r.channels[channel]
	var out []Conn
	for _, id := range sortedKeys(subs) {
		out = append(out, subs[id]...)
	}
	return out
}

// AllConns returns ChannelConns for every channel, with the same
// duplication policy.
func (r *Registry) AllConns() []Conn {
	var out []Conn
	for _, ch := range sortedKeys(r.channels) {
		out = append(out, r.ChannelConns(ch)...)
	}
	return out
}

// HasChannel reports whether channel has at least one subscription.
func (r *Registry) HasChannel(channel string) bool {
	_, ok := r.channels[channel]
	return ok
}

// Channels returns the known channel names, sorted.
func (r *Registry) Channels() []string { return sortedKeys(r.channels) }

/****************************************************************************
  Users
****************************************************************************/

// RegisterUserKey adds c under the user tag key.
func (r *Registry) RegisterUserKey(key string, c Conn) error {
	if key == "" {
		return ErrEmptyUserKey
	}
	if c == nil {
		return nil
	}
	if !containsConn(r.users[key], c) {
		r.users[key] = append(r.users[key], c)
	}
	return nil
}

// RegisterUserRecord adds c under the value of every configured user
// property present in rec. It fails with ErrNoUserProps when the registry
// was built without user properties. Properties whose value is not a
// string, number or bool are skipped, and reported with ErrUserPropValue
// once the others are registered.
func (r *Registry) RegisterUserRecord(rec UserRecord, c Conn) error {
	if len(r.userProps) == 0 {
		return ErrNoUserProps
	}
	var skipped []string
	for _, prop := range r.userProps {
		v, ok := rec[prop]
		if !ok || v == nil {
			continue
		}
		key, ok := userTag(v)
		if !ok {
			skipped = append(skipped, prop)
			continue
		}
		if key == "" {
			continue
		}
		if err := r.RegisterUserKey(key, c); err != nil {
			return err
		}
	}
	if len(skipped) > 0 {
		return fmt.Errorf("%w: %v", ErrUserPropValue, skipped)
	}
	return nil
}

// userTag formats a record value as a user tag. Numbers are written the
// way they appear in JSON, so an id decoded as float64 1000000 is tagged
// "1000000".
func userTag(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case int:
		return strconv.Itoa(v), true
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(v), true
	case bool:
		return strconv.FormatBool(v), true
	case fmt.Stringer:
		return v.String(), true
	}
	return "", false
}

// UserConns returns the connections registered under tag.
func (r *Registry) UserConns(tag string) []Conn {
	conns := r.users[tag]
	if len(conns) == 0 {
		return nil
	}
	return append([]Conn(nil), conns...)
}

// IsUserOnline reports whether tag has at least one connection.
func (r *Registry) IsUserOnline(tag string) bool { return len(r.users[tag]) > 0 }

// RemoveUserConn removes c from every user tag, pruning emptied tags. It
// returns the number of tags c was removed from.
func (r *Registry) RemoveUserConn(c Conn) int {
	n := 0
	for tag, conns := range r.users {
		rest, removed := removeConn(conns, c)
		if !removed {
			continue
		}
		n++
		if len(rest) == 0 {
			delete(r.users, tag)
		} else {
			r.users[tag] = rest
		}
	}
	return n
}

// Users returns the known user tags, sorted.
func (r *Registry) Users() []string { return sortedKeys(r.users) }

/****************************************************************************
  Snapshots
****************************************************************************/

// ChannelInfo is an aggregate snapshot of the registry.
type ChannelInfo struct {
	TotalConnections   int `json:"totalConnections"`
	TotalChannels      int `json:"totalChannels"`
	TotalSubscriptions int `json:"totalSubscriptions"`

	// Set only when the snapshot was taken for one channel.
	ChannelConnectionCount *int `json:"channelConnectionCount,omitempty"`
	ChannelSubscriptions   *int `json:"channelSubscriptions,omitempty"`

	// Detail only.
	Channels map[string][]SubscriptionInfo `json:"channels,omitempty"`
	Users    []string                      `json:"users,omitempty"`
}

// SubscriptionInfo is the size of one subscription.
type SubscriptionInfo struct {
	SubID          string `json:"subId"`
	NumConnections int    `json:"numConnections"`
}

// Info returns aggregate counts, plus the counts of channel if non-empty.
func (r *Registry) Info(channel string) ChannelInfo {
	info := ChannelInfo{
		TotalConnections: len(r.AllConns()),
		TotalChannels:    len(r.channels),
	}
	for _, subs := range r.channels {
		info.TotalSubscriptions += len(subs)
	}
	if channel != "" {
		info.ChannelConnectionCount = intp(len(r.ChannelConns(channel)))
		info.ChannelSubscriptions = intp(len(r.channels[channel]))
	}
	return info
}

// InfoDetail is Info plus a per-subscription breakdown for channel (or
// every channel when empty) and the known user tags.
func (r *Registry) InfoDetail(channel string) ChannelInfo {
	info := r.Info(channel)
	info.Channels = make(map[string][]SubscriptionInfo)
	if channel != "" {
		info.Channels[channel] = r.subscriptionInfo(channel)
	} else {
		for ch := range r.channels {
			info.Channels[ch] = r.subscriptionInfo(ch)
		}
	}
	info.Users = r.Users()
	return info
}

func (r *Registry) subscriptionInfo(channel string) []SubscriptionInfo {
	subs := r.channels[channel]
	out := make([]SubscriptionInfo, 0, len(subs))
	for _, id := range sortedKeys(subs) {
		out = append(out, SubscriptionInfo{SubID: id, NumConnections: len(subs[id])})
	}
	return out
}

func containsConn(conns []Conn, c Conn) bool {
	for _, x := range conns {
		if x == c {
			return true
		}
	}
	return false
}

// removeConn removes c from conns in place, keeping order.
func removeConn(conns []Conn, c Conn) ([]Conn, bool) {
	for i, x := range conns {
		if x == c {
			copy(conns[i:], conns[i+1:])
			conns[len(conns)-1] = nil
			return conns[:len(conns)-1], true
		}
	}
	return conns, false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
