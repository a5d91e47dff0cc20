package sockethub

import (
	"sort"

	"github.com/mroth/sockethub/internal/clock"
)

// pendingAck is a message sent to conn that is waiting for the client to
// acknowledge it. Its timer resends msg every ResendDelay until the entry
// is cancelled by an ack or by connection teardown.
type pendingAck struct {
	conn      Conn
	msg       *Message
	timer     clock.Timer
	attempts  int
	cancelled bool
}

// cancel stops the retry timer. Only the first call has any effect, and a
// cancelled entry is never re-armed.
func (p *pendingAck) cancel() bool {
	if p.cancelled {
		return false
	}
	p.cancelled = true
	if p.timer != nil {
		p.timer.Stop()
	}
	return true
}

func (d *Director) addPending(c Conn, msg *Message) {
	p := &pendingAck{conn: c, msg: msg}
	p.timer = d.clock.AfterFunc(d.opts.ResendDelay, func() {
		d.post(func() { d.retry(p) })
	})
	byID, ok := d.pending[c]
	if !ok {
		byID = make(map[string]*pendingAck)
		d.pending[c] = byID
	}
	if old, ok := byID[msg.ID]; ok {
		old.cancel()
	}
	byID[msg.ID] = p
}

// retry runs on the event loop when p's timer fires.
func (d *Director) retry(p *pendingAck) {
	if p.cancelled {
		return
	}
	if d.opts.MaxRetries > 0 && p.attempts >= d.opts.MaxRetries {
		d.log.Warn().
			Str("id", p.msg.ID).
			Str("type", p.msg.Type).
			Int("attempts", p.attempts).
			Msg("giving up on unacknowledged message")
		d.removePending(p.conn, p.msg.ID)
		return
	}
	p.attempts++
	p.msg.IsRetry = true
	if err := d.send(p.conn, p.msg, false); err != nil {
		// usually already gone through onSendError and DropConn
		d.removePending(p.conn, p.msg.ID)
		return
	}
	// teardown may have run from inside send
	if !p.cancelled {
		p.timer.Reset(d.opts.ResendDelay)
	}
}

// Ack clears the pending entry for (c, id). It reports whether an entry
// was found.
func (d *Director) Ack(c Conn, id string) bool {
	if id == "" {
		return false
	}
	return d.removePending(c, id)
}

func (d *Director) removePending(c Conn, id string) bool {
	byID := d.pending[c]
	p, ok := byID[id]
	if !ok {
		return false
	}
	p.cancel()
	delete(byID, id)
	if len(byID) == 0 {
		delete(d.pending, c)
	}
	return true
}

// DropConn cancels and removes every pending entry of c, returning how
// many there were. It must be called when c is torn down.
func (d *Director) DropConn(c Conn) int {
	byID := d.pending[c]
	for _, p := range byID {
		p.cancel()
	}
	delete(d.pending, c)
	return len(byID)
}

// PendingCount returns the number of connections with pending
// acknowledgements and the total number of pending messages.
func (d *Director) PendingCount() (conns, msgs int) {
	for _, byID := range d.pending {
		msgs += len(byID)
	}
	return len(d.pending), msgs
}

func (d *Director) pendingIDs() []string {
	var ids []string
	for _, byID := range d.pending {
		for id := range byID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
