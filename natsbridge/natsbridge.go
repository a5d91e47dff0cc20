// Package natsbridge connects sockethub servers running on several nodes
// through a NATS subject. A Bridge is both the sockethub.Publisher and the
// sockethub.Subscriber of a server.
package natsbridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/mroth/sockethub"
)

var (
	_ sockethub.Publisher  = (*Bridge)(nil)
	_ sockethub.Subscriber = (*Bridge)(nil)
)

// Bridge publishes and subscribes to NATS subjects.
type Bridge struct {
	nc  *nats.Conn
	own bool // close nc on Close
	log zerolog.Logger
}

// Connect dials the NATS server at url.
func Connect(url, name string, log zerolog.Logger) (*Bridge, error) {
	log = log.With().Str("component", "natsbridge").Logger()
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected from nats")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to nats")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natsbridge: connect to %s: %w", url, err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected to nats")
	return &Bridge{nc: nc, own: true, log: log}, nil
}

// New wraps an existing connection. Close leaves it open.
func New(nc *nats.Conn, log zerolog.Logger) *Bridge {
	return &Bridge{nc: nc, log: log.With().Str("component", "natsbridge").Logger()}
}

// Publish sends data on subject topic. When ctx has a deadline the
// connection is flushed so server-side errors surface before it.
func (b *Bridge) Publish(ctx context.Context, topic string, data []byte) error {
	if err := b.nc.Publish(topic, data); err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); ok {
		return b.nc.FlushWithContext(ctx)
	}
	return nil
}

// Subscribe calls handler with the data of every message on subject
// topic. The subscription ends when the returned func is called or ctx
// is done.
func (b *Bridge) Subscribe(ctx context.Context, topic string, handler func(data []byte)) (func(), error) {
	sub, err := b.nc.Subscribe(topic, func(m *nats.Msg) { handler(m.Data) })
	if err != nil {
		return nil, fmt.Errorf("natsbridge: subscribe %s: %w", topic, err)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
				b.log.Warn().Err(err).Str("subject", topic).Msg("unsubscribe failed")
			}
		})
	}
	stop := context.AfterFunc(ctx, unsubscribe)
	return func() {
		stop()
		unsubscribe()
	}, nil
}

// Close drains the connection if the bridge opened it.
func (b *Bridge) Close() error {
	if !b.own {
		return nil
	}
	return b.nc.Drain()
}
