package sockethub

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mroth/sockethub/internal/clock"
)

// ServerOption defines a set of high-level user options that can be customized
type ServerOption func(s *Server) error

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidOption}, args...)...)
}

// WithConnBufferSize sets how many outbound messages a connection may have
// queued before it is considered a slow consumer and closed.
func WithConnBufferSize(n uint) ServerOption {
	return func(s *Server) error {
		if n == 0 {
			return invalid("connection buffer size must be positive")
		}
		s.conf.ConnBufSize = n
		return nil
	}
}

// WithReadLimit sets the largest inbound frame, in bytes.
func WithReadLimit(n int64) ServerOption {
	return func(s *Server) error {
		if n <= 0 {
			return invalid("read limit must be positive")
		}
		s.conf.ReadLimit = n
		return nil
	}
}

// WithPingPeriod sets the websocket keepalive interval.
func WithPingPeriod(d time.Duration) ServerOption {
	return func(s *Server) error {
		if d <= 0 || d >= pongWait {
			return invalid("ping period must be between 0 and %v", pongWait)
		}
		s.conf.PingPeriod = d
		return nil
	}
}

// WithDeliveryOptions sets every delivery option at once.
func WithDeliveryOptions(o DeliveryOptions) ServerOption {
	return func(s *Server) error {
		s.conf.delivery = o
		return nil
	}
}

// WithAckMessageTypes lists the outbound message types clients must
// acknowledge.
func WithAckMessageTypes(types ...string) ServerOption {
	return func(s *Server) error {
		s.conf.delivery.AckMessageTypes = append(s.conf.delivery.AckMessageTypes, types...)
		return nil
	}
}

// WithResendDelay sets how long to wait for an acknowledgement before
// resending. The default is DefaultResendDelay.
func WithResendDelay(d time.Duration) ServerOption {
	return func(s *Server) error {
		if d <= 0 {
			return invalid("resend delay must be positive")
		}
		s.conf.delivery.ResendDelay = d
		return nil
	}
}

// WithMaxRetries bounds resends of an unacknowledged message. Zero, the
// default, resends until acknowledged or the connection closes.
func WithMaxRetries(n int) ServerOption {
	return func(s *Server) error {
		if n < 0 {
			return invalid("max retries must not be negative")
		}
		s.conf.delivery.MaxRetries = n
		return nil
	}
}

// WithEchoToSender delivers announces back to their sender too.
func WithEchoToSender(echo bool) ServerOption {
	return func(s *Server) error {
		s.conf.delivery.EchoToSender = echo
		return nil
	}
}

var builtinTypes = map[string]bool{
	TypeSubscribe:     true,
	TypeUnsubscribe:   true,
	TypeAnnounce:      true,
	TypeNotification:  true,
	TypeAck:           true,
	TypeGetInfo:       true,
	TypeGetInfoDetail: true,
}

// WithHandler registers fn for inbound messages of msgType. Built-in types
// cannot be overridden.
func WithHandler(msgType string, fn HandlerFunc) ServerOption {
	return func(s *Server) error {
		switch {
		case msgType == "":
			return invalid("handler needs a message type")
		case builtinTypes[msgType]:
			return invalid("cannot override built-in message type %q", msgType)
		case fn == nil:
			return invalid("nil handler for %q", msgType)
		}
		s.conf.handlers[msgType] = fn
		return nil
	}
}

// WithPublisher sets where notifications for users with no local
// connection, and pass-through message types, are published.
func WithPublisher(p Publisher) ServerOption {
	return func(s *Server) error {
		s.conf.publisher = p
		return nil
	}
}

// WithSubscriber subscribes the server to the external topic, delivering
// what it receives to local connections.
func WithSubscriber(sub Subscriber) ServerOption {
	return func(s *Server) error {
		s.conf.subscriber = sub
		return nil
	}
}

// WithPubSubTopic sets the external topic used by the publisher and
// subscriber.
func WithPubSubTopic(topic string) ServerOption {
	return func(s *Server) error {
		s.conf.topic = topic
		return nil
	}
}

// WithPubSubMessageTypes lists inbound message types that are published
// as-is instead of handled locally.
func WithPubSubMessageTypes(types ...string) ServerOption {
	return func(s *Server) error {
		for _, t := range types {
			if builtinTypes[t] {
				return invalid("cannot pass through built-in message type %q", t)
			}
		}
		s.conf.passThrough = append(s.conf.passThrough, types...)
		return nil
	}
}

// WithPublishTimeout bounds a single publish. The default is
// DefaultPublishTimeout.
func WithPublishTimeout(d time.Duration) ServerOption {
	return func(s *Server) error {
		if d <= 0 {
			return invalid("publish timeout must be positive")
		}
		s.conf.publishTimeout = d
		return nil
	}
}

// WithIdentityResolver sets how connections are associated with users.
func WithIdentityResolver(fn IdentityResolver) ServerOption {
	return func(s *Server) error {
		s.conf.identity = fn
		return nil
	}
}

// WithUserProps lists the UserRecord properties used as user tags.
func WithUserProps(props ...string) ServerOption {
	return func(s *Server) error {
		s.conf.userProps = append(s.conf.userProps, props...)
		return nil
	}
}

// WithInboundRateLimit limits how fast each connection's frames are
// handled. Readers over the limit are slowed down, not disconnected.
func WithInboundRateLimit(r rate.Limit, burst int) ServerOption {
	return func(s *Server) error {
		if r <= 0 || burst <= 0 {
			return invalid("rate limit and burst must be positive")
		}
		s.conf.rateLimit, s.conf.rateBurst = r, burst
		return nil
	}
}

// WithCheckOrigin sets the websocket upgrader's origin check. Without it
// only same-origin requests are accepted.
func WithCheckOrigin(fn func(r *http.Request) bool) ServerOption {
	return func(s *Server) error {
		s.conf.checkOrigin = fn
		return nil
	}
}

// WithAllowedOrigins accepts upgrades from the listed origin hosts. "*"
// allows any origin.
func WithAllowedOrigins(origins ...string) ServerOption {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.ToLower(o)] = true
	}
	return WithCheckOrigin(func(r *http.Request) bool {
		if allowed["*"] {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return allowed[strings.ToLower(u.Host)] || strings.EqualFold(u.Host, r.Host)
	})
}

// WithEventBridge shares an existing EventBridge instead of creating one.
func WithEventBridge(b *EventBridge) ServerOption {
	return func(s *Server) error {
		s.conf.bridge = b
		return nil
	}
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) error {
		s.conf.log = l
		return nil
	}
}

func withClock(c clock.Clock) ServerOption {
	return func(s *Server) error {
		s.conf.clock = c
		return nil
	}
}
