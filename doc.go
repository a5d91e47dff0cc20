/*
Package sockethub implements a publish/subscribe fan-out server over
websockets, with at-least-once delivery for the message types that need it.

Clients exchange JSON envelopes, one per text frame:

	{"type":"subscribe","channel":"chat","subId":"room1"}
	{"type":"announce","channel":"chat","subId":"room1","payload":{"text":"hi"}}
	{"type":"ack","id":"0f9c..."}

# Channels and subscriptions

A channel holds any number of subscriptions, each naming a set of
connections. An announce goes to one subscription, to every subscription of
a channel when subId is omitted, or to every subscribed connection when the
channel is omitted too. A connection subscribed twice to the same channel
under different subIds receives channel-wide messages twice.

Empty subscriptions and channels are removed as soon as their last
connection leaves.

# Users

Connections can be tagged with user identities through an IdentityResolver
run at upgrade time. A notification addresses every connection of a user;
when the user has no local connection it is handed to the configured
Publisher, so that another node running the same topic can deliver it.

# Acknowledgements

Outbound messages whose type is listed in DeliveryOptions.AckMessageTypes
are stamped with an id and resent every ResendDelay, flagged isRetry, until
the client acks that id or disconnects.

# Concurrency

Each Server runs a single hub goroutine that owns all subscription, user and
acknowledgement state. Custom HandlerFuncs run on that goroutine and must
not block. Host code outside it uses CloseUser, Info and the other Server
methods, which hand their work to the hub and wait for it. Emit only queues
its message, so a handler may call it too.
*/
package sockethub
