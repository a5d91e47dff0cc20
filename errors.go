package sockethub

import "errors"

var (
	// ErrNoUserProps is returned when a structured user record is
	// registered but no user properties were configured to key it by.
	ErrNoUserProps = errors.New("sockethub: user record registration requires configured user props")

	// ErrUserPropValue is returned when a user record property holds a
	// value that cannot be used as a user tag, such as a map or slice.
	ErrUserPropValue = errors.New("sockethub: user prop value is not a scalar")

	// ErrEmptyUserKey is returned when registering a user under an empty key.
	ErrEmptyUserKey = errors.New("sockethub: empty user key")

	// ErrSlowConsumer is returned by a connection whose outbound buffer
	// is full. The hub kills such connections.
	ErrSlowConsumer = errors.New("sockethub: connection send buffer full")

	// ErrConnClosed is returned when sending on a connection that has
	// already been torn down.
	ErrConnClosed = errors.New("sockethub: connection closed")

	// ErrInvalidOption is wrapped by ServerOptions rejecting their input.
	ErrInvalidOption = errors.New("sockethub: invalid option")

	// ErrServerClosed is returned by operations on a shut down Server.
	ErrServerClosed = errors.New("sockethub: server closed")
)
