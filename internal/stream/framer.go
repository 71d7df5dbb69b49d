package stream

import (
	"github.com/jtradehq/jtrade/internal/domain"
)

// Framer adapts one broker's wire protocol to the hub's connection
// state machine. Implementations are stateless; the hub owns all
// per-connection state.
type Framer interface {
	// Broker names the protocol this framer speaks.
	Broker() domain.Broker

	// URL returns the websocket endpoint for an environment.
	URL(env domain.Environment) string

	// Split breaks one websocket message into protocol frames. JSON
	// protocols return the message whole; record-separated protocols
	// split on the delimiter.
	Split(data []byte) [][]byte

	// Auth returns the frame sent immediately after dial.
	Auth(token string) ([]byte, error)

	// AuthAck inspects a frame for the authentication acknowledgement.
	// handled=false means the frame is not an auth response and should
	// be processed normally.
	AuthAck(frame []byte) (ok bool, handled bool)

	// Subscribe returns the single union-subscription frame. The hub
	// sends it at most once per socket lifetime.
	Subscribe(subaccounts []string) ([]byte, error)

	// Heartbeat returns the keepalive frame.
	Heartbeat() []byte

	// Parse converts a data frame into stream events. Unknown message
	// kinds return (nil, nil); the hub preserves the raw frame for
	// audit regardless.
	Parse(frame []byte) ([]domain.StreamEvent, error)
}
