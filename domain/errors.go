package domain

import "errors"

var (
	// ErrUnknownEntityKind is returned for entity kinds the gateway does not track.
	ErrUnknownEntityKind = errors.New("unknown entity kind")
	// ErrUnknownEventType is returned for mutation verbs other than create/update/delete.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrUnauthenticated marks a handshake whose credential was missing, invalid or expired.
	ErrUnauthenticated = errors.New("authentication error")
	// ErrConnectionClosed is returned when writing to a connection that has been torn down.
	ErrConnectionClosed = errors.New("connection closed")
)
