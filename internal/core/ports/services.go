package ports

import (
	"context"
	"encoding/json"

	"fivecall/internal/core/domain"
)

// SignalChannel is the client side of a room-scoped relay connection.
type SignalChannel interface {
	Send(msg domain.RelayMessage) error
	Incoming() <-chan domain.RelayMessage
	Close() error
}

type SignalDialer interface {
	Dial(ctx context.Context, roomID domain.RoomID) (SignalChannel, error)
}

// LocalMedia is an acquired local audio source.
type LocalMedia interface {
	ID() string
	Release()
}

// RemoteMedia is the audio received from the peer.
type RemoteMedia interface {
	ID() string
	Codec() string
}

type MediaSource interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}

// PeerEvents receives transport lifecycle signals.
type PeerEvents interface {
	OnSignal(msgType string, payload json.RawMessage)
	OnRemoteMedia(media RemoteMedia)
	OnPeerConnected()
	OnPeerClosed()
	OnPeerError(err error)
}

// PeerTransport performs the point-to-point negotiation; payloads are opaque
// to everything above it.
type PeerTransport interface {
	Offer() error
	Signal(msgType string, payload json.RawMessage) error
	Close() error
}

type PeerTransportFactory interface {
	NewTransport(local LocalMedia, events PeerEvents) (PeerTransport, error)
}

// Releaser is the teardown handle a call uses to free negotiation resources.
type Releaser interface {
	Release()
}
