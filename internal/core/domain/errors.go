package domain

import "errors"

var (
	ErrInvalidRoomID    = errors.New("invalid room id")
	ErrInvalidMessage   = errors.New("invalid message format")
	ErrSessionClosed    = errors.New("session closed")
	ErrMediaAcquisition = errors.New("local media unavailable")
	ErrPeerTransport    = errors.New("peer transport failure")
	ErrRelayUnavailable = errors.New("relay unavailable")
)
